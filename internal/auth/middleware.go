package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/txguard/internal/audit"
	"github.com/mbd888/txguard/internal/logging"
)

const (
	// ContextKeyIdentity holds the *Identity in the gin context.
	ContextKeyIdentity = "authIdentity"
	// ContextKeyActor holds the authenticated actor ID.
	ContextKeyActor = "authActorID"
	// ContextKeyRole holds the authenticated role.
	ContextKeyRole = "authActorRole"
)

// Recorder receives access-control audit events.
type Recorder interface {
	Record(ctx context.Context, category audit.Category, action, actorID string, details map[string]any) *audit.Event
}

// Middleware authenticates every request and requires a privileged role.
// Failures are answered with 401 or 403 and recorded when rec is non-nil.
func Middleware(a *Authenticator, rec Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		details := map[string]any{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"ip":     c.ClientIP(),
		}

		id, err := a.Authenticate(c.Request)
		if err != nil {
			category := audit.CategoryFailedLogin
			if errors.Is(err, ErrNoCredentials) {
				category = audit.CategoryUnauthorizedAccess
			}
			details["reason"] = err.Error()
			record(ctx, rec, category, "authentication failed", "", details)
			logging.L(ctx).Warn("authentication failed", "path", c.FullPath(), "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid administrator credentials required.",
			})
			return
		}

		if !id.Privileged() {
			details["role"] = id.Role
			record(ctx, rec, audit.CategoryUnauthorizedAccess, "role not permitted", id.ActorID, details)
			logging.L(ctx).Warn("forbidden role", "actor", id.ActorID, "role", id.Role)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Administrator role required.",
			})
			return
		}

		c.Set(ContextKeyIdentity, id)
		c.Set(ContextKeyActor, id.ActorID)
		c.Set(ContextKeyRole, id.Role)
		ctx = logging.WithActor(ctx, id.ActorID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func record(ctx context.Context, rec Recorder, category audit.Category, action, actorID string, details map[string]any) {
	if rec != nil {
		rec.Record(ctx, category, action, actorID, details)
	}
}

// GetIdentity returns the authenticated identity, if any.
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}

// GetActor returns the authenticated actor ID or "".
func GetActor(c *gin.Context) string {
	return c.GetString(ContextKeyActor)
}

// GetRole returns the authenticated role or "".
func GetRole(c *gin.Context) string {
	return c.GetString(ContextKeyRole)
}
