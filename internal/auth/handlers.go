package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes identity introspection.
type Handler struct{}

// NewHandler creates an identity handler.
func NewHandler() *Handler {
	return &Handler{}
}

// RegisterRoutes adds GET /me to an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/me", h.Me)
}

// Me handles GET /v1/me
func (h *Handler) Me(c *gin.Context) {
	id, ok := GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Not authenticated",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": id})
}
