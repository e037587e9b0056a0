// Package auth establishes the acting administrator for each request.
//
// Identity comes from a bearer JWT (HS256, sub and role claims) when a
// signing secret is configured. Without a secret the service trusts the
// X-Actor-ID and X-Actor-Role headers set by the gateway in front of it.
// Only the admin and super_admin roles may use the engine.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mbd888/txguard/internal/validation"
)

const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"

	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"

	issuer = "txguard"
)

var (
	ErrNoCredentials = errors.New("auth: credentials required")
	ErrInvalidToken  = errors.New("auth: invalid or expired token")
	ErrInvalidActor  = errors.New("auth: invalid actor identifier")
	ErrForbiddenRole = errors.New("auth: role not permitted")
)

// Identity is the authenticated actor.
type Identity struct {
	ActorID string `json:"actorId"`
	Role    string `json:"role"`
	// Method is "jwt" or "header".
	Method string `json:"method"`
}

// Privileged reports whether the identity may perform financial operations.
func (i *Identity) Privileged() bool {
	return i.Role == RoleAdmin || i.Role == RoleSuperAdmin
}

// Claims are the access-token claims.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator resolves identities from requests.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator. An empty secret selects
// trusted gateway headers.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// UsesJWT reports whether bearer tokens are required.
func (a *Authenticator) UsesJWT() bool { return len(a.secret) > 0 }

// IssueToken signs a token for actorID. Used by operators and tests.
func (a *Authenticator) IssueToken(actorID, role string, ttl time.Duration) (string, error) {
	if !a.UsesJWT() {
		return "", errors.New("auth: no signing secret configured")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(a.secret)
}

// Authenticate returns the identity carried by r. It does not check the role.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	var id *Identity
	if a.UsesJWT() {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		if raw == "" {
			return nil, ErrNoCredentials
		}
		claims, err := a.validate(strings.TrimSpace(strings.TrimPrefix(raw, "Bearer ")))
		if err != nil {
			return nil, err
		}
		id = &Identity{ActorID: claims.Subject, Role: claims.Role, Method: "jwt"}
	} else {
		actor := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if actor == "" {
			return nil, ErrNoCredentials
		}
		id = &Identity{
			ActorID: actor,
			Role:    strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderActorRole))),
			Method:  "header",
		}
	}
	if !validation.IsValidIdentifier(id.ActorID) {
		return nil, ErrInvalidActor
	}
	return id, nil
}

func (a *Authenticator) validate(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
