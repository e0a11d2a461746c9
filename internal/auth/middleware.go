// Package auth reads caller identity forwarded by the upstream gateway.
//
// Authentication happens before requests reach this service; the gateway
// sets X-Actor-ID and X-Actor-Role on every request it forwards. This
// package only trusts and exposes those headers.
package auth

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"

	// ContextKeyActorID is the key for storing the caller id in gin context
	ContextKeyActorID = "actorId"
	// ContextKeyActorRole is the key for storing the caller role in gin context
	ContextKeyActorRole = "actorRole"
)

// Role is the caller's role as asserted by the gateway.
type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleArbitrator Role = "arbitrator"
	RoleAdmin      Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleFreelancer, RoleArbitrator, RoleAdmin:
		return true
	}
	return false
}

// Actor is the authenticated caller.
type Actor struct {
	ID   string
	Role Role
}

const maxActorIDLength = 128

// Middleware extracts the actor headers. Malformed values are ignored, so
// the request proceeds unauthenticated.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderActorID))
		role := Role(strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole))))

		if id != "" && utf8.RuneCountInString(id) <= maxActorIDLength && role.Valid() {
			c.Set(ContextKeyActorID, id)
			c.Set(ContextKeyActorRole, role)
		}

		c.Next()
	}
}

// RequireActor rejects requests without actor headers.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetActor(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Actor-ID and X-Actor-Role headers are required.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects requests whose actor does not hold one of roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Actor-ID and X-Actor-Role headers are required.",
			})
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "This operation requires role " + joinRoles(roles) + ".",
		})
	}
}

// GetActor returns the caller from context (if present)
func GetActor(c *gin.Context) (Actor, bool) {
	id := c.GetString(ContextKeyActorID)
	if id == "" {
		return Actor{}, false
	}
	role, _ := c.Get(ContextKeyActorRole)
	r, _ := role.(Role)
	return Actor{ID: id, Role: r}, true
}

func joinRoles(roles []Role) string {
	s := make([]string, len(roles))
	for i, r := range roles {
		s[i] = string(r)
	}
	return strings.Join(s, " or ")
}
