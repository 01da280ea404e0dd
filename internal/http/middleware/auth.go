// README: Firebase ID token auth middleware and caller accessors.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"parcelnet/internal/infra"
)

const (
	ctxUID  = "auth.uid"
	ctxRole = "auth.role"
)

// Auth verifies "Authorization: Bearer <id token>". A nil verifier disables
// authentication, which is how the offline simulator and local runs work.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxUID, token.UID)
		if role, ok := token.Claims["role"].(string); ok {
			c.Set(ctxRole, role)
		}
		c.Next()
	}
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}

// RequireRole lets the request through when auth is disabled or the caller has role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, authed := c.Get(ctxUID); !authed {
			c.Next()
			return
		}
		if CallerRole(c) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "requires role " + role})
			return
		}
		c.Next()
	}
}
