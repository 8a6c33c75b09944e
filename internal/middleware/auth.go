package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kartikbazzad/tabflow/internal/authz"
	"github.com/kartikbazzad/tabflow/internal/services"
)

const principalContextKey = "principal"

// TokenAuthMiddleware authenticates Authorization: Bearer <api-token>
// requests and puts the resolved principal in the request context. The
// optional bootstrapToken is a deploy-time admin credential for creating
// the first real tokens; empty disables it.
func TokenAuthMiddleware(tokenService *services.TokenService, bootstrapToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		const prefix = "Bearer "

		if !strings.HasPrefix(authHeader, prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if bootstrapToken != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(bootstrapToken)) == 1 {
			c.Set(principalContextKey, &services.Principal{Name: "bootstrap", Role: authz.RoleAdmin})
			c.Next()
			return
		}

		p, err := tokenService.Validate(c.Request.Context(), raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(principalContextKey, p)
		c.Next()
	}
}

// GetPrincipal returns the authenticated principal, or nil when the request
// did not pass through TokenAuthMiddleware.
func GetPrincipal(c *gin.Context) *services.Principal {
	v, ok := c.Get(principalContextKey)
	if !ok {
		return nil
	}
	p, _ := v.(*services.Principal)
	return p
}
