package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"outdial-platform/internal/config"
)

// RequireAPIToken guards the job-submission and out-of-band control
// endpoints with the shared credential. Constant-time compare; the token
// arrives as a bearer header.
func RequireAPIToken(cfg config.AuthConfig) gin.HandlerFunc {
	expected := []byte(cfg.APIToken)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
