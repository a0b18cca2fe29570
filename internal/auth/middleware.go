package auth

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/eventgate/internal/apierr"
)

// ContextKeyAuthenticated marks a request that passed RequireBearer.
const ContextKeyAuthenticated = "authenticated"

// RequireBearer extracts the Authorization: Bearer <token> header and
// rejects the request with 401 if it is missing or not a member of ts.
func RequireBearer(ts *TokenSet) gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		token = strings.TrimSpace(token)

		if token == "" || !ts.Valid(token) {
			apierr.JSON(c, apierr.New(apierr.KindAuth, "INVALID_BEARER_TOKEN", "missing or invalid bearer token"), correlationID)
			return
		}

		c.Set(ContextKeyAuthenticated, true)
		c.Next()
	}
}

// IsAuthenticated reports whether the request passed RequireBearer.
func IsAuthenticated(c *gin.Context) bool {
	v, _ := c.Get(ContextKeyAuthenticated)
	ok, _ := v.(bool)
	return ok
}

// RequireAdmin restricts access to admin endpoints via the X-Admin-Secret
// header, checked in constant time against the ADMIN_SECRET env var.
func RequireAdmin() gin.HandlerFunc {
	adminSecret := os.Getenv("ADMIN_SECRET")
	return func(c *gin.Context) {
		if adminSecret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   gin.H{"code": "ADMIN_DISABLED", "message": "admin access is disabled; set ADMIN_SECRET"},
			})
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(adminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{"code": "FORBIDDEN", "message": "admin access required"},
			})
			return
		}

		c.Next()
	}
}
