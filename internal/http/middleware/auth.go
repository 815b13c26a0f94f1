// README: Auth middleware; verifies Firebase ID tokens and extracts identity.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rickqueue/internal/infra"
)

const (
	ContextUserID = "user_id"
	ContextGender = "gender"
)

// Auth verifies the bearer token on every request and stashes the caller's
// uid and gender claim in the gin context. Requests without a valid token
// are rejected before any handler runs.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ContextUserID, token.UID)
		if g, ok := token.Claims["gender"].(string); ok {
			c.Set(ContextGender, strings.ToUpper(g))
		}
		c.Next()
	}
}

// UserID reads the authenticated uid set by Auth.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// Gender reads the gender claim set by Auth; empty when the token had none.
func Gender(c *gin.Context) string {
	return c.GetString(ContextGender)
}
