package middleware

import (
	"net/http"
	"strings"

	"github.com/aman-churiwal/revive/internal/models"
	"github.com/aman-churiwal/revive/internal/service"
	"github.com/gin-gonic/gin"
)

// SessionCookie carries the token for browser clients
const SessionCookie = "revive_session"

// Sent with a 500 status when there is no session
const loginRequiredMessage = "Login to upload"

// TokenValidator is satisfied by *service.AuthService
type TokenValidator interface {
	ValidateToken(tokenString string) (*service.Claims, error)
}

// RequireSession rejects requests without a valid session token and stores
// the user's identity in the context
func RequireSession(auth TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := sessionToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, loginRequiredMessage)
			return
		}

		claims, err := auth.ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, loginRequiredMessage)
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextEmail, claims.Email)
		c.Set(ContextRole, claims.Role)

		c.Next()
	}
}

// RequireAdmin must run after RequireSession
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextRole) != models.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Admin access required",
			})
			return
		}
		c.Next()
	}
}

// Bearer header first, then the session cookie
func sessionToken(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}

	if cookie, err := c.Cookie(SessionCookie); err == nil {
		return cookie
	}

	return ""
}
