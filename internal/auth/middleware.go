package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/halcyonchat/halcyon/internal/logging"
)

const (
	// ContextKeySession is the key for storing the session in gin context
	ContextKeySession = "session"
	// ContextKeyUserID is the key for storing the authenticated user id
	ContextKeyUserID = "authUserID"
)

// Middleware extracts and validates the session token from the request.
// Sets session and user id in context if valid.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			token = c.GetHeader("X-Session-Token")
		}

		if token != "" {
			s, err := m.ValidateToken(c.Request.Context(), token)
			if err == nil {
				c.Set(ContextKeySession, s)
				c.Set(ContextKeyUserID, s.UserID)
				// Make the user id available to structured logs downstream.
				c.Request = c.Request.WithContext(
					logging.WithUserID(c.Request.Context(), s.UserID))
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without a valid session
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeySession); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "NOT_AUTHENTICATED",
				"message": "A session is required. Include 'Authorization: Bearer hc_sess_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin middleware rejects requests without the admin secret header.
// Admin endpoints are operator tooling, not user-facing.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" || c.GetHeader("X-Admin-Secret") != secret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "NOT_AUTHENTICATED",
				"message": "Admin credentials required.",
			})
			return
		}
		c.Next()
	}
}

// GetSession returns the session from context (if authenticated)
func GetSession(c *gin.Context) (*Session, bool) {
	s, exists := c.Get(ContextKeySession)
	if !exists {
		return nil, false
	}
	return s.(*Session), true
}

// GetUserID returns the authenticated user's id
func GetUserID(c *gin.Context) string {
	id, exists := c.Get(ContextKeyUserID)
	if !exists {
		return ""
	}
	return id.(string)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeySession)
	return exists
}
