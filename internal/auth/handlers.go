package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for session management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "session_token",
		"header":    "Authorization: Bearer hc_sess_...",
		"altHeader": "X-Session-Token: hc_sess_...",
		"note":      "Session tokens are issued at login. Store them securely.",
		"publicEndpoints": []string{
			"GET /health",
			"GET /v1/auth",
		},
		"protectedEndpoints": []string{
			"POST /v1/chat/completions",
			"GET /v1/entitlement",
			"GET /v1/auth/sessions",
		},
	})
}

// ListSessions returns sessions for the authenticated user
func (h *Handler) ListSessions(c *gin.Context) {
	s, ok := GetSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "NOT_AUTHENTICATED"})
		return
	}

	sessions, err := h.manager.ListSessions(c.Request.Context(), s.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list sessions",
		})
		return
	}

	// Don't expose hashes
	safe := make([]gin.H, len(sessions))
	for i, sess := range sessions {
		safe[i] = gin.H{
			"id":        sess.ID,
			"createdAt": sess.CreatedAt,
			"lastSeen":  sess.LastSeen,
			"expiresAt": sess.ExpiresAt,
			"revoked":   sess.Revoked,
			"current":   sess.ID == s.ID,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": safe,
		"count":    len(safe),
	})
}

// RevokeSession revokes one of the user's sessions
func (h *Handler) RevokeSession(c *gin.Context) {
	s, ok := GetSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "NOT_AUTHENTICATED"})
		return
	}

	sessionID := c.Param("sessionId")

	// Prevent revoking the session in use
	if sessionID == s.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the session you're using",
		})
		return
	}

	if err := h.manager.RevokeSession(c.Request.Context(), sessionID, s.UserID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "session_not_found",
			"message": "Session not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Session revoked",
		"sessionId": sessionID,
	})
}

// Me returns info about the authenticated user's session
func (h *Handler) Me(c *gin.Context) {
	s, ok := GetSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "NOT_AUTHENTICATED"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":    s.UserID,
		"sessionId": s.ID,
		"createdAt": s.CreatedAt,
		"lastSeen":  s.LastSeen,
	})
}
