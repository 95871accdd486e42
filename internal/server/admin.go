package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/halcyonchat/halcyon/internal/billing"
	"github.com/halcyonchat/halcyon/internal/user"
)

// Admin endpoints are operator tooling behind the X-Admin-Secret header.
// Every mutation publishes EntitlementChanged so cached entitlements never
// outlive an override or credit grant.

// grantOverride handles POST /v1/admin/users/:id/override
// An empty body grants a permanent override; expiresAt bounds it.
func (s *Server) grantOverride(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var req struct {
		ExpiresAt *time.Time `json:"expiresAt"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "expiresAt must be an RFC3339 timestamp",
			})
			return
		}
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "expiresAt must be in the future",
		})
		return
	}

	if err := s.users.SetOverride(ctx, id, req.ExpiresAt); err != nil {
		s.renderAdminError(c, id, err)
		return
	}
	s.events.EntitlementChanged(ctx, id)

	s.logger.Info("access override granted", "user_id", id, "expires_at", req.ExpiresAt)
	c.JSON(http.StatusOK, gin.H{
		"userId":         id,
		"accessOverride": true,
		"expiresAt":      req.ExpiresAt,
	})
}

// revokeOverride handles DELETE /v1/admin/users/:id/override
func (s *Server) revokeOverride(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if err := s.users.ClearOverride(ctx, id); err != nil {
		s.renderAdminError(c, id, err)
		return
	}
	s.events.EntitlementChanged(ctx, id)

	s.logger.Info("access override revoked", "user_id", id)
	c.JSON(http.StatusOK, gin.H{
		"userId":         id,
		"accessOverride": false,
	})
}

// grantCredits handles POST /v1/admin/users/:id/credits
// Adds credits to the user's balance (or their team pool when teamed).
func (s *Server) grantCredits(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var req struct {
		Amount int64 `json:"amount" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount must be a positive integer",
		})
		return
	}

	if err := s.billing.AddCredits(ctx, id, req.Amount); err != nil {
		if errors.Is(err, billing.ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "amount must be a positive integer",
			})
			return
		}
		s.renderAdminError(c, id, err)
		return
	}

	s.logger.Info("credits granted", "user_id", id, "amount", req.Amount)
	c.JSON(http.StatusOK, gin.H{
		"userId":       id,
		"creditsAdded": req.Amount,
	})
}

// runResetSweep handles POST /v1/admin/reset-sweep
// Manually triggers the bulk monthly counter rollover.
func (s *Server) runResetSweep(c *gin.Context) {
	count, err := s.resetCoord.ResetAllDue(c.Request.Context())
	if err != nil {
		s.logger.Error("manual reset sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL",
			"message": "Reset sweep failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usersReset": count})
}

func (s *Server) renderAdminError(c *gin.Context, id string, err error) {
	if errors.Is(err, user.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "USER_NOT_FOUND",
			"message": "No user with id " + id,
		})
		return
	}
	s.logger.Error("admin operation failed", "user_id", id, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "INTERNAL",
		"message": "Operation failed",
	})
}
