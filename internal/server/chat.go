package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/halcyonchat/halcyon/internal/auth"
	"github.com/halcyonchat/halcyon/internal/gate"
	"github.com/halcyonchat/halcyon/internal/logging"
	"github.com/halcyonchat/halcyon/internal/provider"
	"github.com/halcyonchat/halcyon/internal/ratelimit"
	"github.com/halcyonchat/halcyon/internal/traces"
	"github.com/halcyonchat/halcyon/internal/user"
)

// chatCompletions handles POST /v1/chat/completions.
//
// The gating order is fixed: bypass classification, then the freemium gate,
// then the credit guard, then the rate limiter, and only then the provider
// call. The credit deduction happens after the call, from the token usage the
// provider actually reported; a failed call charges nothing.
func (s *Server) chatCompletions(c *gin.Context) {
	userID := auth.GetUserID(c)

	var req provider.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "At least one message with role and content is required",
		})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "chat.completions", traces.UserID(userID))
	defer span.End()

	bypass, err := s.bypass.Resolve(ctx, userID, gate.BypassRequest{
		Provider: req.Provider,
		APIKey:   req.APIKey,
	})
	if err != nil {
		s.renderGateError(c, err)
		return
	}

	var admission *gate.Admission
	tier := user.TierFreemium

	if bypass == nil {
		admission, err = s.gate.Admit(ctx, userID)
		if err != nil {
			s.renderGateError(c, err)
			return
		}
		tier = admission.Entitlement.EffectiveTier
		span.SetAttributes(traces.Tier(string(tier)))

		if req.Provider != "" && !admission.Entitlement.Features.HasProvider(req.Provider) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":      "FEATURE_NOT_AVAILABLE",
				"message":    fmt.Sprintf("Provider %q is not available on your plan.", req.Provider),
				"upgradeUrl": s.cfg.UpgradeURL,
			})
			return
		}

		if admission.CreditsWillBeDeducted {
			estimate := gate.EstimateCredits(messagesLen(req.Messages), false, modelTier(req.Model), 0)
			if _, denial := s.guard.RequireMinimum(admission.Entitlement, estimate, "chat"); denial != nil {
				c.JSON(denial.Status, denial.Body())
				return
			}
		}
	} else {
		span.SetAttributes(traces.BypassKind(string(bypass.Kind)))
		// Bypassed requests skip the gate, not the rate limiter. Best-effort
		// tier lookup; an unresolved tier limits at freemium.
		if ent, err := s.entitlements.Resolve(ctx, userID); err == nil {
			tier = ent.EffectiveTier
		}
	}

	d := s.limiter.Check(ctx, "user:"+userID, c.FullPath(), tier)
	ratelimit.SetHeaders(c, d)
	if !d.Allowed {
		ratelimit.Deny(c, d)
		return
	}

	resp, err := s.completer.Complete(ctx, &req)
	if err != nil {
		logging.L(ctx).Error("provider call failed",
			"provider", req.Provider, "model", req.Model, "error", err)
		// Nothing was delivered, so nothing is charged.
		if errors.Is(err, provider.ErrProviderUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "PROVIDER_UNAVAILABLE",
				"message": "The AI provider is temporarily unavailable. Try again shortly.",
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "PROVIDER_ERROR",
			"message": "The AI provider failed to respond. You have not been charged.",
		})
		return
	}
	span.SetAttributes(traces.Provider(resp.Provider))

	billingInfo := gin.H{
		"freeMessageUsed": false,
		"creditsCharged":  int64(0),
	}
	switch {
	case bypass != nil:
		billingInfo["bypass"] = string(bypass.Kind)
	case admission.FreeMessageUsed:
		billingInfo["freeMessageUsed"] = true
		span.SetAttributes(traces.Outcome("free_message"))
	case admission.CreditsWillBeDeducted:
		credits := provider.CreditsForUsage(resp.Usage)
		if err := s.billing.DeductCredits(ctx, userID, credits, "chat"); err != nil {
			// The reply is already on its way to the client. Log the miss and
			// let the next gate check catch the stale balance.
			logging.L(ctx).Error("post-call credit deduction failed",
				"user_id", userID, "credits", credits, "error", err)
		} else {
			billingInfo["creditsCharged"] = credits
		}
		span.SetAttributes(traces.Outcome("credit"), traces.Credits(credits))
	}

	c.JSON(http.StatusOK, gin.H{
		"provider": resp.Provider,
		"model":    resp.Model,
		"message":  resp.Message,
		"usage":    resp.Usage,
		"billing":  billingInfo,
	})
}

// renderGateError maps gating failures onto HTTP. Policy denials carry their
// own status and body; anything else is an infrastructure failure and fails
// closed as a 500.
func (s *Server) renderGateError(c *gin.Context, err error) {
	if d, ok := gate.AsDenial(err); ok {
		c.JSON(d.Status, d.Body())
		return
	}
	if errors.Is(err, user.ErrNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "NOT_AUTHENTICATED",
			"message": "No account matches this session.",
		})
		return
	}
	logging.L(c.Request.Context()).Error("entitlement check failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "INTERNAL",
		"message": "Could not verify your subscription. Please try again.",
	})
}

// messagesLen is the total prompt length in bytes across all turns.
func messagesLen(msgs []provider.Message) int {
	var n int
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n
}

// modelTier buckets a requested model for pre-flight cost estimation.
func modelTier(model string) string {
	if strings.HasPrefix(model, "premium") {
		return "premium"
	}
	return "standard"
}
