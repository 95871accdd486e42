// Package gate decides whether a chat request may proceed and which counter
// pays for it.
//
// Exactly one outcome applies per request: a free monthly message slot, a
// credit deduction after the call, or an override/BYOK bypass. The bypass
// check runs first; the gate and the credit guard never see bypassed
// requests. Granting access is a cost-bearing decision, so unlike the rate
// limiter every storage failure here fails closed.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/halcyonchat/halcyon/internal/entitlement"
	"github.com/halcyonchat/halcyon/internal/logging"
	"github.com/halcyonchat/halcyon/internal/metrics"
	"github.com/halcyonchat/halcyon/internal/user"
)

// Machine-readable denial codes surfaced to clients.
const (
	CodeSubscriptionRequired = "SUBSCRIPTION_REQUIRED"
	CodeSubscriptionExpired  = "SUBSCRIPTION_EXPIRED"
	CodePaymentFailed        = "PAYMENT_FAILED"
	CodeMessageLimitExceeded = "MESSAGE_LIMIT_EXCEEDED"
	CodeNoCreditsAvailable   = "NO_CREDITS_AVAILABLE"
	CodeInsufficientCredits  = "INSUFFICIENT_CREDITS"
)

// Denial is a structured refusal. It carries everything the client needs to
// render an upgrade, purchase, or retry affordance without extra lookups.
type Denial struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (d *Denial) Error() string {
	return fmt.Sprintf("gate: denied (%s)", d.Code)
}

// Body returns the JSON response body for the denial.
func (d *Denial) Body() map[string]any {
	body := map[string]any{
		"error":   d.Code,
		"message": d.Message,
	}
	for k, v := range d.Details {
		body[k] = v
	}
	return body
}

// AsDenial unwraps err into a Denial when it is one.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// Admission is a granted request plus which counter will pay for it.
type Admission struct {
	// FreeMessageUsed means a monthly slot was already consumed.
	FreeMessageUsed bool
	// CreditsWillBeDeducted means the post-call deduction applies.
	CreditsWillBeDeducted bool
	// Entitlement is the resolved entitlement the decision was made on.
	Entitlement *entitlement.Entitlement
}

// Resolver yields effective entitlements. Satisfied by both
// entitlement.Resolver and entitlement.CachedResolver.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (*entitlement.Entitlement, error)
}

// Gate admits or denies chat requests based on entitlement state.
type Gate struct {
	users       user.Store
	resolver    Resolver
	upgradeURL  string
	purchaseURL string
}

// NewGate creates a gate.
func NewGate(users user.Store, resolver Resolver, upgradeURL, purchaseURL string) *Gate {
	return &Gate{
		users:       users,
		resolver:    resolver,
		upgradeURL:  upgradeURL,
		purchaseURL: purchaseURL,
	}
}

// Admit decides whether userID may send a chat message and consumes the free
// slot when one is used. The error is a *Denial for policy refusals; any
// other error is an infrastructure failure and must surface as a 500, never
// as an allow.
func (g *Gate) Admit(ctx context.Context, userID string) (*Admission, error) {
	ent, err := g.resolver.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !ent.HasAccess {
		metrics.GateDecisionsTotal.WithLabelValues("denied").Inc()
		return nil, g.denyNoAccess(ent)
	}

	if ent.EffectiveTier != user.TierFreemium {
		// Paid tiers run on credits only.
		if ent.CreditsBalance > 0 {
			metrics.GateDecisionsTotal.WithLabelValues("credit").Inc()
			return &Admission{CreditsWillBeDeducted: true, Entitlement: ent}, nil
		}
		metrics.GateDecisionsTotal.WithLabelValues("denied").Inc()
		return nil, &Denial{
			Status:  402,
			Code:    CodeNoCreditsAvailable,
			Message: "You have no AI credits available. Purchase credits to continue.",
			Details: map[string]any{
				"currentBalance": ent.CreditsBalance,
				"purchaseUrl":    g.purchaseURL,
			},
		}
	}

	if ent.MessagesRemaining > 0 {
		consumed, err := g.users.ConsumeFreeMessage(ctx, userID, ent.Features.MonthlyMessageAllowance)
		if err != nil {
			return nil, fmt.Errorf("consume free message for %s: %w", userID, err)
		}
		if consumed {
			metrics.GateDecisionsTotal.WithLabelValues("free_message").Inc()
			return &Admission{FreeMessageUsed: true, Entitlement: ent}, nil
		}
		// Lost the race for the last slot; fall through to credits.
		logging.L(ctx).Debug("free message slot raced away", "user_id", userID)
	}

	if ent.CreditsBalance > 0 {
		metrics.GateDecisionsTotal.WithLabelValues("credit").Inc()
		return &Admission{CreditsWillBeDeducted: true, Entitlement: ent}, nil
	}

	metrics.GateDecisionsTotal.WithLabelValues("denied").Inc()
	return nil, &Denial{
		Status:  402,
		Code:    CodeMessageLimitExceeded,
		Message: "You have used all your free messages this month.",
		Details: map[string]any{
			"monthlyAllowance": ent.Features.MonthlyMessageAllowance,
			"resetsAt":         ent.MessagesResetAt.AddDate(0, 1, 0),
			"upgradeUrl":       g.upgradeURL,
			"purchaseUrl":      g.purchaseURL,
		},
	}
}

func (g *Gate) denyNoAccess(ent *entitlement.Entitlement) *Denial {
	d := &Denial{
		Status: 402,
		Details: map[string]any{
			"tier":       string(ent.Tier),
			"status":     string(ent.Status),
			"upgradeUrl": g.upgradeURL,
		},
	}
	switch ent.Status {
	case user.StatusPastDue:
		d.Code = CodePaymentFailed
		d.Message = "Your last payment failed. Update your payment method to restore access."
	case user.StatusCanceled, user.StatusIncomplete:
		d.Code = CodeSubscriptionExpired
		d.Message = "Your subscription has expired. Renew to restore access."
	default:
		d.Code = CodeSubscriptionRequired
		d.Message = "An active subscription is required."
	}
	return d
}
