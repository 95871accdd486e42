package gate

import (
	"github.com/halcyonchat/halcyon/internal/entitlement"
)

// MaxEstimatedCredits caps the pre-flight estimate. The real cost comes from
// provider token usage after the call; the estimate only has to be a sane
// floor check.
const MaxEstimatedCredits = 10

// NeedsDeduction is attached to an admitted request so the post-call step
// knows what to charge and against which balance.
type NeedsDeduction struct {
	OperationType  string `json:"operationType"`
	CurrentBalance int64  `json:"currentBalance"`
	IsTeamPooled   bool   `json:"isTeamPooled"`
}

// CreditGuard blocks expensive AI calls that the balance cannot plausibly
// cover. It never deducts anything itself.
type CreditGuard struct {
	purchaseURL string
}

// NewCreditGuard creates a guard.
func NewCreditGuard(purchaseURL string) *CreditGuard {
	return &CreditGuard{purchaseURL: purchaseURL}
}

// RequireMinimum checks the resolved balance against the estimate. Callers
// skip it entirely when the request used a free slot or carries a bypass.
func (g *CreditGuard) RequireMinimum(ent *entitlement.Entitlement, minimum int64, operationType string) (*NeedsDeduction, *Denial) {
	if ent.CreditsBalance < minimum {
		return nil, &Denial{
			Status:  402,
			Code:    CodeInsufficientCredits,
			Message: "Insufficient AI credits for this request.",
			Details: map[string]any{
				"required":       minimum,
				"currentBalance": ent.CreditsBalance,
				"purchaseUrl":    g.purchaseURL,
			},
		}
	}
	return &NeedsDeduction{
		OperationType:  operationType,
		CurrentBalance: ent.CreditsBalance,
		IsTeamPooled:   ent.IsTeamPooled,
	}, nil
}

// EstimateCredits predicts the credit cost of a chat call before it runs.
// Deterministic and side-effect free; the result is capped at
// MaxEstimatedCredits.
func EstimateCredits(messageLen int, hasAttachments bool, modelTier string, contextPct float64) int64 {
	credits := int64(1)

	// Long prompts cost more to process.
	credits += int64(messageLen / 4000)

	if hasAttachments {
		credits += 2
	}

	switch modelTier {
	case "premium":
		credits += 3
	case "standard":
		credits += 1
	}

	// A nearly full context window roughly doubles input tokens.
	if contextPct >= 0.75 {
		credits += 2
	} else if contextPct >= 0.5 {
		credits += 1
	}

	if credits > MaxEstimatedCredits {
		credits = MaxEstimatedCredits
	}
	return credits
}
