// Package entitlement computes what a user is allowed to do right now.
//
// The Resolver folds the raw user/team rows and the per-tier feature
// catalogue into a single EffectiveEntitlement; the Cache keeps that result
// hot for a short TTL in front of the resolver. Cached values are never
// trusted across a month boundary: every hit is probed against the start of
// the current month before being returned.
package entitlement

import (
	"errors"
	"time"

	"github.com/halcyonchat/halcyon/internal/user"
)

// Errors
var (
	// ErrConfigMissing means no feature row existed for the effective tier.
	// The resolver self-heals by inserting defaults, so the NEXT resolve
	// succeeds, but the triggering caller still gets this error and must retry.
	ErrConfigMissing = errors.New("entitlement: feature configuration missing for tier")
)

// GrandfatheredCreditFloor is the read-time credit floor applied to
// grandfathered users with a personal balance. Never persisted.
const GrandfatheredCreditFloor = 50

// Entitlement is the derived, cacheable access state for one user.
type Entitlement struct {
	UserID            string     `json:"userId"`
	HasAccess         bool       `json:"hasAccess"`
	Tier              user.Tier  `json:"tier"`
	EffectiveTier     user.Tier  `json:"effectiveTier"`
	Status            user.Status `json:"status"`
	Features          Features   `json:"features"`
	CreditsBalance    int64      `json:"creditsBalance"`
	IsTeamPooled      bool       `json:"isTeamPooled"`
	TeamID            string     `json:"teamId,omitempty"`
	Grandfathered     bool       `json:"grandfathered"`
	MessagesUsed      int        `json:"messagesUsed"`
	MessagesRemaining int        `json:"messagesRemaining"`
	MessagesResetAt   time.Time  `json:"messagesResetAt"`
	ResolvedAt        time.Time  `json:"resolvedAt"`
}

// tierRank orders tiers for "at least" comparisons.
var tierRank = map[user.Tier]int{
	user.TierFreemium:   0,
	user.TierPro:        1,
	user.TierTeam:       2,
	user.TierEnterprise: 3,
}

// atLeast returns t raised to floor if it ranks below it.
func atLeast(t, floor user.Tier) user.Tier {
	if tierRank[t] < tierRank[floor] {
		return floor
	}
	return t
}
