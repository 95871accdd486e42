// Package user owns the durable rows the gating engine reads and mutates:
// per-user subscription state, monthly message counters, and team credit pools.
//
// All counter mutations go through conditional single-statement updates so
// concurrent requests from multiple service replicas cannot double-spend a
// message slot or overdraw a balance.
package user

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound     = errors.New("user: not found")
	ErrTeamNotFound = errors.New("user: team not found")
	ErrExists       = errors.New("user: already exists")
)

// Tier identifies the subscription tier. Legacy alias names are normalized
// once at the boundary via NormalizeTier, never re-parsed at comparison sites.
type Tier string

const (
	TierFreemium   Tier = "freemium"
	TierPro        Tier = "pro"
	TierTeam       Tier = "team"
	TierEnterprise Tier = "enterprise"
)

// tierAliases maps legacy tier names that still exist in old rows and old
// Stripe metadata onto the closed enum.
var tierAliases = map[string]Tier{
	"free":         TierFreemium,
	"freemium":     TierFreemium,
	"basic":        TierFreemium,
	"premium":      TierPro,
	"plus":         TierPro,
	"pro":          TierPro,
	"business":     TierTeam,
	"team":         TierTeam,
	"enterprise":   TierEnterprise,
	"organization": TierEnterprise,
}

// NormalizeTier maps a raw tier string (possibly a legacy alias) onto the
// closed Tier enum. Unknown values normalize to freemium.
func NormalizeTier(raw string) Tier {
	if t, ok := tierAliases[raw]; ok {
		return t
	}
	return TierFreemium
}

// ValidTier returns true if t is one of the canonical tiers.
func ValidTier(t Tier) bool {
	switch t {
	case TierFreemium, TierPro, TierTeam, TierEnterprise:
		return true
	}
	return false
}

// Status represents a subscription's billing state.
type Status string

const (
	StatusActive     Status = "active"
	StatusTrialing   Status = "trialing"
	StatusFreemium   Status = "freemium"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusIncomplete Status = "incomplete"
)

// User is the subset of the account row the gating engine cares about.
type User struct {
	ID                string     `json:"id"`
	Email             string     `json:"email"`
	Tier              Tier       `json:"tier"`
	Status            Status     `json:"status"`
	CreditsBalance    int64      `json:"creditsBalance"`
	MessagesUsed      int        `json:"messagesUsed"`
	MessagesResetAt   time.Time  `json:"messagesResetAt"`
	TeamID            string     `json:"teamId,omitempty"`
	AccessOverride    bool       `json:"accessOverride"`
	OverrideExpiresAt *time.Time `json:"overrideExpiresAt,omitempty"`
	Grandfathered     bool       `json:"grandfathered"`
	GrandfatheredFrom string     `json:"grandfatheredFrom,omitempty"`
	StripeCustomerID  string     `json:"stripeCustomerId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Teamed reports whether the user draws from a pooled team balance.
func (u *User) Teamed() bool {
	return u.TeamID != ""
}

// Team holds a shared credit pool for all members.
type Team struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	PooledCredits  int64     `json:"pooledCredits"`
	CurrentMembers int       `json:"currentMembers"`
	MaxMembers     int       `json:"maxMembers"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// StartOfMonth returns midnight UTC on the first of now's month. All monthly
// reset comparisons use this boundary.
func StartOfMonth(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
