package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/halcyonchat/halcyon/internal/logging"
	"github.com/halcyonchat/halcyon/internal/user"
)

// ResetCoordinator brings a user's monthly counter up to date before the
// entitlement is computed. Implemented by the reset package.
type ResetCoordinator interface {
	EnsureCurrentMonth(ctx context.Context, userID string) (bool, error)
}

// Resolver computes the effective entitlement from raw rows.
type Resolver struct {
	users    user.Store
	features FeatureStore
	resets   ResetCoordinator
	now      func() time.Time
}

// NewResolver creates a resolver. resets may be nil (tests), in which case
// the monthly-reset precheck is skipped.
func NewResolver(users user.Store, features FeatureStore, resets ResetCoordinator) *Resolver {
	return &Resolver{
		users:    users,
		features: features,
		resets:   resets,
		now:      time.Now,
	}
}

// Resolve computes the effective entitlement for one user.
//
// Returns user.ErrNotFound if the row is absent, and ErrConfigMissing when
// the feature catalogue had no row for the effective tier. In the latter case
// defaults have been written, so a retry succeeds; the triggering caller
// still sees the error.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*Entitlement, error) {
	if r.resets != nil {
		if _, err := r.resets.EnsureCurrentMonth(ctx, userID); err != nil {
			return nil, fmt.Errorf("resolve %s: ensure current month: %w", userID, err)
		}
	}

	u, err := r.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	balance := u.CreditsBalance
	pooled := false
	if u.Teamed() {
		team, err := r.users.GetTeam(ctx, u.TeamID)
		switch {
		case err == nil:
			balance = team.PooledCredits
			pooled = true
		case errors.Is(err, user.ErrTeamNotFound):
			// Dangling team reference. Fall back to the personal balance.
			logging.L(ctx).Warn("user references missing team", "user_id", userID, "team_id", u.TeamID)
		default:
			return nil, err
		}
	}

	effective := u.Tier
	if u.Grandfathered {
		effective = atLeast(effective, user.TierPro)
	}

	feats, err := r.features.GetFeatures(ctx, effective)
	if errors.Is(err, ErrConfigMissing) {
		return nil, r.healMissingConfig(ctx, effective)
	}
	if err != nil {
		return nil, err
	}

	// Read-time floor for grandfathered personal balances; never persisted.
	if u.Grandfathered && !pooled && balance < GrandfatheredCreditFloor {
		balance = GrandfatheredCreditFloor
	}

	remaining := feats.MonthlyMessageAllowance - u.MessagesUsed
	if remaining < 0 {
		remaining = 0
	}

	return &Entitlement{
		UserID:            u.ID,
		HasAccess:         hasAccess(u),
		Tier:              u.Tier,
		EffectiveTier:     effective,
		Status:            u.Status,
		Features:          *feats,
		CreditsBalance:    balance,
		IsTeamPooled:      pooled,
		TeamID:            u.TeamID,
		Grandfathered:     u.Grandfathered,
		MessagesUsed:      u.MessagesUsed,
		MessagesRemaining: remaining,
		MessagesResetAt:   u.MessagesResetAt,
		ResolvedAt:        r.now(),
	}, nil
}

// healMissingConfig writes default feature rows for the missing tier plus the
// two tiers every deployment needs, then reports ErrConfigMissing so the
// caller retries. This is a known one-shot failure after tier changes.
func (r *Resolver) healMissingConfig(ctx context.Context, tier user.Tier) error {
	for _, t := range []user.Tier{tier, user.TierPro, user.TierFreemium} {
		f := DefaultFeaturesForTier(t)
		f.Tier = t
		if err := r.features.PutFeatures(ctx, &f); err != nil {
			return fmt.Errorf("heal feature config for %s: %w", t, err)
		}
	}
	logging.L(ctx).Error("feature configuration was missing, defaults inserted", "tier", string(tier))
	return fmt.Errorf("tier %s: %w", tier, ErrConfigMissing)
}

func hasAccess(u *user.User) bool {
	if u.Grandfathered {
		return true
	}
	switch u.Status {
	case user.StatusActive, user.StatusTrialing, user.StatusFreemium:
		return true
	}
	return false
}
