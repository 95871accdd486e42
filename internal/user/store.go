package user

import (
	"context"
	"time"
)

// Store persists user and team rows. Counter and balance mutations are
// conditional single-statement operations: the boolean result reports whether
// the condition held and the write happened.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	Update(ctx context.Context, u *User) error

	// GetByStripeCustomer looks a user up by their Stripe customer id. Used
	// by billing webhooks, which only know the Stripe side of the mapping.
	GetByStripeCustomer(ctx context.Context, customerID string) (*User, error)

	CreateTeam(ctx context.Context, t *Team) error
	GetTeam(ctx context.Context, id string) (*Team, error)

	// ConsumeFreeMessage atomically increments messages_used if it is still
	// below allowance. Returns false when the allowance was already spent.
	ConsumeFreeMessage(ctx context.Context, id string, allowance int) (bool, error)

	// DeductCredits / DeductTeamCredits atomically subtract amount when the
	// balance covers it. Returns false on insufficient balance (never underflows).
	DeductCredits(ctx context.Context, id string, amount int64) (bool, error)
	DeductTeamCredits(ctx context.Context, teamID string, amount int64) (bool, error)

	// AddCredits / AddTeamCredits add purchased or granted credits.
	AddCredits(ctx context.Context, id string, amount int64) error
	AddTeamCredits(ctx context.Context, teamID string, amount int64) error

	// ResetIfDue zeroes the monthly counter when messages_reset_at is before
	// monthStart. Returns false when the row was already current.
	ResetIfDue(ctx context.Context, id string, monthStart time.Time) (bool, error)

	// ResetAllDue performs the bulk form for the scheduled sweep and returns
	// the number of rows reset.
	ResetAllDue(ctx context.Context, monthStart time.Time) (int64, error)

	// SetSubscription applies a billing-driven tier/status change.
	SetSubscription(ctx context.Context, id string, tier Tier, status Status) error

	// SetOverride grants an admin access override; nil expiry never expires.
	SetOverride(ctx context.Context, id string, expiresAt *time.Time) error

	// ClearOverride drops an override. Used when an expired override is first
	// observed, and by the admin revoke endpoint.
	ClearOverride(ctx context.Context, id string) error
}
