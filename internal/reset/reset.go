// Package reset rolls monthly message counters over at month boundaries.
//
// The rollover is lazy (checked on every entitlement resolve) plus a
// scheduled bulk sweep. Both paths ride on the store's conditional update, so
// a counter is zeroed exactly once per calendar month no matter how many
// callers race on it.
package reset

import (
	"context"
	"fmt"
	"time"

	"github.com/halcyonchat/halcyon/internal/entitlement"
	"github.com/halcyonchat/halcyon/internal/logging"
	"github.com/halcyonchat/halcyon/internal/metrics"
	"github.com/halcyonchat/halcyon/internal/user"
)

// Invalidator drops cached entitlements after a reset. Satisfied by
// entitlement.Cache.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string)
	InvalidateAll(ctx context.Context)
}

// Coordinator performs idempotent monthly counter rollovers.
type Coordinator struct {
	users  user.Store
	cache  Invalidator
	events *entitlement.Events
	now    func() time.Time
}

// NewCoordinator creates a coordinator. cache and events may be nil in tests.
func NewCoordinator(users user.Store, cache Invalidator, events *entitlement.Events) *Coordinator {
	return &Coordinator{
		users:  users,
		cache:  cache,
		events: events,
		now:    time.Now,
	}
}

// EnsureCurrentMonth resets one user's counter if their row is still on a
// previous month. Returns true when a reset actually happened. Calling it
// again in the same month is a no-op.
func (c *Coordinator) EnsureCurrentMonth(ctx context.Context, userID string) (bool, error) {
	monthStart := user.StartOfMonth(c.now())

	did, err := c.users.ResetIfDue(ctx, userID, monthStart)
	if err != nil {
		return false, fmt.Errorf("reset %s: %w", userID, err)
	}
	if !did {
		return false, nil
	}

	if c.cache != nil {
		c.cache.Invalidate(ctx, userID)
	}
	if c.events != nil {
		c.events.EntitlementChanged(ctx, userID)
	}
	metrics.MonthlyResetsTotal.WithLabelValues("lazy").Inc()
	logging.L(ctx).Info("monthly message counter reset", "user_id", userID, "month_start", monthStart)
	return true, nil
}

// ResetAllDue rolls over every stale row in one statement and flushes the
// whole entitlement cache. Intended for the scheduled sweep.
func (c *Coordinator) ResetAllDue(ctx context.Context) (int64, error) {
	monthStart := user.StartOfMonth(c.now())

	count, err := c.users.ResetAllDue(ctx, monthStart)
	if err != nil {
		return 0, fmt.Errorf("reset sweep: %w", err)
	}
	if count > 0 {
		metrics.MonthlyResetsTotal.WithLabelValues("sweep").Add(float64(count))
		if c.cache != nil {
			c.cache.InvalidateAll(ctx)
		}
	}
	return count, nil
}

var _ entitlement.ResetCoordinator = (*Coordinator)(nil)
