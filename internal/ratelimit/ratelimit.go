// Package ratelimit provides a storage-backed fixed-window rate limiter.
//
// Windows live in the database behind an atomic upsert, so the limit holds
// across every service replica. Rate limiting is a soft protection, not an
// entitlement boundary: any storage error fails open (allow and log).
package ratelimit

import (
	"context"
	"time"

	"github.com/halcyonchat/halcyon/internal/logging"
	"github.com/halcyonchat/halcyon/internal/metrics"
	"github.com/halcyonchat/halcyon/internal/user"
)

// Config configures the limiter.
type Config struct {
	// Window is the fixed window length.
	Window time.Duration
	// Limits maps tiers to max requests per window. 0 = unlimited.
	Limits map[user.Tier]int
	// PurgeInterval is how often expired window rows are removed.
	PurgeInterval time.Duration
}

// DefaultConfig returns the per-tier defaults.
func DefaultConfig() Config {
	return Config{
		Window: time.Minute,
		Limits: map[user.Tier]int{
			user.TierFreemium:   10,
			user.TierPro:        60,
			user.TierTeam:       120,
			user.TierEnterprise: 0,
		},
		PurgeInterval: 5 * time.Minute,
	}
}

// Decision is the outcome of a rate limit check, with everything the HTTP
// layer needs for the X-RateLimit-* headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	// FailedOpen marks an allow that happened because storage errored.
	FailedOpen bool
}

// Limiter checks request counts against per-tier fixed windows.
type Limiter struct {
	store Store
	cfg   Config
	now   func() time.Time
	stop  chan struct{}
}

// New creates a limiter on top of store.
func New(store Store, cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = 5 * time.Minute
	}
	return &Limiter{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
}

// Check counts one request against the (key, route) window for the tier.
func (l *Limiter) Check(ctx context.Context, key, route string, tier user.Tier) *Decision {
	limit, ok := l.cfg.Limits[tier]
	if !ok {
		limit = l.cfg.Limits[user.TierFreemium]
	}
	if limit <= 0 {
		// Unlimited tier: no storage round-trip.
		return &Decision{Allowed: true, Limit: 0, Remaining: -1}
	}

	now := l.now().UTC()
	windowStart := now.Truncate(l.cfg.Window)
	windowEnd := windowStart.Add(l.cfg.Window)

	count, err := l.store.Increment(ctx, key, route, windowStart, windowEnd, l.cfg.Window)
	if err != nil {
		// Soft control: never turn a storage outage into a denial.
		logging.L(ctx).Warn("rate limit storage failed, allowing request",
			"key", key, "route", route, "error", err)
		metrics.RateLimitFailOpen.Inc()
		return &Decision{Allowed: true, Limit: limit, Remaining: -1, ResetAt: windowEnd, FailedOpen: true}
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	d := &Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   windowEnd,
	}
	if !d.Allowed {
		d.RetryAfter = windowEnd.Sub(now)
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
		metrics.RateLimitExceeded.WithLabelValues(route).Inc()
	}
	return d
}

// StartPurger removes expired window rows periodically. Call in a goroutine.
func (l *Limiter) StartPurger(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			// Keep one full window of history for debugging.
			cutoff := l.now().UTC().Add(-2 * l.cfg.Window)
			if _, err := l.store.PurgeExpired(ctx, cutoff); err != nil {
				logging.L(ctx).Warn("rate limit window purge failed", "error", err)
			}
		}
	}
}

// Stop stops the purge goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}
