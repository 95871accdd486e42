package entitlement

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/halcyonchat/halcyon/internal/metrics"
	"github.com/halcyonchat/halcyon/internal/user"
)

// CacheKeyPrefix namespaces entitlement entries in shared backends.
const CacheKeyPrefix = "subscription:"

// Cache is a short-TTL read-through cache for resolved entitlements.
// Backends fail open: a broken cache behaves like a miss, never like a denial.
type Cache interface {
	Get(ctx context.Context, userID string) (*Entitlement, bool)
	Set(ctx context.Context, userID string, e *Entitlement)
	Invalidate(ctx context.Context, userID string)
	InvalidateAll(ctx context.Context)
}

// CachedResolver composes the cache in front of the resolver. Every hit is
// probed against the current month boundary before being trusted.
type CachedResolver struct {
	resolver *Resolver
	cache    Cache
	now      func() time.Time
}

// NewCachedResolver wraps resolver with cache.
func NewCachedResolver(resolver *Resolver, cache Cache) *CachedResolver {
	return &CachedResolver{resolver: resolver, cache: cache, now: time.Now}
}

// Resolve returns the cached entitlement when fresh, otherwise resolves and
// repopulates. A cached value whose MessagesResetAt predates the current
// month is discarded: the underlying counter is about to be reset, and
// serving it would hand out last month's remaining allowance.
func (cr *CachedResolver) Resolve(ctx context.Context, userID string) (*Entitlement, error) {
	if e, ok := cr.cache.Get(ctx, userID); ok {
		if !e.MessagesResetAt.Before(user.StartOfMonth(cr.now())) {
			metrics.EntitlementCacheHits.Inc()
			return e, nil
		}
		cr.cache.Invalidate(ctx, userID)
	}
	metrics.EntitlementCacheMisses.Inc()

	timer := prometheus.NewTimer(metrics.EntitlementResolveDuration)
	e, err := cr.resolver.Resolve(ctx, userID)
	timer.ObserveDuration()
	if err != nil {
		return nil, err
	}
	cr.cache.Set(ctx, userID, e)
	return e, nil
}

// Invalidate drops the cached entry for one user.
func (cr *CachedResolver) Invalidate(ctx context.Context, userID string) {
	cr.cache.Invalidate(ctx, userID)
}
