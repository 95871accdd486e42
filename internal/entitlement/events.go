package entitlement

import (
	"context"
	"sync"
)

// Events funnels every entitlement-affecting mutation through one place.
// Credit deductions, team balance changes, billing webhooks, and the monthly
// sweep all publish here instead of each call site invalidating the cache on
// its own.
type Events struct {
	mu   sync.RWMutex
	subs []func(ctx context.Context, userID string)
}

// NewEvents creates an event emitter with no subscribers.
func NewEvents() *Events {
	return &Events{}
}

// Subscribe registers fn to run on every EntitlementChanged publication.
// Subscribers run synchronously in registration order.
func (e *Events) Subscribe(fn func(ctx context.Context, userID string)) {
	e.mu.Lock()
	e.subs = append(e.subs, fn)
	e.mu.Unlock()
}

// EntitlementChanged announces that userID's entitlement inputs changed.
func (e *Events) EntitlementChanged(ctx context.Context, userID string) {
	e.mu.RLock()
	subs := make([]func(context.Context, string), len(e.subs))
	copy(subs, e.subs)
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(ctx, userID)
	}
}
