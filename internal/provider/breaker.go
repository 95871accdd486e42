package provider

import (
	"context"
	"errors"

	"github.com/halcyonchat/halcyon/internal/circuitbreaker"
)

// ErrProviderUnavailable means the provider's circuit is open and the call
// was rejected without reaching the backend.
var ErrProviderUnavailable = errors.New("provider: temporarily unavailable")

// GuardedCompleter wraps a ChatCompleter with a per-provider circuit
// breaker. A flapping backend is cut off quickly instead of making every
// request wait out a timeout.
type GuardedCompleter struct {
	inner   ChatCompleter
	breaker *circuitbreaker.Breaker
}

// WithBreaker wraps inner with breaker.
func WithBreaker(inner ChatCompleter, breaker *circuitbreaker.Breaker) *GuardedCompleter {
	return &GuardedCompleter{inner: inner, breaker: breaker}
}

func (g *GuardedCompleter) Complete(ctx context.Context, req *Request) (*Response, error) {
	key := req.Provider
	if key == "" {
		key = "default"
	}

	if !g.breaker.Allow(key) {
		return nil, ErrProviderUnavailable
	}

	resp, err := g.inner.Complete(ctx, req)
	if err != nil {
		g.breaker.RecordFailure(key)
		return nil, err
	}
	g.breaker.RecordSuccess(key)
	return resp, nil
}

var _ ChatCompleter = (*GuardedCompleter)(nil)
