package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonchat/halcyon/internal/circuitbreaker"
)

type flakyCompleter struct {
	err   error
	calls int
}

func (f *flakyCompleter) Complete(_ context.Context, req *Request) (*Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Response{Provider: req.Provider, Usage: Usage{TotalTokens: 10}}, nil
}

func TestGuardedCompleterPassesThrough(t *testing.T) {
	inner := &flakyCompleter{}
	g := WithBreaker(inner, circuitbreaker.New(3, time.Minute))

	resp, err := g.Complete(context.Background(), &Request{
		Provider: "openai",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 1, inner.calls)
}

func TestGuardedCompleterTripsAfterFailures(t *testing.T) {
	inner := &flakyCompleter{err: errors.New("upstream down")}
	g := WithBreaker(inner, circuitbreaker.New(3, time.Minute))

	req := &Request{Provider: "openai", Messages: []Message{{Role: "user", Content: "hi"}}}
	for i := 0; i < 3; i++ {
		_, err := g.Complete(context.Background(), req)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrProviderUnavailable)
	}

	// Circuit is open: rejected without touching the backend.
	_, err := g.Complete(context.Background(), req)
	require.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, 3, inner.calls)
}

func TestGuardedCompleterIsolatesProviders(t *testing.T) {
	inner := &flakyCompleter{err: errors.New("upstream down")}
	g := WithBreaker(inner, circuitbreaker.New(2, time.Minute))

	bad := &Request{Provider: "openai", Messages: []Message{{Role: "user", Content: "hi"}}}
	for i := 0; i < 2; i++ {
		_, _ = g.Complete(context.Background(), bad)
	}
	_, err := g.Complete(context.Background(), bad)
	require.ErrorIs(t, err, ErrProviderUnavailable)

	inner.err = nil
	good := &Request{Provider: "anthropic", Messages: []Message{{Role: "user", Content: "hi"}}}
	_, err = g.Complete(context.Background(), good)
	assert.NoError(t, err)
}
