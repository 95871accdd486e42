package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/halcyonchat/halcyon/internal/logging"
	"github.com/halcyonchat/halcyon/internal/metrics"
	"github.com/halcyonchat/halcyon/internal/user"
)

// BypassKind classifies why gating was skipped.
type BypassKind string

const (
	BypassOverride BypassKind = "override"
	BypassBYOK     BypassKind = "byok"
)

// Bypass marks a request exempt from the gate and the credit guard.
type Bypass struct {
	Kind BypassKind
	// Provider is set for BYOK bypasses.
	Provider string
}

// BypassRequest is the request material the resolver classifies on.
type BypassRequest struct {
	// Provider names the AI provider the caller wants.
	Provider string
	// APIKey is a caller-supplied provider credential.
	APIKey string
}

// BypassResolver decides whether a request skips gating entirely. It must run
// before the gate; its one mutating side effect is clearing an override the
// first time it is observed expired.
type BypassResolver struct {
	users         user.Store
	localProvider string
	now           func() time.Time
}

// NewBypassResolver creates a resolver. localProvider is the platform's own
// provider id; a caller-supplied key for it earns no exemption.
func NewBypassResolver(users user.Store, localProvider string) *BypassResolver {
	return &BypassResolver{
		users:         users,
		localProvider: localProvider,
		now:           time.Now,
	}
}

// Resolve classifies the request. A nil Bypass with nil error means normal
// gating applies.
func (r *BypassResolver) Resolve(ctx context.Context, userID string, req BypassRequest) (*Bypass, error) {
	u, err := r.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve bypass for %s: %w", userID, err)
	}

	if u.AccessOverride {
		if u.OverrideExpiresAt == nil || u.OverrideExpiresAt.After(r.now()) {
			metrics.OverrideBypassesTotal.WithLabelValues(string(BypassOverride)).Inc()
			return &Bypass{Kind: BypassOverride}, nil
		}
		// Expired. Clear it so the row stops looking privileged, then fall
		// through to normal classification.
		if err := r.users.ClearOverride(ctx, userID); err != nil {
			return nil, fmt.Errorf("clear expired override for %s: %w", userID, err)
		}
		logging.L(ctx).Info("expired access override cleared",
			"user_id", userID, "expired_at", u.OverrideExpiresAt)
	}

	if req.APIKey != "" && req.Provider != "" && !strings.EqualFold(req.Provider, r.localProvider) {
		// Caller pays the provider directly, so the platform has no cost to
		// account for.
		metrics.OverrideBypassesTotal.WithLabelValues(string(BypassBYOK)).Inc()
		return &Bypass{Kind: BypassBYOK, Provider: req.Provider}, nil
	}

	return nil, nil
}
