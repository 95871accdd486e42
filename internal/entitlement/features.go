package entitlement

import (
	"context"

	"github.com/halcyonchat/halcyon/internal/user"
)

// Features defines what a tier includes. Rows live in subscription_features;
// Defaults is the hardcoded catalogue used to seed and self-heal them.
type Features struct {
	Tier                    user.Tier `json:"tier"`
	UnlimitedChat           bool      `json:"unlimitedChat"`
	MonthlyMessageAllowance int       `json:"monthlyMessageAllowance"`
	MonthlyAICredits        int64     `json:"monthlyAiCredits"`
	Providers               []string  `json:"aiProvidersAccess"`
	MaxAttachmentMB         int       `json:"maxAttachmentMb"`
	PrioritySupport         bool      `json:"prioritySupport"`
	RateLimitPerWindow      int       `json:"rateLimitPerWindow"` // 0 = unlimited
}

// Defaults is the hardcoded feature catalogue.
var Defaults = map[user.Tier]Features{
	user.TierFreemium: {
		Tier:                    user.TierFreemium,
		MonthlyMessageAllowance: 25,
		MonthlyAICredits:        0,
		Providers:               []string{"halcyon-local"},
		MaxAttachmentMB:         5,
		RateLimitPerWindow:      10,
	},
	user.TierPro: {
		Tier:                    user.TierPro,
		UnlimitedChat:           true,
		MonthlyMessageAllowance: 1000,
		MonthlyAICredits:        500,
		Providers:               []string{"halcyon-local", "openai", "anthropic"},
		MaxAttachmentMB:         25,
		RateLimitPerWindow:      60,
	},
	user.TierTeam: {
		Tier:                    user.TierTeam,
		UnlimitedChat:           true,
		MonthlyMessageAllowance: 5000,
		MonthlyAICredits:        2000,
		Providers:               []string{"halcyon-local", "openai", "anthropic", "google"},
		MaxAttachmentMB:         50,
		PrioritySupport:         true,
		RateLimitPerWindow:      120,
	},
	user.TierEnterprise: {
		Tier:                    user.TierEnterprise,
		UnlimitedChat:           true,
		MonthlyMessageAllowance: 100000,
		MonthlyAICredits:        10000,
		Providers:               []string{"halcyon-local", "openai", "anthropic", "google", "mistral"},
		MaxAttachmentMB:         100,
		PrioritySupport:         true,
		RateLimitPerWindow:      0,
	},
}

// DefaultFeaturesForTier returns the catalogue entry, falling back to freemium.
func DefaultFeaturesForTier(t user.Tier) Features {
	f, ok := Defaults[t]
	if !ok {
		f = Defaults[user.TierFreemium]
	}
	return f
}

// HasProvider reports whether the tier may route to the given provider.
func (f Features) HasProvider(provider string) bool {
	for _, p := range f.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

// FeatureStore persists per-tier feature rows.
type FeatureStore interface {
	// GetFeatures returns the row for a tier, or ErrConfigMissing.
	GetFeatures(ctx context.Context, tier user.Tier) (*Features, error)
	// PutFeatures inserts or replaces the row for f.Tier.
	PutFeatures(ctx context.Context, f *Features) error
}
