package entitlement

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/halcyonchat/halcyon/internal/user"
)

// PostgresFeatureStore persists the per-tier feature catalogue in PostgreSQL.
type PostgresFeatureStore struct {
	db *sql.DB
}

// NewPostgresFeatureStore creates a new PostgreSQL-backed feature store.
func NewPostgresFeatureStore(db *sql.DB) *PostgresFeatureStore {
	return &PostgresFeatureStore{db: db}
}

func (p *PostgresFeatureStore) GetFeatures(ctx context.Context, tier user.Tier) (*Features, error) {
	f := &Features{}
	var t string
	err := p.db.QueryRowContext(ctx, `
		SELECT tier, unlimited_chat, monthly_message_allowance, monthly_ai_credits,
			providers, max_attachment_mb, priority_support, rate_limit_per_window
		FROM subscription_features WHERE tier = $1`, string(tier)).
		Scan(&t, &f.UnlimitedChat, &f.MonthlyMessageAllowance, &f.MonthlyAICredits,
			pq.Array(&f.Providers), &f.MaxAttachmentMB, &f.PrioritySupport, &f.RateLimitPerWindow)
	if err == sql.ErrNoRows {
		return nil, ErrConfigMissing
	}
	if err != nil {
		return nil, err
	}
	f.Tier = user.Tier(t)
	return f, nil
}

func (p *PostgresFeatureStore) PutFeatures(ctx context.Context, f *Features) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscription_features
			(tier, unlimited_chat, monthly_message_allowance, monthly_ai_credits,
			 providers, max_attachment_mb, priority_support, rate_limit_per_window, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (tier) DO UPDATE SET
			unlimited_chat            = EXCLUDED.unlimited_chat,
			monthly_message_allowance = EXCLUDED.monthly_message_allowance,
			monthly_ai_credits        = EXCLUDED.monthly_ai_credits,
			providers                 = EXCLUDED.providers,
			max_attachment_mb         = EXCLUDED.max_attachment_mb,
			priority_support          = EXCLUDED.priority_support,
			rate_limit_per_window     = EXCLUDED.rate_limit_per_window,
			updated_at                = NOW()`,
		string(f.Tier), f.UnlimitedChat, f.MonthlyMessageAllowance, f.MonthlyAICredits,
		pq.Array(f.Providers), f.MaxAttachmentMB, f.PrioritySupport, f.RateLimitPerWindow,
	)
	return err
}

// Migrate creates the feature table and seeds the default catalogue
// (used in dev/test; prod uses migration files).
func (p *PostgresFeatureStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscription_features (
			tier                      TEXT PRIMARY KEY,
			unlimited_chat            BOOLEAN NOT NULL DEFAULT FALSE,
			monthly_message_allowance INT NOT NULL DEFAULT 0,
			monthly_ai_credits        BIGINT NOT NULL DEFAULT 0,
			providers                 TEXT[] NOT NULL DEFAULT '{}',
			max_attachment_mb         INT NOT NULL DEFAULT 0,
			priority_support          BOOLEAN NOT NULL DEFAULT FALSE,
			rate_limit_per_window     INT NOT NULL DEFAULT 0,
			updated_at                TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	for _, f := range Defaults {
		cp := f
		if err := p.PutFeatures(ctx, &cp); err != nil {
			return err
		}
	}
	return nil
}

var _ FeatureStore = (*PostgresFeatureStore)(nil)
