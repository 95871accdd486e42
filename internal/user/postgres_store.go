package user

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists users and teams in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, email, tier, status, credits_balance, messages_used,
	messages_reset_at, team_id, access_override, override_expires_at,
	grandfathered, grandfathered_from, stripe_customer_id, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, NULLIF($12, ''), NULLIF($13, ''), $14, $15)`,
		u.ID, u.Email, string(u.Tier), string(u.Status), u.CreditsBalance,
		u.MessagesUsed, u.MessagesResetAt, u.TeamID, u.AccessOverride,
		u.OverrideExpiresAt, u.Grandfathered, u.GrandfatheredFrom,
		u.StripeCustomerID, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *PostgresStore) GetByStripeCustomer(ctx context.Context, customerID string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE stripe_customer_id = $1`, customerID))
}

func (p *PostgresStore) Update(ctx context.Context, u *User) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET email = $1, tier = $2, status = $3, credits_balance = $4,
			messages_used = $5, messages_reset_at = $6, team_id = NULLIF($7, ''),
			access_override = $8, override_expires_at = $9, grandfathered = $10,
			grandfathered_from = NULLIF($11, ''), stripe_customer_id = NULLIF($12, ''),
			updated_at = NOW()
		WHERE id = $13`,
		u.Email, string(u.Tier), string(u.Status), u.CreditsBalance,
		u.MessagesUsed, u.MessagesResetAt, u.TeamID, u.AccessOverride,
		u.OverrideExpiresAt, u.Grandfathered, u.GrandfatheredFrom,
		u.StripeCustomerID, u.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, ErrNotFound)
}

func (p *PostgresStore) CreateTeam(ctx context.Context, t *Team) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO teams (id, name, pooled_credits, current_members, max_members, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Name, t.PooledCredits, t.CurrentMembers, t.MaxMembers, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) GetTeam(ctx context.Context, id string) (*Team, error) {
	t := &Team{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, pooled_credits, current_members, max_members, created_at, updated_at
		FROM teams WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.PooledCredits, &t.CurrentMembers, &t.MaxMembers, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTeamNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ConsumeFreeMessage is the only write path for messages_used outside the
// monthly reset. The WHERE predicate makes the read-check-increment a single
// atomic statement, so N concurrent callers with one remaining slot converge
// to exactly one success.
func (p *PostgresStore) ConsumeFreeMessage(ctx context.Context, id string, allowance int) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET messages_used = messages_used + 1, updated_at = NOW()
		WHERE id = $1 AND messages_used < $2`,
		id, allowance,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) DeductCredits(ctx context.Context, id string, amount int64) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET credits_balance = credits_balance - $2, updated_at = NOW()
		WHERE id = $1 AND credits_balance >= $2`,
		id, amount,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) DeductTeamCredits(ctx context.Context, teamID string, amount int64) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE teams SET pooled_credits = pooled_credits - $2, updated_at = NOW()
		WHERE id = $1 AND pooled_credits >= $2`,
		teamID, amount,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) AddCredits(ctx context.Context, id string, amount int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET credits_balance = credits_balance + $2, updated_at = NOW()
		WHERE id = $1`,
		id, amount,
	)
	if err != nil {
		return err
	}
	return requireRow(result, ErrNotFound)
}

func (p *PostgresStore) AddTeamCredits(ctx context.Context, teamID string, amount int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE teams SET pooled_credits = pooled_credits + $2, updated_at = NOW()
		WHERE id = $1`,
		teamID, amount,
	)
	if err != nil {
		return err
	}
	return requireRow(result, ErrTeamNotFound)
}

// ResetIfDue zeroes the counter only when the row is still on a previous
// month. Two concurrent callers race harmlessly: the predicate makes the
// second a no-op.
func (p *PostgresStore) ResetIfDue(ctx context.Context, id string, monthStart time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET messages_used = 0, messages_reset_at = $2, updated_at = NOW()
		WHERE id = $1 AND messages_reset_at < $2`,
		id, monthStart,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) ResetAllDue(ctx context.Context, monthStart time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET messages_used = 0, messages_reset_at = $1, updated_at = NOW()
		WHERE messages_reset_at < $1`,
		monthStart,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (p *PostgresStore) SetSubscription(ctx context.Context, id string, tier Tier, status Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET tier = $2, status = $3, updated_at = NOW()
		WHERE id = $1`,
		id, string(tier), string(status),
	)
	if err != nil {
		return err
	}
	return requireRow(result, ErrNotFound)
}

func (p *PostgresStore) SetOverride(ctx context.Context, id string, expiresAt *time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET access_override = TRUE, override_expires_at = $2, updated_at = NOW()
		WHERE id = $1`,
		id, expiresAt,
	)
	if err != nil {
		return err
	}
	return requireRow(result, ErrNotFound)
}

func (p *PostgresStore) ClearOverride(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET access_override = FALSE, override_expires_at = NULL, updated_at = NOW()
		WHERE id = $1`,
		id,
	)
	if err != nil {
		return err
	}
	return requireRow(result, ErrNotFound)
}

func (p *PostgresStore) scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	var (
		tier, status      string
		teamID            sql.NullString
		grandfatheredFrom sql.NullString
		stripeID          sql.NullString
		overrideExpires   sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &tier, &status, &u.CreditsBalance,
		&u.MessagesUsed, &u.MessagesResetAt, &teamID, &u.AccessOverride,
		&overrideExpires, &u.Grandfathered, &grandfatheredFrom, &stripeID,
		&u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Tier = NormalizeTier(tier)
	u.Status = Status(status)
	if teamID.Valid {
		u.TeamID = teamID.String
	}
	if grandfatheredFrom.Valid {
		u.GrandfatheredFrom = grandfatheredFrom.String
	}
	if stripeID.Valid {
		u.StripeCustomerID = stripeID.String
	}
	if overrideExpires.Valid {
		t := overrideExpires.Time
		u.OverrideExpiresAt = &t
	}
	return u, nil
}

func requireRow(result sql.Result, missing error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return missing
	}
	return nil
}

// Migrate creates the user and team tables (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS teams (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			pooled_credits  BIGINT NOT NULL DEFAULT 0,
			current_members INT NOT NULL DEFAULT 0,
			max_members     INT NOT NULL DEFAULT 5,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_pooled_credits_nonneg CHECK (pooled_credits >= 0)
		);

		CREATE TABLE IF NOT EXISTS users (
			id                  TEXT PRIMARY KEY,
			email               TEXT NOT NULL UNIQUE,
			tier                TEXT NOT NULL DEFAULT 'freemium',
			status              TEXT NOT NULL DEFAULT 'freemium',
			credits_balance     BIGINT NOT NULL DEFAULT 0,
			messages_used       INT NOT NULL DEFAULT 0,
			messages_reset_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			team_id             TEXT REFERENCES teams(id),
			access_override     BOOLEAN NOT NULL DEFAULT FALSE,
			override_expires_at TIMESTAMPTZ,
			grandfathered       BOOLEAN NOT NULL DEFAULT FALSE,
			grandfathered_from  TEXT,
			stripe_customer_id  TEXT,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_credits_balance_nonneg CHECK (credits_balance >= 0),
			CONSTRAINT chk_messages_used_nonneg CHECK (messages_used >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_users_team ON users(team_id);
		CREATE INDEX IF NOT EXISTS idx_users_reset_at ON users(messages_reset_at);
		CREATE INDEX IF NOT EXISTS idx_users_stripe ON users(stripe_customer_id);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
