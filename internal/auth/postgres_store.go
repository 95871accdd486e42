package auth

import (
	"context"
	"database/sql"
)

// PostgresStore persists sessions in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create stores a new session
func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, hash, user_id, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, s.Hash, s.UserID, s.CreatedAt, s.ExpiresAt, s.Revoked)
	return err
}

// GetByHash retrieves a session by its token hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*Session, error) {
	s := &Session{}
	var expiresAt sql.NullTime
	var lastSeen sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, hash, user_id, created_at, last_seen, expires_at, revoked
		FROM sessions WHERE hash = $1
		  AND revoked = FALSE
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, hash).Scan(
		&s.ID, &s.Hash, &s.UserID,
		&s.CreatedAt, &lastSeen, &expiresAt, &s.Revoked,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		s.ExpiresAt = &expiresAt.Time
	}
	if lastSeen.Valid {
		s.LastSeen = lastSeen.Time
	}
	return s, nil
}

// GetByUser retrieves all sessions for a user
func (p *PostgresStore) GetByUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, hash, user_id, created_at, last_seen, expires_at, revoked
		FROM sessions WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		s := &Session{}
		var expiresAt sql.NullTime
		var lastSeen sql.NullTime

		if err := rows.Scan(
			&s.ID, &s.Hash, &s.UserID,
			&s.CreatedAt, &lastSeen, &expiresAt, &s.Revoked,
		); err != nil {
			return nil, err
		}

		if expiresAt.Valid {
			s.ExpiresAt = &expiresAt.Time
		}
		if lastSeen.Valid {
			s.LastSeen = lastSeen.Time
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Update updates a session
func (p *PostgresStore) Update(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET last_seen = $1, revoked = $2 WHERE id = $3
	`, s.LastSeen, s.Revoked, s.ID)
	return err
}

// Delete removes a session
func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

// Migrate creates the sessions table if it doesn't exist
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id         VARCHAR(36) PRIMARY KEY,
			hash       VARCHAR(64) NOT NULL UNIQUE,
			user_id    TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			last_seen  TIMESTAMPTZ,
			expires_at TIMESTAMPTZ,
			revoked    BOOLEAN DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_hash ON sessions(hash);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	`)
	return err
}
