// Package auth provides session-token authentication for Halcyon.
//
// Every gated endpoint requires a bearer session token resolving to a user
// id. Tokens are issued at login by the account service, stored hashed, and
// validated here on each request.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoToken         = errors.New("auth: session token required")
	ErrInvalidToken    = errors.New("auth: invalid or expired session token")
	ErrSessionNotFound = errors.New("auth: session not found")
)

// tokenPrefix marks Halcyon session tokens.
const tokenPrefix = "hc_sess_"

// Session represents one authenticated login.
type Session struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 hash of token (stored)
	UserID    string     `json:"userId"`
	CreatedAt time.Time  `json:"createdAt"`
	LastSeen  time.Time  `json:"lastSeen,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists sessions
type Store interface {
	Create(ctx context.Context, s *Session) error
	GetByHash(ctx context.Context, hash string) (*Session, error)
	GetByUser(ctx context.Context, userID string) ([]*Session, error)
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}

// Manager handles authentication
type Manager struct {
	store Store
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// IssueSession creates a new session for a user.
// Returns the raw token (shown once) and the stored metadata.
func (m *Manager) IssueSession(ctx context.Context, userID string, ttl time.Duration) (rawToken string, s *Session, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawToken = tokenPrefix + hex.EncodeToString(b)

	s = &Session{
		ID:        "sess_" + hex.EncodeToString(b[:8]),
		Hash:      hashToken(rawToken),
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	if ttl > 0 {
		exp := s.CreatedAt.Add(ttl)
		s.ExpiresAt = &exp
	}

	if err := m.store.Create(ctx, s); err != nil {
		return "", nil, err
	}

	return rawToken, s, nil
}

// ValidateToken validates a session token and returns the session metadata
func (m *Manager) ValidateToken(ctx context.Context, rawToken string) (*Session, error) {
	if rawToken == "" {
		return nil, ErrNoToken
	}

	rawToken = strings.TrimPrefix(rawToken, "Bearer ")
	rawToken = strings.TrimSpace(rawToken)

	if !strings.HasPrefix(rawToken, tokenPrefix) {
		return nil, ErrInvalidToken
	}

	hash := hashToken(rawToken)
	s, err := m.store.GetByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidToken
	}

	if s.Revoked {
		return nil, ErrInvalidToken
	}

	if s.ExpiresAt != nil && time.Now().After(*s.ExpiresAt) {
		return nil, ErrInvalidToken
	}

	// Update last seen (fire and forget)
	go func() {
		s.LastSeen = time.Now()
		m.store.Update(context.Background(), s)
	}()

	return s, nil
}

// ListSessions returns all sessions for a user
func (m *Manager) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	return m.store.GetByUser(ctx, userID)
}

// RevokeSession revokes one of the user's sessions
func (m *Manager) RevokeSession(ctx context.Context, sessionID, userID string) error {
	sessions, err := m.store.GetByUser(ctx, userID)
	if err != nil {
		return err
	}

	for _, s := range sessions {
		if s.ID == sessionID {
			s.Revoked = true
			return m.store.Update(ctx, s)
		}
	}

	return ErrSessionNotFound
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

func (s *MemoryStore) Create(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.Hash == hash {
			return sess, nil
		}
	}
	return nil, ErrSessionNotFound
}

func (s *MemoryStore) GetByUser(ctx context.Context, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			result = append(result, sess)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}
