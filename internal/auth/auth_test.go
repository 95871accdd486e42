package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestIssueSession(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawToken, s, err := mgr.IssueSession(ctx, "usr_1", 0)
	if err != nil {
		t.Fatalf("IssueSession failed: %v", err)
	}

	// Check raw token format
	if !strings.HasPrefix(rawToken, "hc_sess_") {
		t.Errorf("Expected raw token to start with hc_sess_, got %s", rawToken[:12])
	}
	if len(rawToken) != len("hc_sess_")+64 {
		t.Errorf("Expected raw token length %d, got %d", len("hc_sess_")+64, len(rawToken))
	}

	// Check session metadata
	if !strings.HasPrefix(s.ID, "sess_") {
		t.Errorf("Expected session ID to start with sess_, got %s", s.ID)
	}
	if s.UserID != "usr_1" {
		t.Errorf("Expected user id usr_1, got %s", s.UserID)
	}
	if s.ExpiresAt != nil {
		t.Error("Expected no expiry when ttl is zero")
	}
}

func TestIssueSession_WithTTL(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	_, s, err := mgr.IssueSession(context.Background(), "usr_1", 24*time.Hour)
	if err != nil {
		t.Fatalf("IssueSession failed: %v", err)
	}
	if s.ExpiresAt == nil {
		t.Fatal("Expected expiry to be set")
	}
	if !s.ExpiresAt.After(time.Now()) {
		t.Error("Expected expiry in the future")
	}
}

func TestValidateToken(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawToken, _, err := mgr.IssueSession(ctx, "usr_1", 0)
	if err != nil {
		t.Fatalf("IssueSession failed: %v", err)
	}

	// Validate with correct token
	s, err := mgr.ValidateToken(ctx, rawToken)
	if err != nil {
		t.Errorf("ValidateToken failed for valid token: %v", err)
	}
	if s.UserID != "usr_1" {
		t.Errorf("Expected user id usr_1, got %s", s.UserID)
	}

	// Validate with Bearer prefix
	_, err = mgr.ValidateToken(ctx, "Bearer "+rawToken)
	if err != nil {
		t.Errorf("ValidateToken failed with Bearer prefix: %v", err)
	}

	// Validate with wrong token
	_, err = mgr.ValidateToken(ctx, "hc_sess_wrong0000000000000000000000000000000000000000000000000000")
	if err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken for wrong token, got: %v", err)
	}

	// Validate with empty token
	_, err = mgr.ValidateToken(ctx, "")
	if err != ErrNoToken {
		t.Errorf("Expected ErrNoToken for empty token, got: %v", err)
	}

	// Validate with malformed token
	_, err = mgr.ValidateToken(ctx, "not_a_valid_token")
	if err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken for malformed token, got: %v", err)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawToken, s, _ := mgr.IssueSession(ctx, "usr_1", time.Hour)

	// Force the expiry into the past.
	past := time.Now().Add(-time.Minute)
	s.ExpiresAt = &past
	store.Update(ctx, s)

	if _, err := mgr.ValidateToken(ctx, rawToken); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken for expired session, got: %v", err)
	}
}

func TestListSessions(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	mgr.IssueSession(ctx, "usr_1", 0)
	mgr.IssueSession(ctx, "usr_1", 0)
	mgr.IssueSession(ctx, "usr_2", 0)

	sessions, err := mgr.ListSessions(ctx, "usr_1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("Expected 2 sessions for usr_1, got %d", len(sessions))
	}

	sessions, err = mgr.ListSessions(ctx, "usr_2")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("Expected 1 session for usr_2, got %d", len(sessions))
	}
}

func TestRevokeSession(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawToken, s, _ := mgr.IssueSession(ctx, "usr_1", 0)

	// Validate before revoke
	if _, err := mgr.ValidateToken(ctx, rawToken); err != nil {
		t.Errorf("Session should be valid before revoke")
	}

	// Revoke
	if err := mgr.RevokeSession(ctx, s.ID, "usr_1"); err != nil {
		t.Fatalf("RevokeSession failed: %v", err)
	}

	// Validate after revoke - should fail
	if _, err := mgr.ValidateToken(ctx, rawToken); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken after revoke, got: %v", err)
	}
}

func TestTokenHashNotExposed(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawToken, _, _ := mgr.IssueSession(ctx, "usr_1", 0)

	s, _ := mgr.ValidateToken(ctx, rawToken)

	if s.Hash == rawToken {
		t.Error("Hash should not equal raw token")
	}
	if s.Hash == "" {
		t.Error("Hash should be set")
	}
}
