//go:build integration

package user

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM users")
		db.ExecContext(ctx, "DELETE FROM teams")
		db.Close()
	}

	return store, cleanup
}

func seedUser(t *testing.T, store *PostgresStore, id string, mutate func(*User)) {
	t.Helper()
	now := time.Now()
	u := &User{
		ID:              id,
		Email:           id + "@example.com",
		Tier:            TierFreemium,
		Status:          StatusFreemium,
		MessagesResetAt: StartOfMonth(now),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if mutate != nil {
		mutate(u)
	}
	if err := store.Create(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestPostgresUser_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	seedUser(t, store, "usr_pg1", func(u *User) {
		u.Tier = TierPro
		u.Status = StatusActive
		u.CreditsBalance = 120
		u.AccessOverride = true
		u.OverrideExpiresAt = &expiry
	})

	got, err := store.Get(ctx, "usr_pg1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Tier != TierPro {
		t.Errorf("Tier: got %s, want %s", got.Tier, TierPro)
	}
	if got.CreditsBalance != 120 {
		t.Errorf("CreditsBalance: got %d, want 120", got.CreditsBalance)
	}
	if got.OverrideExpiresAt == nil || !got.OverrideExpiresAt.Equal(expiry) {
		t.Errorf("OverrideExpiresAt: got %v, want %v", got.OverrideExpiresAt, expiry)
	}
}

func TestPostgresUser_LegacyTierNormalizedOnRead(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedUser(t, store, "usr_legacy", nil)

	// Write a legacy alias directly, bypassing the store.
	if _, err := store.db.ExecContext(ctx, `UPDATE users SET tier = 'premium' WHERE id = 'usr_legacy'`); err != nil {
		t.Fatalf("raw update: %v", err)
	}

	got, err := store.Get(ctx, "usr_legacy")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Tier != TierPro {
		t.Errorf("legacy tier: got %s, want %s", got.Tier, TierPro)
	}
}

func TestPostgresUser_ConsumeFreeMessage_Concurrent(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedUser(t, store, "usr_race", func(u *User) { u.MessagesUsed = 7 })

	var succeeded atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ConsumeFreeMessage(ctx, "usr_race", 10)
			if err != nil {
				t.Errorf("ConsumeFreeMessage: %v", err)
				return
			}
			if ok {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := succeeded.Load(); got != 3 {
		t.Errorf("admitted %d requests for 3 remaining slots", got)
	}

	u, err := store.Get(ctx, "usr_race")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if u.MessagesUsed != 10 {
		t.Errorf("MessagesUsed: got %d, want 10", u.MessagesUsed)
	}
}

func TestPostgresUser_DeductCredits_NeverNegative(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedUser(t, store, "usr_credits", func(u *User) { u.CreditsBalance = 4 })

	ok, err := store.DeductCredits(ctx, "usr_credits", 5)
	if err != nil {
		t.Fatalf("DeductCredits: %v", err)
	}
	if ok {
		t.Error("deduction succeeded despite insufficient balance")
	}

	ok, err = store.DeductCredits(ctx, "usr_credits", 4)
	if err != nil {
		t.Fatalf("DeductCredits: %v", err)
	}
	if !ok {
		t.Error("deduction refused despite sufficient balance")
	}

	u, _ := store.Get(ctx, "usr_credits")
	if u.CreditsBalance != 0 {
		t.Errorf("CreditsBalance: got %d, want 0", u.CreditsBalance)
	}
}

func TestPostgresUser_ResetIfDue(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedUser(t, store, "usr_reset", func(u *User) {
		u.MessagesUsed = 12
		u.MessagesResetAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	})

	monthStart := StartOfMonth(time.Now())

	reset, err := store.ResetIfDue(ctx, "usr_reset", monthStart)
	if err != nil {
		t.Fatalf("ResetIfDue: %v", err)
	}
	if !reset {
		t.Error("expected reset for stale row")
	}

	reset, err = store.ResetIfDue(ctx, "usr_reset", monthStart)
	if err != nil {
		t.Fatalf("ResetIfDue: %v", err)
	}
	if reset {
		t.Error("second reset in the same month must be a no-op")
	}
}

func TestPostgresUser_TeamPool(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now()
	team := &Team{ID: "team_pg1", Name: "Acme", PooledCredits: 10, MaxMembers: 5, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateTeam(ctx, team); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}

	ok, err := store.DeductTeamCredits(ctx, "team_pg1", 10)
	if err != nil || !ok {
		t.Fatalf("DeductTeamCredits: ok=%v err=%v", ok, err)
	}
	ok, _ = store.DeductTeamCredits(ctx, "team_pg1", 1)
	if ok {
		t.Error("pool deduction succeeded on empty pool")
	}

	if err := store.AddTeamCredits(ctx, "team_pg1", 25); err != nil {
		t.Fatalf("AddTeamCredits: %v", err)
	}
	got, _ := store.GetTeam(ctx, "team_pg1")
	if got.PooledCredits != 25 {
		t.Errorf("PooledCredits: got %d, want 25", got.PooledCredits)
	}
}
