//go:build integration

package ratelimit

import (
	"context"
	"database/sql"
	"os"
	"sync"
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
		db.ExecContext(ctx, "DELETE FROM rate_limit_windows")
		db.Close()
	}

	return store, cleanup
}

func TestPostgresIncrement_Sequential(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Minute)
	end := start.Add(time.Minute)

	for want := 1; want <= 3; want++ {
		count, err := store.Increment(ctx, "usr_1", "/v1/chat/completions", start, end, time.Minute)
		if err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
		if count != want {
			t.Errorf("Expected count %d, got %d", want, count)
		}
	}
}

func TestPostgresIncrement_Concurrent(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Minute)
	end := start.Add(time.Minute)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Increment(ctx, "usr_1", "/v1/chat/completions", start, end, time.Minute); err != nil {
				t.Errorf("Increment failed: %v", err)
			}
		}()
	}
	wg.Wait()

	count, err := store.Increment(ctx, "usr_1", "/v1/chat/completions", start, end, time.Minute)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if count != n+1 {
		t.Errorf("Expected count %d after %d concurrent increments, got %d", n+1, n, count)
	}
}

func TestPostgresPurgeExpired(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour).Truncate(time.Minute)
	fresh := time.Now().UTC().Truncate(time.Minute)

	if _, err := store.Increment(ctx, "usr_1", "/a", old, old.Add(time.Minute), time.Minute); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if _, err := store.Increment(ctx, "usr_1", "/a", fresh, fresh.Add(time.Minute), time.Minute); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	purged, err := store.PurgeExpired(ctx, time.Now().UTC().Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("Expected 1 purged row, got %d", purged)
	}
}
