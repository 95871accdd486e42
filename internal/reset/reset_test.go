package reset

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonchat/halcyon/internal/entitlement"
	"github.com/halcyonchat/halcyon/internal/user"
)

func seedStaleUser(t *testing.T, store user.Store, id string, used int) {
	t.Helper()
	now := time.Now()
	err := store.Create(context.Background(), &user.User{
		ID:              id,
		Email:           id + "@example.com",
		Tier:            user.TierFreemium,
		Status:          user.StatusFreemium,
		MessagesUsed:    used,
		MessagesResetAt: user.StartOfMonth(now).AddDate(0, -1, 0),
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	require.NoError(t, err)
}

func TestEnsureCurrentMonth_ResetsStaleCounter(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryStore()
	seedStaleUser(t, users, "usr_1", 19)

	cache := entitlement.NewMemoryCache(time.Minute)
	cache.Set(ctx, "usr_1", &entitlement.Entitlement{UserID: "usr_1"})

	c := NewCoordinator(users, cache, nil)

	did, err := c.EnsureCurrentMonth(ctx, "usr_1")
	require.NoError(t, err)
	assert.True(t, did)

	u, _ := users.Get(ctx, "usr_1")
	assert.Equal(t, 0, u.MessagesUsed)
	assert.Equal(t, user.StartOfMonth(time.Now()), u.MessagesResetAt)

	// Cache entry was invalidated.
	_, ok := cache.Get(ctx, "usr_1")
	assert.False(t, ok)
}

func TestEnsureCurrentMonth_Idempotent(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryStore()
	seedStaleUser(t, users, "usr_1", 5)

	c := NewCoordinator(users, nil, nil)

	did, err := c.EnsureCurrentMonth(ctx, "usr_1")
	require.NoError(t, err)
	assert.True(t, did)

	did, err = c.EnsureCurrentMonth(ctx, "usr_1")
	require.NoError(t, err)
	assert.False(t, did)
}

func TestEnsureCurrentMonth_PublishesEvent(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryStore()
	seedStaleUser(t, users, "usr_1", 5)

	events := entitlement.NewEvents()
	var changed []string
	events.Subscribe(func(_ context.Context, userID string) { changed = append(changed, userID) })

	c := NewCoordinator(users, nil, events)

	_, err := c.EnsureCurrentMonth(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"usr_1"}, changed)

	// No event for the no-op repeat.
	_, _ = c.EnsureCurrentMonth(ctx, "usr_1")
	assert.Len(t, changed, 1)
}

func TestResetAllDue_FlushesEntireCache(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryStore()
	seedStaleUser(t, users, "usr_1", 5)
	seedStaleUser(t, users, "usr_2", 9)

	cache := entitlement.NewMemoryCache(time.Minute)
	cache.Set(ctx, "usr_1", &entitlement.Entitlement{UserID: "usr_1"})
	cache.Set(ctx, "usr_other", &entitlement.Entitlement{UserID: "usr_other"})

	c := NewCoordinator(users, cache, nil)

	count, err := c.ResetAllDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	_, ok := cache.Get(ctx, "usr_other")
	assert.False(t, ok)
}

func TestResetAllDue_NoopKeepsCache(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryStore()

	cache := entitlement.NewMemoryCache(time.Minute)
	cache.Set(ctx, "usr_1", &entitlement.Entitlement{UserID: "usr_1"})

	c := NewCoordinator(users, cache, nil)

	count, err := c.ResetAllDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	_, ok := cache.Get(ctx, "usr_1")
	assert.True(t, ok)
}
