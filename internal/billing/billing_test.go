package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonchat/halcyon/internal/entitlement"
	"github.com/halcyonchat/halcyon/internal/user"
)

func seedUser(t *testing.T, users user.Store, id string, mutate func(*user.User)) {
	t.Helper()
	now := time.Now()
	u := &user.User{
		ID:              id,
		Email:           id + "@example.com",
		Tier:            user.TierPro,
		Status:          user.StatusActive,
		MessagesResetAt: user.StartOfMonth(now),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if mutate != nil {
		mutate(u)
	}
	require.NoError(t, users.Create(context.Background(), u))
}

func TestGetCreditBalance_Personal(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryStore()
	seedUser(t, users, "usr_1", func(u *user.User) { u.CreditsBalance = 42 })

	svc := NewService(users, nil)
	b, err := svc.GetCreditBalance(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), b.Amount)
	assert.False(t, b.IsTeamPooled)
}

func TestGetCreditBalance_TeamPooled(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryStore()
	require.NoError(t, users.CreateTeam(ctx, &user.Team{ID: "team_1", Name: "Acme", PooledCredits: 500}))
	seedUser(t, users, "usr_1", func(u *user.User) {
		u.TeamID = "team_1"
		u.CreditsBalance = 7
	})

	svc := NewService(users, nil)
	b, err := svc.GetCreditBalance(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.Amount)
	assert.True(t, b.IsTeamPooled)
}

func TestGetCreditBalance_DanglingTeamFallsBack(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryStore()
	seedUser(t, users, "usr_1", func(u *user.User) {
		u.TeamID = "team_gone"
		u.CreditsBalance = 7
	})

	svc := NewService(users, nil)
	b, err := svc.GetCreditBalance(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), b.Amount)
	assert.False(t, b.IsTeamPooled)
}

func TestDeductCredits(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryStore()
	seedUser(t, users, "usr_1", func(u *user.User) { u.CreditsBalance = 10 })

	events := entitlement.NewEvents()
	var changed []string
	events.Subscribe(func(_ context.Context, userID string) { changed = append(changed, userID) })

	svc := NewService(users, events)
	require.NoError(t, svc.DeductCredits(ctx, "usr_1", 4, "chat"))

	u, _ := users.Get(ctx, "usr_1")
	assert.Equal(t, int64(6), u.CreditsBalance)
	assert.Equal(t, []string{"usr_1"}, changed)
}

func TestDeductCredits_InsufficientRefused(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryStore()
	seedUser(t, users, "usr_1", func(u *user.User) { u.CreditsBalance = 3 })

	svc := NewService(users, nil)
	err := svc.DeductCredits(ctx, "usr_1", 4, "chat")
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	// Balance untouched, never negative.
	u, _ := users.Get(ctx, "usr_1")
	assert.Equal(t, int64(3), u.CreditsBalance)
}

func TestDeductCredits_InvalidAmount(t *testing.T) {
	svc := NewService(user.NewMemoryStore(), nil)
	assert.ErrorIs(t, svc.DeductCredits(context.Background(), "usr_1", 0, "chat"), ErrInvalidAmount)
	assert.ErrorIs(t, svc.DeductCredits(context.Background(), "usr_1", -5, "chat"), ErrInvalidAmount)
}

func TestDeductCredits_TeamPooled(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryStore()
	require.NoError(t, users.CreateTeam(ctx, &user.Team{ID: "team_1", Name: "Acme", PooledCredits: 100}))
	seedUser(t, users, "usr_1", func(u *user.User) {
		u.TeamID = "team_1"
		u.CreditsBalance = 50
	})

	svc := NewService(users, nil)
	require.NoError(t, svc.DeductCredits(ctx, "usr_1", 30, "chat"))

	team, _ := users.GetTeam(ctx, "team_1")
	assert.Equal(t, int64(70), team.PooledCredits)

	// Personal balance untouched when teamed.
	u, _ := users.Get(ctx, "usr_1")
	assert.Equal(t, int64(50), u.CreditsBalance)
}

func TestDeductCredits_UnknownUser(t *testing.T) {
	svc := NewService(user.NewMemoryStore(), nil)
	err := svc.DeductCredits(context.Background(), "usr_ghost", 1, "chat")
	assert.ErrorIs(t, err, user.ErrNotFound)
}

func TestAddCredits(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryStore()
	seedUser(t, users, "usr_1", nil)

	events := entitlement.NewEvents()
	var changed []string
	events.Subscribe(func(_ context.Context, userID string) { changed = append(changed, userID) })

	svc := NewService(users, events)
	require.NoError(t, svc.AddCredits(ctx, "usr_1", 200))

	u, _ := users.Get(ctx, "usr_1")
	assert.Equal(t, int64(200), u.CreditsBalance)
	assert.Equal(t, []string{"usr_1"}, changed)
}

func TestAddCredits_TeamPooled(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryStore()
	require.NoError(t, users.CreateTeam(ctx, &user.Team{ID: "team_1", Name: "Acme", PooledCredits: 10}))
	seedUser(t, users, "usr_1", func(u *user.User) { u.TeamID = "team_1" })

	svc := NewService(users, nil)
	require.NoError(t, svc.AddCredits(ctx, "usr_1", 90))

	team, _ := users.GetTeam(ctx, "team_1")
	assert.Equal(t, int64(100), team.PooledCredits)
}
