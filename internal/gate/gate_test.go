package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonchat/halcyon/internal/entitlement"
	"github.com/halcyonchat/halcyon/internal/reset"
	"github.com/halcyonchat/halcyon/internal/user"
)

const (
	testUpgradeURL  = "https://halcyon.chat/upgrade"
	testPurchaseURL = "https://halcyon.chat/credits"
)

func newTestGate(t *testing.T) (*Gate, *user.MemoryStore) {
	t.Helper()
	users := user.NewMemoryStore()
	resolver := entitlement.NewResolver(
		users,
		entitlement.NewSeededMemoryFeatureStore(),
		reset.NewCoordinator(users, nil, nil),
	)
	return NewGate(users, resolver, testUpgradeURL, testPurchaseURL), users
}

func seedUser(t *testing.T, users user.Store, id string, mutate func(*user.User)) {
	t.Helper()
	now := time.Now()
	u := &user.User{
		ID:              id,
		Email:           id + "@example.com",
		Tier:            user.TierFreemium,
		Status:          user.StatusFreemium,
		MessagesResetAt: user.StartOfMonth(now),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if mutate != nil {
		mutate(u)
	}
	require.NoError(t, users.Create(context.Background(), u))
}

func TestAdmit_FreemiumConsumesSlots(t *testing.T) {
	ctx := context.Background()
	g, users := newTestGate(t)
	seedUser(t, users, "usr_1", nil)

	for i := 1; i <= 25; i++ {
		adm, err := g.Admit(ctx, "usr_1")
		require.NoError(t, err, "request %d", i)
		assert.True(t, adm.FreeMessageUsed)
		assert.False(t, adm.CreditsWillBeDeducted)

		u, _ := users.Get(ctx, "usr_1")
		assert.Equal(t, i, u.MessagesUsed)
		assert.Equal(t, int64(0), u.CreditsBalance, "no credits deducted on free slots")
	}
}

func TestAdmit_ExhaustedAllowanceFallsToCredits(t *testing.T) {
	ctx := context.Background()
	g, users := newTestGate(t)
	seedUser(t, users, "usr_1", func(u *user.User) {
		u.MessagesUsed = 25
		u.CreditsBalance = 5
	})

	adm, err := g.Admit(ctx, "usr_1")
	require.NoError(t, err)
	assert.False(t, adm.FreeMessageUsed)
	assert.True(t, adm.CreditsWillBeDeducted)

	// The gate never deducts; the post-call step does.
	u, _ := users.Get(ctx, "usr_1")
	assert.Equal(t, int64(5), u.CreditsBalance)
}

func TestAdmit_ExhaustedAllowanceNoCreditsDenied(t *testing.T) {
	ctx := context.Background()
	g, users := newTestGate(t)
	seedUser(t, users, "usr_1", func(u *user.User) {
		u.MessagesUsed = 25
	})

	_, err := g.Admit(ctx, "usr_1")
	d, ok := AsDenial(err)
	require.True(t, ok, "expected a denial, got %v", err)
	assert.Equal(t, 402, d.Status)
	assert.Equal(t, CodeMessageLimitExceeded, d.Code)
	assert.Equal(t, 25, d.Details["monthlyAllowance"])
	assert.Equal(t, testUpgradeURL, d.Details["upgradeUrl"])
}

func TestAdmit_PaidTierUsesCredits(t *testing.T) {
	ctx := context.Background()
	g, users := newTestGate(t)
	seedUser(t, users, "usr_1", func(u *user.User) {
		u.Tier = user.TierPro
		u.Status = user.StatusActive
		u.CreditsBalance = 100
	})

	adm, err := g.Admit(ctx, "usr_1")
	require.NoError(t, err)
	assert.True(t, adm.CreditsWillBeDeducted)
	assert.False(t, adm.FreeMessageUsed)

	// Paid tiers never touch the message counter.
	u, _ := users.Get(ctx, "usr_1")
	assert.Equal(t, 0, u.MessagesUsed)
}

func TestAdmit_PaidTierNoCreditsDenied(t *testing.T) {
	ctx := context.Background()
	g, users := newTestGate(t)
	seedUser(t, users, "usr_1", func(u *user.User) {
		u.Tier = user.TierPro
		u.Status = user.StatusActive
	})

	_, err := g.Admit(ctx, "usr_1")
	d, ok := AsDenial(err)
	require.True(t, ok)
	assert.Equal(t, CodeNoCreditsAvailable, d.Code)
	assert.Equal(t, testPurchaseURL, d.Details["purchaseUrl"])
}

func TestAdmit_StatusDenials(t *testing.T) {
	tests := []struct {
		status user.Status
		code   string
	}{
		{user.StatusPastDue, CodePaymentFailed},
		{user.StatusCanceled, CodeSubscriptionExpired},
		{user.StatusIncomplete, CodeSubscriptionExpired},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			ctx := context.Background()
			g, users := newTestGate(t)
			seedUser(t, users, "usr_1", func(u *user.User) {
				u.Tier = user.TierPro
				u.Status = tt.status
				u.CreditsBalance = 100
			})

			_, err := g.Admit(ctx, "usr_1")
			d, ok := AsDenial(err)
			require.True(t, ok)
			assert.Equal(t, 402, d.Status)
			assert.Equal(t, tt.code, d.Code)
			assert.NotEmpty(t, d.Details["upgradeUrl"])
		})
	}
}

func TestAdmit_UnknownUser(t *testing.T) {
	g, _ := newTestGate(t)

	_, err := g.Admit(context.Background(), "usr_ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, user.ErrNotFound)
	_, isDenial := AsDenial(err)
	assert.False(t, isDenial, "infrastructure errors are not denials")
}

func TestAdmit_ConcurrentNoOverAdmission(t *testing.T) {
	ctx := context.Background()
	g, users := newTestGate(t)
	// 3 free slots left, 0 credits.
	seedUser(t, users, "usr_1", func(u *user.User) {
		u.MessagesUsed = 22
	})

	const attempts = 100
	var admitted, denied int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := g.Admit(ctx, "usr_1")
			if err != nil {
				if _, ok := AsDenial(err); !ok {
					t.Errorf("unexpected error: %v", err)
				}
				atomic.AddInt64(&denied, 1)
				return
			}
			if !adm.FreeMessageUsed {
				t.Error("admission without a free slot for a zero-credit user")
			}
			atomic.AddInt64(&admitted, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), admitted)
	assert.Equal(t, int64(attempts-3), denied)

	u, _ := users.Get(ctx, "usr_1")
	assert.Equal(t, 25, u.MessagesUsed)
}

func TestAdmit_GrandfatheredFreemiumRunsAsPro(t *testing.T) {
	ctx := context.Background()
	g, users := newTestGate(t)
	seedUser(t, users, "usr_1", func(u *user.User) {
		u.Status = user.StatusCanceled
		u.Grandfathered = true
	})

	// Grandfathering bumps the effective tier to pro and keeps access despite
	// the canceled status; the read-time credit floor covers the balance.
	adm, err := g.Admit(ctx, "usr_1")
	require.NoError(t, err)
	assert.True(t, adm.CreditsWillBeDeducted)
	assert.Equal(t, user.TierPro, adm.Entitlement.EffectiveTier)
}
