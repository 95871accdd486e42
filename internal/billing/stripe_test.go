package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/halcyonchat/halcyon/internal/user"
)

const testWebhookSecret = "whsec_test"

// signPayload builds a Stripe-Signature header the verifier accepts.
func signPayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func postWebhook(t *testing.T, h *WebhookHandler, payload []byte, header string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/v1/webhooks/stripe", h.Handle)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", header)
	r.ServeHTTP(w, req)
	return w
}

func newWebhookHandler(users user.Store) *WebhookHandler {
	return NewWebhookHandler(users, NewService(users, nil), nil, testWebhookSecret)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	h := newWebhookHandler(user.NewMemoryStore())

	payload := []byte(`{"id":"evt_1","type":"customer.subscription.updated"}`)
	w := postWebhook(t, h, payload, "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_SubscriptionUpdated(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryStore()
	seedUser(t, users, "usr_1", func(u *user.User) {
		u.Tier = user.TierFreemium
		u.Status = user.StatusFreemium
		u.StripeCustomerID = "cus_1"
	})
	h := newWebhookHandler(users)

	payload := []byte(`{
		"id": "evt_1",
		"type": "customer.subscription.updated",
		"data": {"object": {
			"customer": "cus_1",
			"status": "active",
			"items": {"data": [{"price": {"lookup_key": "team_annual", "metadata": {"tier": "team"}}}]}
		}}
	}`)
	w := postWebhook(t, h, payload, signPayload(payload, testWebhookSecret))
	require.Equal(t, http.StatusOK, w.Code)

	u, err := users.Get(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, user.TierTeam, u.Tier)
	assert.Equal(t, user.StatusActive, u.Status)
}

func TestWebhook_SubscriptionDeleted(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryStore()
	seedUser(t, users, "usr_1", func(u *user.User) {
		u.StripeCustomerID = "cus_1"
	})
	h := newWebhookHandler(users)

	payload := []byte(`{
		"id": "evt_2",
		"type": "customer.subscription.deleted",
		"data": {"object": {"customer": "cus_1", "status": "canceled"}}
	}`)
	w := postWebhook(t, h, payload, signPayload(payload, testWebhookSecret))
	require.Equal(t, http.StatusOK, w.Code)

	u, _ := users.Get(ctx, "usr_1")
	assert.Equal(t, user.TierFreemium, u.Tier)
	assert.Equal(t, user.StatusCanceled, u.Status)
}

func TestWebhook_CheckoutCreditsTopUp(t *testing.T) {
	ctx := context.Background()
	users := user.NewMemoryStore()
	seedUser(t, users, "usr_1", func(u *user.User) {
		u.StripeCustomerID = "cus_1"
		u.CreditsBalance = 5
	})
	h := newWebhookHandler(users)

	payload := []byte(`{
		"id": "evt_3",
		"type": "checkout.session.completed",
		"data": {"object": {"customer": "cus_1", "metadata": {"credits": "100"}}}
	}`)
	w := postWebhook(t, h, payload, signPayload(payload, testWebhookSecret))
	require.Equal(t, http.StatusOK, w.Code)

	u, _ := users.Get(ctx, "usr_1")
	assert.Equal(t, int64(105), u.CreditsBalance)
}

func TestWebhook_UnknownCustomerAcknowledged(t *testing.T) {
	h := newWebhookHandler(user.NewMemoryStore())

	payload := []byte(`{
		"id": "evt_4",
		"type": "customer.subscription.updated",
		"data": {"object": {"customer": "cus_ghost", "status": "active"}}
	}`)
	// 200 so Stripe does not redeliver forever.
	w := postWebhook(t, h, payload, signPayload(payload, testWebhookSecret))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhook_IgnoredEventType(t *testing.T) {
	h := newWebhookHandler(user.NewMemoryStore())

	payload := []byte(`{"id":"evt_5","type":"invoice.finalized","data":{"object":{}}}`)
	w := postWebhook(t, h, payload, signPayload(payload, testWebhookSecret))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTierFromSubscription(t *testing.T) {
	tests := []struct {
		name string
		sub  *stripe.Subscription
		want user.Tier
	}{
		{
			"metadata wins",
			&stripe.Subscription{Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
				{Price: &stripe.Price{LookupKey: "enterprise", Metadata: map[string]string{"tier": "pro"}}},
			}}},
			user.TierPro,
		},
		{
			"lookup key fallback",
			&stripe.Subscription{Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
				{Price: &stripe.Price{LookupKey: "team"}},
			}}},
			user.TierTeam,
		},
		{
			"legacy alias normalized",
			&stripe.Subscription{Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
				{Price: &stripe.Price{Metadata: map[string]string{"tier": "premium"}}},
			}}},
			user.TierPro,
		},
		{"no items", &stripe.Subscription{}, user.TierFreemium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tierFromSubscription(tt.sub))
		})
	}
}

func TestStatusFromStripe(t *testing.T) {
	tests := []struct {
		in   stripe.SubscriptionStatus
		want user.Status
	}{
		{stripe.SubscriptionStatusActive, user.StatusActive},
		{stripe.SubscriptionStatusTrialing, user.StatusTrialing},
		{stripe.SubscriptionStatusPastDue, user.StatusPastDue},
		{stripe.SubscriptionStatusUnpaid, user.StatusPastDue},
		{stripe.SubscriptionStatusCanceled, user.StatusCanceled},
		{stripe.SubscriptionStatusIncomplete, user.StatusIncomplete},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFromStripe(tt.in), "status %s", tt.in)
	}
}
