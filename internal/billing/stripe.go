package billing

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/halcyonchat/halcyon/internal/entitlement"
	"github.com/halcyonchat/halcyon/internal/logging"
	"github.com/halcyonchat/halcyon/internal/metrics"
	"github.com/halcyonchat/halcyon/internal/user"
)

const maxWebhookBody = 64 * 1024

// WebhookHandler processes Stripe webhook events: subscription lifecycle
// changes and credit top-ups.
type WebhookHandler struct {
	users   user.Store
	billing *Service
	events  *entitlement.Events
	secret  string
}

// NewWebhookHandler creates a handler. secret is the endpoint signing secret.
func NewWebhookHandler(users user.Store, billing *Service, events *entitlement.Events, secret string) *WebhookHandler {
	return &WebhookHandler{users: users, billing: billing, events: events, secret: secret}
}

// Handle is the gin handler for POST /v1/webhooks/stripe.
func (h *WebhookHandler) Handle(c *gin.Context) {
	ctx := c.Request.Context()

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": "Could not read webhook body."})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.secret)
	if err != nil {
		logging.L(ctx).Warn("stripe webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Webhook signature verification failed."})
		return
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		err = h.handleSubscriptionChange(c, event)
	case "customer.subscription.deleted":
		err = h.handleSubscriptionDeleted(c, event)
	case "checkout.session.completed":
		err = h.handleCheckoutCompleted(c, event)
	default:
		logging.L(ctx).Debug("ignoring stripe event", "type", event.Type)
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "ignored").Inc()
	}
	if err != nil {
		// 500 makes Stripe redeliver.
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		logging.L(ctx).Error("stripe webhook processing failed", "type", event.Type, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Webhook processing failed."})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *WebhookHandler) handleSubscriptionChange(c *gin.Context, event stripe.Event) error {
	ctx := c.Request.Context()

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return err
	}

	u, ok := h.lookupCustomer(c, event, customerID(sub.Customer))
	if !ok {
		return nil
	}

	tier := tierFromSubscription(&sub)
	status := statusFromStripe(sub.Status)
	if err := h.users.SetSubscription(ctx, u.ID, tier, status); err != nil {
		return err
	}

	logging.L(ctx).Info("subscription updated from stripe",
		"user_id", u.ID, "tier", tier, "status", status)
	metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "ok").Inc()
	if h.events != nil {
		h.events.EntitlementChanged(ctx, u.ID)
	}
	return nil
}

func (h *WebhookHandler) handleSubscriptionDeleted(c *gin.Context, event stripe.Event) error {
	ctx := c.Request.Context()

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return err
	}

	u, ok := h.lookupCustomer(c, event, customerID(sub.Customer))
	if !ok {
		return nil
	}

	if err := h.users.SetSubscription(ctx, u.ID, user.TierFreemium, user.StatusCanceled); err != nil {
		return err
	}

	logging.L(ctx).Info("subscription canceled from stripe", "user_id", u.ID)
	metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "ok").Inc()
	if h.events != nil {
		h.events.EntitlementChanged(ctx, u.ID)
	}
	return nil
}

func (h *WebhookHandler) handleCheckoutCompleted(c *gin.Context, event stripe.Event) error {
	ctx := c.Request.Context()

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return err
	}

	credits, _ := strconv.ParseInt(sess.Metadata["credits"], 10, 64)
	if credits <= 0 {
		// Subscription checkouts come through subscription events instead.
		logging.L(ctx).Debug("checkout session without credit metadata", "session_id", sess.ID)
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "ignored").Inc()
		return nil
	}

	u, ok := h.lookupCustomer(c, event, customerID(sess.Customer))
	if !ok {
		return nil
	}

	if err := h.billing.AddCredits(ctx, u.ID, credits); err != nil {
		return err
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "ok").Inc()
	return nil
}

// lookupCustomer maps a Stripe customer id to a user. Unknown customers are
// logged and acknowledged rather than retried forever by Stripe.
func (h *WebhookHandler) lookupCustomer(c *gin.Context, event stripe.Event, custID string) (*user.User, bool) {
	ctx := c.Request.Context()

	if custID == "" {
		logging.L(ctx).Warn("stripe event without customer", "type", event.Type)
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "skipped").Inc()
		return nil, false
	}
	u, err := h.users.GetByStripeCustomer(ctx, custID)
	if err != nil {
		logging.L(ctx).Warn("stripe event for unknown customer",
			"type", event.Type, "customer_id", custID, "error", err)
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "skipped").Inc()
		return nil, false
	}
	return u, true
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// tierFromSubscription reads the tier from the price metadata, falling back
// to the price lookup key. Unknown values normalize to freemium.
func tierFromSubscription(sub *stripe.Subscription) user.Tier {
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			if t, ok := item.Price.Metadata["tier"]; ok {
				return user.NormalizeTier(t)
			}
			if item.Price.LookupKey != "" {
				return user.NormalizeTier(item.Price.LookupKey)
			}
		}
	}
	return user.TierFreemium
}

func statusFromStripe(s stripe.SubscriptionStatus) user.Status {
	switch s {
	case stripe.SubscriptionStatusActive:
		return user.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return user.StatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return user.StatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return user.StatusCanceled
	default:
		return user.StatusIncomplete
	}
}
