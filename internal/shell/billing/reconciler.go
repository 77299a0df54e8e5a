// Package billing reconciles local subscription records with the external
// payment provider. The provider owns money; this package only mirrors the
// provider's decisions into tiers the orchestrator can enforce.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/bothive/internal/core/domain"
	"github.com/artpar/bothive/internal/shell/payments"
	"github.com/artpar/bothive/internal/shell/store"
)

// Webhook event types handled by the reconciler.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentFailed       = "invoice.payment_failed"
)

// =============================================================================
// Reconciler
// =============================================================================

// Reconciler implements the billing operations.
type Reconciler struct {
	store      store.Store
	payments   payments.Client
	logger     *slog.Logger
	priceTiers map[string]domain.Tier
	tierPrices map[domain.Tier]string
	successURL string
	cancelURL  string
	returnURL  string
}

// Config holds reconciler configuration.
type Config struct {
	// PriceTiers maps provider price IDs to subscription tiers. Checkout
	// resolves the inverse mapping, so each sellable tier needs a price.
	PriceTiers map[string]domain.Tier
	// SuccessURL and CancelURL terminate checkout flows.
	SuccessURL string
	CancelURL  string
	// ReturnURL terminates portal sessions.
	ReturnURL string
}

// NewReconciler creates the reconciler with its dependencies injected.
func NewReconciler(st store.Store, pay payments.Client, logger *slog.Logger, cfg Config) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	tierPrices := make(map[domain.Tier]string, len(cfg.PriceTiers))
	for priceID, tier := range cfg.PriceTiers {
		tierPrices[tier] = priceID
	}
	return &Reconciler{
		store:      st,
		payments:   pay,
		logger:     logger.With("component", "billing"),
		priceTiers: cfg.PriceTiers,
		tierPrices: tierPrices,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		returnURL:  cfg.ReturnURL,
	}
}

// =============================================================================
// Sessions
// =============================================================================

// CreateCheckoutSession opens a checkout for a tier purchase, provisioning a
// billing customer on first use. The customer ID is persisted before the
// session is created so a crash cannot orphan a provider customer. FREE is
// not purchasable and tiers without a configured price cannot be sold.
func (r *Reconciler) CreateCheckoutSession(ctx context.Context, userID, email, name string, tier domain.Tier) (*payments.Session, error) {
	if tier == domain.TierFree {
		return nil, fmt.Errorf("%w: tier %s cannot be purchased", domain.ErrInvalidInput, tier)
	}
	priceID, ok := r.tierPrices[tier]
	if !ok {
		return nil, fmt.Errorf("%w: no price configured for tier %s", domain.ErrInvalidInput, tier)
	}

	sub, err := r.store.EnsureSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	if sub.CustomerID == "" {
		customerID, err := r.payments.CreateCustomer(ctx, userID, email, name)
		if err != nil {
			return nil, fmt.Errorf("provision billing customer: %w", err)
		}
		sub.CustomerID = customerID
		if err := r.store.UpdateSubscription(ctx, sub); err != nil {
			return nil, err
		}
		r.logger.Info("billing customer provisioned", "user_id", userID, "customer_id", customerID)
	}

	sess, err := r.payments.CreateCheckoutSession(ctx, payments.CheckoutRequest{
		CustomerID: sub.CustomerID,
		PriceID:    priceID,
		UserID:     userID,
		SuccessURL: r.successURL,
		CancelURL:  r.cancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return sess, nil
}

// CreatePortalSession opens the provider's self-service portal. Users who
// never checked out have no billing customer and cannot have a portal.
func (r *Reconciler) CreatePortalSession(ctx context.Context, userID string) (*payments.Session, error) {
	sub, err := r.store.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s", domain.ErrNoBillingAccount, userID)
		}
		return nil, err
	}
	if sub.CustomerID == "" {
		return nil, fmt.Errorf("%w: user %s", domain.ErrNoBillingAccount, userID)
	}

	sess, err := r.payments.CreatePortalSession(ctx, sub.CustomerID, r.returnURL)
	if err != nil {
		return nil, fmt.Errorf("create portal session: %w", err)
	}
	return sess, nil
}

// GetSubscription returns the user's subscription, creating the default FREE
// record on first sight.
func (r *Reconciler) GetSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	return r.store.EnsureSubscription(ctx, userID)
}

// =============================================================================
// Webhooks
// =============================================================================

// Event is the provider's webhook envelope.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type checkoutSessionObject struct {
	ID                string `json:"id"`
	ClientReferenceID string `json:"client_reference_id"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
}

type subscriptionObject struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	PriceID            string `json:"price_id"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
}

type invoiceObject struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
}

// HandleWebhook applies a provider event to the local subscription state.
// Handlers are idempotent: replaying a delivered event converges on the same
// row. Events for subscriptions this system never saw are acknowledged
// without effect so the provider stops retrying them.
func (r *Reconciler) HandleWebhook(ctx context.Context, event Event) error {
	switch event.Type {
	case EventCheckoutCompleted:
		return r.handleCheckoutCompleted(ctx, event)
	case EventSubscriptionUpdated:
		return r.handleSubscriptionUpdated(ctx, event)
	case EventSubscriptionDeleted:
		return r.handleSubscriptionDeleted(ctx, event)
	case EventPaymentFailed:
		return r.handlePaymentFailed(ctx, event)
	default:
		r.logger.Debug("ignoring webhook event", "type", event.Type, "event_id", event.ID)
		return nil
	}
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event Event) error {
	var obj checkoutSessionObject
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return fmt.Errorf("%w: malformed checkout session: %v", domain.ErrInvalidInput, err)
	}
	if obj.ClientReferenceID == "" || obj.Subscription == "" {
		return fmt.Errorf("%w: checkout session missing user or subscription reference", domain.ErrInvalidInput)
	}

	// The session object does not carry the price; ask the provider for the
	// subscription it created.
	providerSub, err := r.payments.RetrieveSubscription(ctx, obj.Subscription)
	if err != nil {
		return fmt.Errorf("retrieve subscription %s: %w", obj.Subscription, err)
	}

	sub, err := r.store.EnsureSubscription(ctx, obj.ClientReferenceID)
	if err != nil {
		return err
	}

	sub.CustomerID = obj.Customer
	sub.SubscriptionID = providerSub.ID
	r.applyProviderState(sub, subscriptionObject{
		ID:                 providerSub.ID,
		Status:             providerSub.Status,
		PriceID:            providerSub.PriceID,
		CurrentPeriodStart: providerSub.CurrentPeriodStart,
		CurrentPeriodEnd:   providerSub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  providerSub.CancelAtPeriodEnd,
	})

	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	r.logger.Info("checkout completed",
		"user_id", sub.UserID, "subscription_id", sub.SubscriptionID, "tier", sub.Tier)
	return nil
}

func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, event Event) error {
	var obj subscriptionObject
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return fmt.Errorf("%w: malformed subscription: %v", domain.ErrInvalidInput, err)
	}

	sub, err := r.store.GetSubscriptionByExternalID(ctx, obj.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("update for unknown subscription", "subscription_id", obj.ID, "event_id", event.ID)
			return nil
		}
		return err
	}

	r.applyProviderState(sub, obj)
	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	r.logger.Info("subscription updated",
		"user_id", sub.UserID, "tier", sub.Tier, "status", sub.Status)
	return nil
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event Event) error {
	var obj subscriptionObject
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return fmt.Errorf("%w: malformed subscription: %v", domain.ErrInvalidInput, err)
	}

	sub, err := r.store.GetSubscriptionByExternalID(ctx, obj.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("delete for unknown subscription", "subscription_id", obj.ID, "event_id", event.ID)
			return nil
		}
		return err
	}

	sub.Downgrade()
	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	r.logger.Info("subscription canceled, downgraded to free", "user_id", sub.UserID)
	return nil
}

func (r *Reconciler) handlePaymentFailed(ctx context.Context, event Event) error {
	var obj invoiceObject
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return fmt.Errorf("%w: malformed invoice: %v", domain.ErrInvalidInput, err)
	}
	if obj.Subscription == "" {
		return nil
	}

	sub, err := r.store.GetSubscriptionByExternalID(ctx, obj.Subscription)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("payment failure for unknown subscription", "subscription_id", obj.Subscription)
			return nil
		}
		return err
	}

	// Tier stays; the provider decides via a later subscription event whether
	// the account actually loses access.
	sub.Status = domain.SubscriptionPastDue
	sub.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	r.logger.Warn("payment failed", "user_id", sub.UserID, "subscription_id", sub.SubscriptionID)
	return nil
}

// applyProviderState copies the provider's subscription state onto the local
// record. Prices that map to no tier fall back to FREE so a misconfigured
// price table can never leave a user on a paid tier the provider stopped
// billing for.
func (r *Reconciler) applyProviderState(sub *domain.Subscription, obj subscriptionObject) {
	sub.Status = domain.SubscriptionStatusFromProvider(obj.Status)
	sub.PriceID = obj.PriceID
	sub.CancelAtPeriodEnd = obj.CancelAtPeriodEnd
	sub.CurrentPeriodStart = unixTimePtr(obj.CurrentPeriodStart)
	sub.CurrentPeriodEnd = unixTimePtr(obj.CurrentPeriodEnd)
	sub.UpdatedAt = time.Now().UTC()

	tier, ok := r.priceTiers[obj.PriceID]
	if !ok {
		r.logger.Warn("price maps to no tier, defaulting to free",
			"price_id", obj.PriceID, "user_id", sub.UserID)
		tier = domain.TierFree
	}
	sub.Tier = tier
}

func unixTimePtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
