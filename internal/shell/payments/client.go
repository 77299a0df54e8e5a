// Package payments provides a client for the external billing provider.
// Bothive never computes money locally; tiers, prices, and invoices live
// with the provider and flow back through webhooks.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// =============================================================================
// Gateway Error
// =============================================================================

// GatewayError is returned when the billing provider rejects or fails a call.
type GatewayError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("payments %s: %s", e.Op, e.Body)
	}
	return fmt.Sprintf("payments %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// =============================================================================
// Types
// =============================================================================

// CheckoutRequest describes a checkout session for a tier upgrade.
type CheckoutRequest struct {
	CustomerID string
	PriceID    string
	UserID     string // carried through as client reference
	SuccessURL string
	CancelURL  string
}

// Session is a hosted billing page the user is redirected to.
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// ProviderSubscription is the provider's view of a subscription, fetched when
// a webhook carries only the subscription ID.
type ProviderSubscription struct {
	ID                 string `json:"id"`
	CustomerID         string `json:"customer"`
	Status             string `json:"status"` // provider vocabulary: active, past_due, canceled, trialing
	PriceID            string `json:"price_id"`
	CurrentPeriodStart int64  `json:"current_period_start"` // unix seconds
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
}

// Client is the billing provider gateway used by the reconciler.
type Client interface {
	CreateCustomer(ctx context.Context, userID, email, name string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (*Session, error)
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
}

// =============================================================================
// HTTP Client
// =============================================================================

// HTTPClient implements Client against the provider's HTTP API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Config holds payments client configuration.
type Config struct {
	BaseURL string // Provider API base URL
	APIKey  string // Secret API key
	Timeout time.Duration
}

// NewHTTPClient creates a new payments client.
func NewHTTPClient(cfg Config, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

var _ Client = (*HTTPClient)(nil)

// =============================================================================
// Operations
// =============================================================================

type customerResponse struct {
	ID string `json:"id"`
}

// CreateCustomer registers a billing customer for a user and returns the
// provider's customer ID.
func (c *HTTPClient) CreateCustomer(ctx context.Context, userID, email, name string) (string, error) {
	payload := map[string]any{
		"email": email,
		"name":  name,
		"metadata": map[string]string{
			"user_id": userID,
		},
	}

	var result customerResponse
	if err := c.do(ctx, "CreateCustomer", http.MethodPost, "/customers", payload, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", &GatewayError{Op: "CreateCustomer", Body: "provider returned no customer id"}
	}

	c.logger.Info("billing customer created", "customer_id", result.ID, "user_id", userID)
	return result.ID, nil
}

// CreateCheckoutSession opens a hosted checkout for a subscription purchase.
func (c *HTTPClient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error) {
	payload := map[string]any{
		"customer":            req.CustomerID,
		"price":               req.PriceID,
		"mode":                "subscription",
		"client_reference_id": req.UserID,
		"success_url":         req.SuccessURL,
		"cancel_url":          req.CancelURL,
	}

	var result Session
	if err := c.do(ctx, "CreateCheckoutSession", http.MethodPost, "/checkout/sessions", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreatePortalSession opens the provider's self-service portal for an
// existing customer.
func (c *HTTPClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*Session, error) {
	payload := map[string]any{
		"customer":   customerID,
		"return_url": returnURL,
	}

	var result Session
	if err := c.do(ctx, "CreatePortalSession", http.MethodPost, "/billing_portal/sessions", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RetrieveSubscription fetches the provider's current view of a subscription.
func (c *HTTPClient) RetrieveSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	var result ProviderSubscription
	if err := c.do(ctx, "RetrieveSubscription", http.MethodGet, "/subscriptions/"+subscriptionID, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// =============================================================================
// Helper Methods
// =============================================================================

func (c *HTTPClient) do(ctx context.Context, op, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &GatewayError{Op: op, Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(resp.Body)
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", op, err)
		}
	}
	return nil
}
