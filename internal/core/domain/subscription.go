package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Tiers
// =============================================================================

type Tier string

const (
	TierFree       Tier = "FREE"
	TierHobby      Tier = "HOBBY"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
)

// ParseTier validates a tier string.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierFree, TierHobby, TierPro, TierEnterprise:
		return Tier(s), nil
	}
	return "", fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, s)
}

// TierLimits bounds what a subscription tier allows.
type TierLimits struct {
	Bots     int
	MemoryMB int
	CPUCores float64
}

var tierLimits = map[Tier]TierLimits{
	TierFree:       {Bots: 1, MemoryMB: 128, CPUCores: 0.25},
	TierHobby:      {Bots: 3, MemoryMB: 256, CPUCores: 0.25},
	TierPro:        {Bots: 10, MemoryMB: 512, CPUCores: 0.25},
	TierEnterprise: {Bots: 50, MemoryMB: 1024, CPUCores: 0.25},
}

// LimitsForTier returns the limits for a tier. Unknown tiers get FREE limits.
func LimitsForTier(t Tier) TierLimits {
	if l, ok := tierLimits[t]; ok {
		return l
	}
	return tierLimits[TierFree]
}

// =============================================================================
// Subscription Status
// =============================================================================

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionCanceled SubscriptionStatus = "CANCELED"
	SubscriptionTrialing SubscriptionStatus = "TRIALING"
)

// SubscriptionStatusFromProvider maps the payment provider's status string to
// the local enum. Anything unrecognized is treated as active.
func SubscriptionStatusFromProvider(s string) SubscriptionStatus {
	switch s {
	case "past_due":
		return SubscriptionPastDue
	case "canceled":
		return SubscriptionCanceled
	case "trialing":
		return SubscriptionTrialing
	default:
		return SubscriptionActive
	}
}

// =============================================================================
// Subscription
// =============================================================================

// Subscription is the per-user billing record. Exactly one exists per user,
// created FREE/ACTIVE at first sign-in before any tier limit is evaluated.
type Subscription struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	Tier               Tier               `json:"tier"`
	Status             SubscriptionStatus `json:"status"`
	CustomerID         string             `json:"customer_id,omitempty"`     // external billing customer
	SubscriptionID     string             `json:"subscription_id,omitempty"` // external subscription
	PriceID            string             `json:"price_id,omitempty"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// NewSubscription creates the default FREE/ACTIVE subscription for a user.
func NewSubscription(userID string) *Subscription {
	now := time.Now().UTC()
	return &Subscription{
		ID:        "sub_" + uuid.New().String()[:8],
		UserID:    userID,
		Tier:      TierFree,
		Status:    SubscriptionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Downgrade resets the subscription to FREE/CANCELED, clearing external
// subscription identifiers. The customer ID is kept for future checkouts.
func (s *Subscription) Downgrade() {
	s.Tier = TierFree
	s.Status = SubscriptionCanceled
	s.SubscriptionID = ""
	s.PriceID = ""
	s.CancelAtPeriodEnd = false
	s.UpdatedAt = time.Now().UTC()
}
