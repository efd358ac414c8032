// Package billing defines the core contracts for PlantsPack's subscription
// reconciliation: the durable subscription state model, the storage and
// promotional-grant interfaces, and the provider abstraction implemented by
// pkg/billing/stripe.
package billing

import (
	"encoding/json"
	"time"
)

// Tier is the subscription plan level governing feature access.
type Tier string

const (
	TierFree    Tier = "free"
	TierMedium  Tier = "medium"
	TierPremium Tier = "premium"
)

// ParseTier validates a tier string (e.g. from checkout metadata).
func ParseTier(s string) (Tier, bool) {
	switch Tier(s) {
	case TierFree, TierMedium, TierPremium:
		return Tier(s), true
	}
	return "", false
}

// Status is the local billing status, derived solely from the
// provider-reported status.
type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusUnpaid   Status = "unpaid"
)

// MapProviderStatus translates the provider's status vocabulary to the local
// enum. Statuses outside the recognized set (e.g. "paused", "trialing") map
// to active so an unrecognized status string never downgrades a paying user.
func MapProviderStatus(s string) Status {
	switch s {
	case "active":
		return StatusActive
	case "past_due":
		return StatusPastDue
	case "canceled":
		return StatusCanceled
	case "unpaid":
		return StatusUnpaid
	default:
		return StatusActive
	}
}

// SubscriptionState is the durable record of one user's tier and billing
// status. Rows are created implicitly by the first checkout-completion event
// and are never hard-deleted; cancellation downgrades to free/canceled.
type SubscriptionState struct {
	UserID string `json:"user_id"`
	Tier   Tier   `json:"tier"`
	Status Status `json:"status"`

	// External references into the provider. Empty when Tier is free.
	ProviderSubscriptionID string `json:"provider_subscription_id,omitempty"`
	ProviderCustomerID     string `json:"provider_customer_id,omitempty"`

	// Bounds of the current paid period. Nil when Tier is free.
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// EventRecord is one row of the append-only webhook audit trail. The
// provider-assigned event id is the natural idempotency key; the trail is
// diagnostic only and no read path in the reconciler depends on it.
type EventRecord struct {
	ProviderEventID string          `json:"provider_event_id"`
	EventType       string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	ProcessedAt     time.Time       `json:"processed_at"`
}

// ReconcileEvent is passed to the optional OnReconciled callback after a
// state change has been committed.
type ReconcileEvent struct {
	UserID       string
	PreviousTier Tier
	NewTier      Tier
	Status       Status
	Provider     string
	EventType    string
	EventID      string
	OccurredAt   time.Time
}
