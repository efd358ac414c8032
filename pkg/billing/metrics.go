package billing

import "time"

// Metrics defines the interface for tracking reconciliation operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the provider.
	// status: "applied", "skipped", "absorbed" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "signature_invalid", "not_configured", "persistence"
	RecordWebhookError(provider, errorType string)

	// RecordTierChange records when a user's tier changes.
	RecordTierChange(provider string, fromTier, toTier Tier)

	// RecordStoreFallback records that the primary state-write path failed
	// and the fallback strategy was attempted.
	RecordStoreFallback(provider string)

	// RecordGrant records the outcome of a promotional grant attempt.
	RecordGrant(provider string, result GrantResult)

	// RecordUserSync records a user reconciliation-sync operation.
	// status: "success" or "error"
	RecordUserSync(provider, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordTierChange(_ string, _, _ Tier)                         {}
func (n *NoopMetrics) RecordStoreFallback(_ string)                                 {}
func (n *NoopMetrics) RecordGrant(_ string, _ GrantResult)                          {}
func (n *NoopMetrics) RecordUserSync(_, _ string)                                   {}
