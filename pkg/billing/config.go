package billing

import (
	"context"
	"net/http"
)

// Config defines the standard configuration all providers accept.
type Config struct {
	// Store is the durable subscription state store (and event log) the
	// reconciler writes to. Required.
	Store Store

	// Granter handles one-time promotional grants. Optional; when nil the
	// early-adopter side effect is skipped.
	Granter Granter

	// WebhookSecret is the shared secret used to verify inbound webhook
	// signatures. A provider with an empty secret rejects every webhook with
	// a configuration error rather than a signature error, so operators can
	// tell a broken deployment from an attacker probing.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider
	// (re-fetching subscription objects, SyncUser).
	APIKey string

	// HTTPClient is an optional HTTP client for API calls. If nil, a default
	// client with a 10s timeout is used.
	HTTPClient *http.Client

	// OnReconciled, when set, is invoked after a state change has been
	// committed. Errors from the callback are logged and do not fail the
	// webhook request.
	OnReconciled func(ctx context.Context, event ReconcileEvent) error

	// Logger receives structured logs. If nil, logging is a no-op.
	Logger Logger

	// Metrics is an optional metrics collector. If nil, metrics are silently
	// ignored. Use billing/metrics/prometheus.NewMetrics for Prometheus.
	Metrics Metrics
}
