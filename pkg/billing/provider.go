package billing

import (
	"context"
	"net/http"
)

// Provider is the generic interface a billing backend implements. It exists
// so the webhook daemon and tests depend on the reconciler's surface rather
// than on a concrete payment SDK.
type Provider interface {
	// Name returns the provider name (e.g. "stripe").
	Name() string

	// WebhookHandler returns the HTTP handler that processes provider
	// events: verification, routing, reconciliation and the audit-log write
	// all happen inside it.
	WebhookHandler() http.Handler

	// SyncUser re-derives a user's subscription state from the provider's
	// current records and writes it to the Store. Used for restore-purchases
	// flows and nightly reconciliation. Returns the resulting tier.
	SyncUser(ctx context.Context, userID string) (Tier, error)
}
