package billing

import "context"

// Store is the durable record of subscription state plus the append-only
// webhook audit trail. Implementations live under storage/ (postgres, redis,
// memory).
type Store interface {
	// UpsertSubscriptionState atomically writes the full state row for
	// state.UserID. It always sets absolute values, never increments, which
	// is what makes duplicate webhook delivery safe: applying the same event
	// twice converges on the same row. Concurrent writers for one user are
	// last-writer-wins; the provider is the single source of truth and
	// delivers events for one subscription in order, so the store does not
	// reconstruct ordering. A failed write is wrapped in ErrPersistence.
	UpsertSubscriptionState(ctx context.Context, state SubscriptionState) error

	// GetSubscriptionState returns the current row for userID, or
	// ErrUserNotFound.
	GetSubscriptionState(ctx context.Context, userID string) (*SubscriptionState, error)

	// MarkPastDue sets status = past_due on the row referencing the given
	// provider subscription id, touching nothing else. A failed payment does
	// not change tier, provider ids, or period bounds.
	MarkPastDue(ctx context.Context, providerSubscriptionID string) error

	// RecordEvent appends one row to the webhook audit trail. Best-effort:
	// callers log failures and never propagate them, so a lost audit entry
	// cannot make the provider retry an already-applied state change.
	RecordEvent(ctx context.Context, rec EventRecord) error

	// Close releases the store's resources.
	Close() error
}
