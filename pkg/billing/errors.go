package billing

import "errors"

var (
	// ErrNotConfigured is returned when a provider is missing required
	// configuration (API key, webhook secret, store). Surfaced as a 500 so
	// operators can distinguish a misconfigured deployment from probing.
	ErrNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidSignature is returned when webhook signature verification
	// fails. Surfaced as a 400; the provider will not retry.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a webhook payload cannot be parsed.
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrMissingMetadata is returned by handlers when an event lacks the
	// userId/tierId metadata needed to reconcile it. Logged and acknowledged
	// with a 200: redelivery cannot restore metadata that was never set.
	ErrMissingMetadata = errors.New("event metadata missing userId or tierId")

	// ErrPersistence is returned when the state write failed on both the
	// primary and fallback paths. Surfaced as a 500 so the provider's
	// webhook retry re-delivers the event.
	ErrPersistence = errors.New("subscription state write failed")

	// ErrProviderAPI is returned when re-fetching subscription details from
	// the provider fails. Retryable, same as ErrPersistence.
	ErrProviderAPI = errors.New("billing provider API error")

	// ErrSubscriptionNotFound is returned by stores when no state row matches
	// the given provider subscription id.
	ErrSubscriptionNotFound = errors.New("subscription state not found")

	// ErrUserNotFound is returned by stores when no state row exists for the
	// given user id.
	ErrUserNotFound = errors.New("subscription state not found for user")
)
