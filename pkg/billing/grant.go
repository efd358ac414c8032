package billing

import "context"

// GrantResult classifies the outcome of a promotional grant attempt. The
// handler branches on this typed value rather than matching error strings;
// only GrantFailed carries an accompanying error.
type GrantResult int

const (
	// Granted means the promotion was applied to the user.
	Granted GrantResult = iota

	// GrantAlreadyClaimed means this user already holds the promotion.
	GrantAlreadyClaimed

	// GrantExhausted means the promotion's fixed pool has run out.
	GrantExhausted

	// GrantFailed means the attempt errored (storage, network). Still
	// swallowed by callers: the grant is a secondary effect and must never
	// fail the primary reconciliation.
	GrantFailed
)

func (r GrantResult) String() string {
	switch r {
	case Granted:
		return "granted"
	case GrantAlreadyClaimed:
		return "already_claimed"
	case GrantExhausted:
		return "exhausted"
	default:
		return "failed"
	}
}

// Granter attempts one-time promotional grants. The early-adopter promotion
// is attempted when a checkout completes on the medium tier.
type Granter interface {
	// GrantEarlyAdopter claims one early-adopter slot for userID. The error
	// is non-nil only when the result is GrantFailed.
	GrantEarlyAdopter(ctx context.Context, userID string) (GrantResult, error)
}
