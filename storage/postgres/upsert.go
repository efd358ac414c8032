package postgres

import (
	"context"
	"fmt"

	"github.com/plantspack/billing/pkg/billing"
)

// upsertStrategy is one way of committing a full subscription-state row.
// The store composes a primary (stored procedure) and a fallback (direct
// table write); keeping them as separate values makes each independently
// testable.
type upsertStrategy interface {
	name() string
	upsert(ctx context.Context, db querier, state billing.SubscriptionState) error
}

// procUpsert calls the upsert_subscription_state procedure, which owns the
// started_at/canceled_at bookkeeping inside one transaction.
type procUpsert struct{}

func (procUpsert) name() string { return "stored_procedure" }

func (procUpsert) upsert(ctx context.Context, db querier, state billing.SubscriptionState) error {
	_, err := db.Exec(ctx,
		`SELECT upsert_subscription_state(
			p_user_id => $1,
			p_tier => $2,
			p_status => $3,
			p_subscription_id => $4,
			p_customer_id => $5,
			p_period_start => $6,
			p_period_end => $7)`,
		state.UserID,
		string(state.Tier),
		string(state.Status),
		nullString(state.ProviderSubscriptionID),
		nullString(state.ProviderCustomerID),
		state.CurrentPeriodStart,
		state.CurrentPeriodEnd,
	)
	if err != nil {
		return fmt.Errorf("upsert_subscription_state: %w", err)
	}
	return nil
}

// directUpsert writes the row with a plain INSERT ... ON CONFLICT. It covers
// the same columns as the procedure, including started_at/canceled_at.
type directUpsert struct{}

func (directUpsert) name() string { return "direct_update" }

func (directUpsert) upsert(ctx context.Context, db querier, state billing.SubscriptionState) error {
	_, err := db.Exec(ctx,
		`INSERT INTO subscription_states (
			user_id, tier, status, provider_subscription_id, provider_customer_id,
			current_period_start, current_period_end,
			subscription_started_at, canceled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
			CASE WHEN $2 <> 'free' THEN now() END,
			CASE WHEN $3 = 'canceled' THEN now() END,
			now())
		ON CONFLICT (user_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			status = EXCLUDED.status,
			provider_subscription_id = EXCLUDED.provider_subscription_id,
			provider_customer_id = EXCLUDED.provider_customer_id,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			subscription_started_at = CASE
				WHEN subscription_states.subscription_started_at IS NULL AND EXCLUDED.tier <> 'free'
					THEN now()
				ELSE subscription_states.subscription_started_at
			END,
			canceled_at = CASE
				WHEN EXCLUDED.status = 'canceled'
					THEN COALESCE(subscription_states.canceled_at, now())
			END,
			updated_at = now()`,
		state.UserID,
		string(state.Tier),
		string(state.Status),
		nullString(state.ProviderSubscriptionID),
		nullString(state.ProviderCustomerID),
		state.CurrentPeriodStart,
		state.CurrentPeriodEnd,
	)
	if err != nil {
		return fmt.Errorf("direct upsert: %w", err)
	}
	return nil
}

// nullString maps empty strings to SQL NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
