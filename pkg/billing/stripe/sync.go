package stripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/plantspack/billing/pkg/billing"
)

// SyncUser re-derives the user's subscription state from Stripe's current
// records and writes it to the store. Used for restore-purchases flows and
// nightly reconciliation; webhooks remain the primary update path.
func (p *Provider) SyncUser(ctx context.Context, userID string) (billing.Tier, error) {
	state, err := p.store.GetSubscriptionState(ctx, userID)
	if errors.Is(err, billing.ErrUserNotFound) {
		// No checkout has ever completed for this user; nothing to restore.
		return billing.TierFree, nil
	}
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return billing.TierFree, err
	}
	if state.ProviderCustomerID == "" {
		return billing.TierFree, nil
	}

	subs, err := p.api.ListActiveSubscriptions(ctx, state.ProviderCustomerID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return state.Tier, fmt.Errorf("%w: %v", billing.ErrProviderAPI, err)
	}

	// Pick the highest tier among active subscriptions carrying our
	// metadata. Multiple subscriptions can exist when a user upgrades before
	// the old plan's final invoice settles.
	var best *Subscription
	bestTier := billing.TierFree
	for _, sub := range subs {
		tier, ok := billing.ParseTier(sub.Metadata[metadataTierID])
		if !ok {
			continue
		}
		if best == nil || tierRank(tier) > tierRank(bestTier) {
			best = sub
			bestTier = tier
		}
	}

	if best == nil {
		// No active paid subscription remains: downgrade, keep the customer
		// id for potential resubscription.
		next := billing.SubscriptionState{
			UserID:             userID,
			Tier:               billing.TierFree,
			Status:             billing.StatusCanceled,
			ProviderCustomerID: state.ProviderCustomerID,
		}
		if err := p.store.UpsertSubscriptionState(ctx, next); err != nil {
			p.metrics.RecordUserSync(providerName, "error")
			return state.Tier, err
		}
		p.metrics.RecordUserSync(providerName, "success")
		return billing.TierFree, nil
	}

	next := billing.SubscriptionState{
		UserID:                 userID,
		Tier:                   bestTier,
		Status:                 billing.MapProviderStatus(best.Status),
		ProviderSubscriptionID: best.ID,
		ProviderCustomerID:     state.ProviderCustomerID,
		CurrentPeriodStart:     epochToTime(best.PeriodStart),
		CurrentPeriodEnd:       epochToTime(best.PeriodEnd),
	}
	if err := p.store.UpsertSubscriptionState(ctx, next); err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return state.Tier, err
	}

	if state.Tier != bestTier {
		p.metrics.RecordTierChange(providerName, state.Tier, bestTier)
	}
	p.metrics.RecordUserSync(providerName, "success")
	return bestTier, nil
}

func tierRank(t billing.Tier) int {
	switch t {
	case billing.TierPremium:
		return 2
	case billing.TierMedium:
		return 1
	default:
		return 0
	}
}
