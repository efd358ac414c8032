package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripesdk "github.com/stripe/stripe-go/v83"

	"github.com/plantspack/billing/pkg/billing"
)

// handleCheckoutCompleted reconciles a completed checkout: the user's tier
// comes from checkout metadata, period bounds and provider ids from a
// re-fetched subscription object (the checkout event itself may not carry
// full period data). A medium-tier checkout additionally attempts the
// one-time early-adopter grant.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, event *stripesdk.Event) (outcome, error) {
	var session checkoutSessionPayload
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return outcomeAbsorbed, fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidPayload, err)
	}

	userID := session.Metadata[metadataUserID]
	tierID := session.Metadata[metadataTierID]
	if userID == "" || tierID == "" {
		// Fail closed: no partial state may be written.
		return outcomeAbsorbed, fmt.Errorf("checkout session %s: %w", session.ID, billing.ErrMissingMetadata)
	}
	tier, ok := billing.ParseTier(tierID)
	if !ok || tier == billing.TierFree {
		return outcomeAbsorbed, fmt.Errorf("checkout session %s: unknown tierId %q: %w",
			session.ID, tierID, billing.ErrMissingMetadata)
	}

	subID := string(session.Subscription)
	if subID == "" {
		// Not a subscription checkout.
		return outcomeSkipped, nil
	}

	sub, err := p.api.GetSubscription(ctx, subID)
	if err != nil {
		return outcomeApplied, fmt.Errorf("%w: %v", billing.ErrProviderAPI, err)
	}

	customerID := sub.CustomerID
	if customerID == "" {
		customerID = string(session.Customer)
	}

	state := billing.SubscriptionState{
		UserID:                 userID,
		Tier:                   tier,
		Status:                 billing.StatusActive,
		ProviderSubscriptionID: sub.ID,
		ProviderCustomerID:     customerID,
		CurrentPeriodStart:     epochToTime(sub.PeriodStart),
		CurrentPeriodEnd:       epochToTime(sub.PeriodEnd),
	}
	if err := p.commit(ctx, state, event); err != nil {
		return outcomeApplied, err
	}

	if tier == billing.TierMedium {
		p.tryEarlyAdopterGrant(ctx, userID)
	}

	return outcomeApplied, nil
}

// tryEarlyAdopterGrant attempts the promotional grant. Whatever happens here
// is logged and swallowed: the primary reconciliation is already committed
// and must stay committed.
func (p *Provider) tryEarlyAdopterGrant(ctx context.Context, userID string) {
	if p.granter == nil {
		return
	}
	result, err := p.granter.GrantEarlyAdopter(ctx, userID)
	p.metrics.RecordGrant(providerName, result)
	switch result {
	case billing.Granted:
		p.logger.Info("early adopter promotion granted",
			billing.Field{Key: "user_id", Value: userID})
	case billing.GrantFailed:
		p.logger.Warn("early adopter grant failed",
			billing.Field{Key: "user_id", Value: userID},
			billing.Field{Key: "error", Value: fmt.Sprint(err)})
	default:
		p.logger.Info("early adopter promotion not granted",
			billing.Field{Key: "user_id", Value: userID},
			billing.Field{Key: "result", Value: result.String()})
	}
}

// handleInvoicePaymentSucceeded refreshes status and period bounds after a
// successful payment, re-fetching the subscription named by the invoice.
func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, event *stripesdk.Event) (outcome, error) {
	var invoice invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return outcomeAbsorbed, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidPayload, err)
	}

	subID := string(invoice.Subscription)
	if subID == "" {
		// Not a subscription invoice.
		return outcomeSkipped, nil
	}

	sub, err := p.api.GetSubscription(ctx, subID)
	if err != nil {
		return outcomeApplied, fmt.Errorf("%w: %v", billing.ErrProviderAPI, err)
	}

	userID := sub.Metadata[metadataUserID]
	tierID := sub.Metadata[metadataTierID]
	if userID == "" || tierID == "" {
		return outcomeAbsorbed, fmt.Errorf("subscription %s: %w", subID, billing.ErrMissingMetadata)
	}
	tier, ok := billing.ParseTier(tierID)
	if !ok {
		return outcomeAbsorbed, fmt.Errorf("subscription %s: unknown tierId %q: %w",
			subID, tierID, billing.ErrMissingMetadata)
	}

	state := billing.SubscriptionState{
		UserID:                 userID,
		Tier:                   tier,
		Status:                 billing.StatusActive,
		ProviderSubscriptionID: sub.ID,
		ProviderCustomerID:     sub.CustomerID,
		CurrentPeriodStart:     epochToTime(sub.PeriodStart),
		CurrentPeriodEnd:       epochToTime(sub.PeriodEnd),
	}
	if err := p.commit(ctx, state, event); err != nil {
		return outcomeApplied, err
	}
	return outcomeApplied, nil
}

// handleInvoicePaymentFailed marks the subscription past_due and nothing
// else. A failed payment does not yet terminate access; tier, provider ids
// and period bounds stay untouched until a later event says otherwise.
func (p *Provider) handleInvoicePaymentFailed(ctx context.Context, event *stripesdk.Event) (outcome, error) {
	var invoice invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return outcomeAbsorbed, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidPayload, err)
	}

	subID := string(invoice.Subscription)
	if subID == "" {
		return outcomeSkipped, nil
	}

	err := p.store.MarkPastDue(ctx, subID)
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		// No local row references this subscription; nothing to reconcile
		// and redelivery will not create one.
		return outcomeAbsorbed, fmt.Errorf("invoice %s: subscription %s: %w", invoice.ID, subID, err)
	}
	if err != nil {
		return outcomeApplied, err
	}

	p.logger.Info("subscription marked past_due",
		billing.Field{Key: "provider_subscription_id", Value: subID})
	return outcomeApplied, nil
}

// handleSubscriptionUpdated refreshes tier, status and period bounds from the
// event payload. Provider statuses outside the recognized set map to active
// rather than erroring, so an unrecognized-but-benign status string never
// downgrades a paying user.
func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripesdk.Event) (outcome, error) {
	var sub subscriptionPayload
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return outcomeAbsorbed, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidPayload, err)
	}

	userID := sub.Metadata[metadataUserID]
	tierID := sub.Metadata[metadataTierID]
	if userID == "" || tierID == "" {
		return outcomeAbsorbed, fmt.Errorf("subscription %s: %w", sub.ID, billing.ErrMissingMetadata)
	}
	tier, ok := billing.ParseTier(tierID)
	if !ok {
		return outcomeAbsorbed, fmt.Errorf("subscription %s: unknown tierId %q: %w",
			sub.ID, tierID, billing.ErrMissingMetadata)
	}

	start, end := sub.periodBounds()
	state := billing.SubscriptionState{
		UserID:                 userID,
		Tier:                   tier,
		Status:                 billing.MapProviderStatus(sub.Status),
		ProviderSubscriptionID: sub.ID,
		ProviderCustomerID:     string(sub.Customer),
		CurrentPeriodStart:     epochToTime(start),
		CurrentPeriodEnd:       epochToTime(end),
	}
	if err := p.commit(ctx, state, event); err != nil {
		return outcomeApplied, err
	}
	return outcomeApplied, nil
}

// handleSubscriptionDeleted unconditionally downgrades to free/canceled. The
// provider subscription id and period bounds are cleared; the customer id is
// kept so a later resubscription reuses the same provider customer.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripesdk.Event) (outcome, error) {
	var sub subscriptionPayload
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return outcomeAbsorbed, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidPayload, err)
	}

	userID := sub.Metadata[metadataUserID]
	if userID == "" {
		return outcomeAbsorbed, fmt.Errorf("subscription %s: %w", sub.ID, billing.ErrMissingMetadata)
	}

	state := billing.SubscriptionState{
		UserID:             userID,
		Tier:               billing.TierFree,
		Status:             billing.StatusCanceled,
		ProviderCustomerID: string(sub.Customer),
	}
	if err := p.commit(ctx, state, event); err != nil {
		return outcomeApplied, err
	}
	return outcomeApplied, nil
}

// commit writes the state row, then reports the tier change and fires the
// OnReconciled callback. The state write is the primary effect; everything
// after it is best-effort.
func (p *Provider) commit(ctx context.Context, state billing.SubscriptionState, event *stripesdk.Event) error {
	previousTier := billing.TierFree
	if prev, err := p.store.GetSubscriptionState(ctx, state.UserID); err == nil {
		previousTier = prev.Tier
	}

	if err := p.store.UpsertSubscriptionState(ctx, state); err != nil {
		return err
	}

	if previousTier != state.Tier {
		p.metrics.RecordTierChange(providerName, previousTier, state.Tier)
	}

	if p.onReconciled != nil {
		rec := billing.ReconcileEvent{
			UserID:       state.UserID,
			PreviousTier: previousTier,
			NewTier:      state.Tier,
			Status:       state.Status,
			Provider:     providerName,
			EventType:    string(event.Type),
			EventID:      event.ID,
			OccurredAt:   time.Unix(event.Created, 0).UTC(),
		}
		if err := p.onReconciled(ctx, rec); err != nil {
			p.logger.Warn("reconcile callback failed",
				billing.Field{Key: "user_id", Value: state.UserID},
				billing.Field{Key: "error", Value: err.Error()})
		}
	}
	return nil
}
