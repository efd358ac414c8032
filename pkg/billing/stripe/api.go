package stripe

import (
	"context"
	"fmt"

	stripesdk "github.com/stripe/stripe-go/v83"
)

// Subscription is the provider-side snapshot the reconciler needs: checkout
// events do not carry full period data, so handlers re-fetch the subscription
// object and read ids, status, metadata and period bounds from it.
type Subscription struct {
	ID          string
	CustomerID  string
	Status      string
	Metadata    map[string]string
	PeriodStart int64 // epoch seconds, 0 when unknown
	PeriodEnd   int64
}

// SubscriptionAPI is the outbound surface to Stripe. Timeouts and retries on
// these calls belong to the SDK; failures propagate to the webhook response
// so Stripe's own retry mechanism re-delivers the event.
type SubscriptionAPI interface {
	// GetSubscription retrieves a subscription by id, expanded to include
	// the default payment method and latest invoice.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// ListActiveSubscriptions returns the customer's active subscriptions.
	ListActiveSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error)
}

// subscriptionClient is the Stripe-backed SubscriptionAPI.
type subscriptionClient struct {
	client *stripesdk.Client
}

func newSubscriptionClient(client *stripesdk.Client) *subscriptionClient {
	return &subscriptionClient{client: client}
}

func (c *subscriptionClient) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripesdk.SubscriptionRetrieveParams{}
	params.AddExpand("default_payment_method")
	params.AddExpand("latest_invoice")

	sub, err := c.client.V1Subscriptions.Retrieve(ctx, id, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve subscription %s: %w", id, err)
	}
	return fromStripeSubscription(sub), nil
}

func (c *subscriptionClient) ListActiveSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error) {
	params := &stripesdk.SubscriptionListParams{}
	params.Customer = stripesdk.String(customerID)
	params.Status = stripesdk.String("active")

	var subs []*Subscription
	for sub, err := range c.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("list subscriptions for %s: %w", customerID, err)
		}
		subs = append(subs, fromStripeSubscription(sub))
	}
	return subs, nil
}

func fromStripeSubscription(sub *stripesdk.Subscription) *Subscription {
	s := &Subscription{
		ID:       sub.ID,
		Status:   string(sub.Status),
		Metadata: sub.Metadata,
	}
	if sub.Customer != nil {
		s.CustomerID = sub.Customer.ID
	}
	// Period bounds live on the subscription items in current API versions.
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.CurrentPeriodEnd > s.PeriodEnd {
				s.PeriodStart = item.CurrentPeriodStart
				s.PeriodEnd = item.CurrentPeriodEnd
			}
		}
	}
	return s
}
