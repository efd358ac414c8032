package stripe

import (
	"encoding/json"
	"time"
)

// eventKind is the local, canonical event vocabulary. The router maps
// Stripe's wire types onto it and switches exhaustively, so a new recognized
// type cannot be silently mis-handled.
type eventKind string

const (
	eventCheckoutCompleted       eventKind = "checkout_completed"
	eventInvoicePaymentSucceeded eventKind = "invoice_payment_succeeded"
	eventInvoicePaymentFailed    eventKind = "invoice_payment_failed"
	eventSubscriptionUpdated     eventKind = "subscription_updated"
	eventSubscriptionDeleted     eventKind = "subscription_deleted"
	eventUnrecognized            eventKind = "unrecognized"
)

func kindOf(stripeType string) eventKind {
	switch stripeType {
	case "checkout.session.completed":
		return eventCheckoutCompleted
	case "invoice.payment_succeeded":
		return eventInvoicePaymentSucceeded
	case "invoice.payment_failed":
		return eventInvoicePaymentFailed
	case "customer.subscription.updated":
		return eventSubscriptionUpdated
	case "customer.subscription.deleted":
		return eventSubscriptionDeleted
	default:
		return eventUnrecognized
	}
}

// idOrObject unmarshals a Stripe reference that arrives either as a bare id
// string or as an expanded object with an "id" field.
type idOrObject string

func (i *idOrObject) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*i = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*i = idOrObject(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*i = idOrObject(obj.ID)
	return nil
}

// checkoutSessionPayload is the slice of a checkout.session.completed event
// the reconciler reads. Metadata must carry userId and tierId.
type checkoutSessionPayload struct {
	ID           string            `json:"id"`
	Metadata     map[string]string `json:"metadata"`
	Subscription idOrObject        `json:"subscription"`
	Customer     idOrObject        `json:"customer"`
}

// invoicePayload is the slice of an invoice.* event the reconciler reads.
type invoicePayload struct {
	ID           string     `json:"id"`
	Subscription idOrObject `json:"subscription"`
	Customer     idOrObject `json:"customer"`
}

// subscriptionPayload is the slice of a customer.subscription.* event the
// reconciler reads. Period bounds appear on the items in current API
// versions and at the top level in older ones; both are checked.
type subscriptionPayload struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Customer           idOrObject        `json:"customer"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// periodBounds resolves the billing-period bounds, preferring item-level
// values.
func (s *subscriptionPayload) periodBounds() (start, end int64) {
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			start = item.CurrentPeriodStart
			end = item.CurrentPeriodEnd
		}
	}
	if end == 0 {
		start = s.CurrentPeriodStart
		end = s.CurrentPeriodEnd
	}
	return start, end
}

// epochToTime converts provider epoch seconds to a UTC timestamp pointer,
// nil for the zero value.
func epochToTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
