package stripe

import (
	"context"
	"errors"
	"net/http"
	"time"

	stripesdk "github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/plantspack/billing/pkg/billing"
	"github.com/plantspack/billing/pkg/billing/internal"
)

// outcome classifies how an event was handled. Skipped and absorbed outcomes
// are acknowledged with a 200 exactly like applied ones: unrecognized event
// types are routine, and redelivering an event with broken metadata cannot
// fix it.
type outcome int

const (
	outcomeApplied outcome = iota
	outcomeSkipped
	outcomeAbsorbed
)

func (o outcome) String() string {
	switch o {
	case outcomeApplied:
		return "applied"
	case outcomeSkipped:
		return "skipped"
	default:
		return "absorbed"
	}
}

// handleWebhook processes one inbound Stripe webhook request.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		// Configuration error, not a signature error: respond 500 so the
		// operator notices and Stripe keeps retrying until the secret is set.
		p.logger.Error("webhook secret not configured, rejecting event")
		p.metrics.RecordWebhookError(providerName, "not_configured")
		writeError(w, http.StatusInternalServerError, "Webhook processing failed")
		return
	}

	// The body must be read raw: the signature covers the exact bytes
	// received, before any JSON decoding.
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		} else {
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			writeError(w, http.StatusBadRequest, "Invalid payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEventWithOptions(body, sig, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		p.logger.Warn("webhook signature verification failed",
			billing.Field{Key: "remote", Value: internal.ClientIP(r)})
		p.metrics.RecordWebhookError(providerName, "signature_invalid")
		writeError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	kind := kindOf(string(event.Type))
	res, err := p.route(r.Context(), kind, &event)
	if err != nil && res != outcomeAbsorbed {
		p.logger.Error("webhook processing failed",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "event_type", Value: string(event.Type)},
			billing.Field{Key: "error", Value: err.Error()})
		p.metrics.RecordWebhookEvent(providerName, string(kind), "error")
		p.metrics.RecordWebhookProcessingDuration(providerName, string(kind), time.Since(startTime))
		writeError(w, http.StatusInternalServerError, "Webhook processing failed")
		return
	}
	if err != nil {
		// Absorbed business failure (e.g. missing metadata): acknowledged,
		// because asking Stripe to retry will not fix the event's data.
		p.logger.Warn("webhook event absorbed",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "event_type", Value: string(event.Type)},
			billing.Field{Key: "reason", Value: err.Error()})
	}

	p.recordEvent(r.Context(), kind, &event)

	p.metrics.RecordWebhookEvent(providerName, string(kind), res.String())
	p.metrics.RecordWebhookProcessingDuration(providerName, string(kind), time.Since(startTime))
	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// route dispatches a verified event to exactly one handler. Handlers never
// chain or compose.
func (p *Provider) route(ctx context.Context, kind eventKind, event *stripesdk.Event) (outcome, error) {
	switch kind {
	case eventCheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, event)
	case eventInvoicePaymentSucceeded:
		return p.handleInvoicePaymentSucceeded(ctx, event)
	case eventInvoicePaymentFailed:
		return p.handleInvoicePaymentFailed(ctx, event)
	case eventSubscriptionUpdated:
		return p.handleSubscriptionUpdated(ctx, event)
	case eventSubscriptionDeleted:
		return p.handleSubscriptionDeleted(ctx, event)
	case eventUnrecognized:
		// Expected and routine: the provider's event catalog evolves.
		p.logger.Debug("skipping unrecognized event type",
			billing.Field{Key: "event_type", Value: string(event.Type)})
		return outcomeSkipped, nil
	default:
		return outcomeSkipped, nil
	}
}

// recordEvent appends the event to the audit trail. Best-effort: a lost
// audit entry must not cause Stripe to retry an already-applied state change.
func (p *Provider) recordEvent(ctx context.Context, kind eventKind, event *stripesdk.Event) {
	rec := billing.EventRecord{
		ProviderEventID: event.ID,
		EventType:       string(kind),
		Payload:         []byte(event.Data.Raw),
		ProcessedAt:     time.Now().UTC(),
	}
	if err := p.store.RecordEvent(ctx, rec); err != nil {
		p.logger.Warn("event log write failed",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "error", Value: err.Error()})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	_ = internal.WriteJSON(w, code, map[string]string{"error": msg})
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
