package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/plantspack/billing/pkg/billing"
	"github.com/plantspack/billing/storage/memory"
)

// signBody computes a Stripe-Signature header over the exact body bytes.
func signBody(body []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), body)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventBody(t *testing.T, id, eventType string, object interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func postWebhook(t *testing.T, provider *Provider, body []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(body)))
	req.Header.Set("Stripe-Signature", sig)
	rr := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(rr, req)
	return rr
}

func TestWebhook_TamperedBodyRejected(t *testing.T) {
	store := newTrackingStore()
	provider := newTestProvider(t, store, nil, nil)

	body := eventBody(t, "evt_1", "customer.subscription.updated", map[string]interface{}{
		"id":       "sub_123",
		"status":   "active",
		"metadata": map[string]string{"userId": testUserID, "tierId": "medium"},
	})
	sig := signBody(body, testSecret, time.Now())

	// Tamper with the body after signing.
	tampered := []byte(strings.Replace(string(body), "medium", "premium", 1))
	rr := postWebhook(t, provider, tampered, sig)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["error"] != "Invalid signature" {
		t.Errorf("error = %q, want %q", resp["error"], "Invalid signature")
	}
	// The event must never reach the router.
	if len(store.upserts) != 0 {
		t.Errorf("tampered event reached the store: %d writes", len(store.upserts))
	}
	if len(store.Events()) != 0 {
		t.Errorf("tampered event reached the audit log")
	}
}

func TestWebhook_WrongSecretRejected(t *testing.T) {
	provider := newTestProvider(t, newTrackingStore(), nil, nil)

	body := eventBody(t, "evt_2", "customer.subscription.updated", map[string]interface{}{"id": "sub_1"})
	rr := postWebhook(t, provider, body, signBody(body, "whsec_other", time.Now()))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestWebhook_MissingSecretIsConfigurationError(t *testing.T) {
	provider, err := NewProvider(Config{
		Config:          billing.Config{Store: memory.New()},
		StripeAPIKey:    testAPIKey,
		SubscriptionAPI: &fakeSubscriptionAPI{},
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	body := eventBody(t, "evt_3", "customer.subscription.updated", map[string]interface{}{"id": "sub_1"})
	rr := postWebhook(t, provider, body, signBody(body, testSecret, time.Now()))

	// Distinct from a signature failure: 500 tells the operator to fix the
	// deployment and keeps Stripe retrying.
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["error"] != "Webhook processing failed" {
		t.Errorf("error = %q, want %q", resp["error"], "Webhook processing failed")
	}
}

func TestWebhook_UnrecognizedTypeAcknowledged(t *testing.T) {
	store := newTrackingStore()
	provider := newTestProvider(t, store, nil, nil)

	body := eventBody(t, "evt_4", "customer.tax_id.created", map[string]interface{}{"id": "txi_1"})
	rr := postWebhook(t, provider, body, signBody(body, testSecret, time.Now()))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp map[string]bool
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp["received"] {
		t.Errorf("response = %s, want received:true", rr.Body.String())
	}
	if len(store.upserts) != 0 {
		t.Errorf("unrecognized event mutated state")
	}

	// Still audited, typed as unrecognized.
	events := store.Events()
	if len(events) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(events))
	}
	if events[0].EventType != "unrecognized" {
		t.Errorf("audit event type = %q, want unrecognized", events[0].EventType)
	}
	if events[0].ProviderEventID != "evt_4" {
		t.Errorf("audit event id = %q, want evt_4", events[0].ProviderEventID)
	}
}

func TestWebhook_MissingMetadataAcknowledged(t *testing.T) {
	store := newTrackingStore()
	provider := newTestProvider(t, store, nil, nil)

	body := eventBody(t, "evt_5", "checkout.session.completed", map[string]interface{}{
		"id":           "cs_1",
		"metadata":     map[string]string{"userId": "user_7"},
		"subscription": "sub_999",
	})
	rr := postWebhook(t, provider, body, signBody(body, testSecret, time.Now()))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (retry cannot fix missing metadata)", rr.Code)
	}
	if len(store.upserts) != 0 {
		t.Errorf("partial state written")
	}
}

func TestWebhook_PersistenceFailureReturns500(t *testing.T) {
	store := newTrackingStore()
	store.upsertErr = fmt.Errorf("%w: disk full", billing.ErrPersistence)
	provider := newTestProvider(t, store, nil, nil)

	body := eventBody(t, "evt_6", "customer.subscription.updated", map[string]interface{}{
		"id":       "sub_123",
		"status":   "active",
		"metadata": map[string]string{"userId": testUserID, "tierId": "medium"},
	})
	rr := postWebhook(t, provider, body, signBody(body, testSecret, time.Now()))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 so the provider retries", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["error"] != "Webhook processing failed" {
		t.Errorf("error = %q, want %q", resp["error"], "Webhook processing failed")
	}
}

func TestWebhook_AppliedEventAudited(t *testing.T) {
	store := newTrackingStore()
	provider := newTestProvider(t, store, nil, nil)

	body := eventBody(t, "evt_7", "customer.subscription.updated", map[string]interface{}{
		"id":       "sub_123",
		"status":   "active",
		"customer": testCustomerID,
		"metadata": map[string]string{"userId": testUserID, "tierId": "premium"},
	})
	rr := postWebhook(t, provider, body, signBody(body, testSecret, time.Now()))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	events := store.Events()
	if len(events) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(events))
	}
	if events[0].EventType != "subscription_updated" {
		t.Errorf("audit event type = %q, want subscription_updated", events[0].EventType)
	}
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	provider := newTestProvider(t, newTrackingStore(), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil)
	rr := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}
