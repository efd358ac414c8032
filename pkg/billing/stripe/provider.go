// Package stripe implements the billing.Provider interface for Stripe: it
// verifies inbound webhook signatures, routes each event to exactly one
// reconciliation handler, and keeps the subscription state store aligned with
// Stripe as the source of truth.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	stripesdk "github.com/stripe/stripe-go/v83"

	"github.com/plantspack/billing/pkg/billing"
	"github.com/plantspack/billing/pkg/billing/internal"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024

	metadataUserID = "userId"
	metadataTierID = "tierId"
)

// Config extends billing.Config with Stripe-specific options.
type Config struct {
	billing.Config // Base config (Store, Granter, WebhookSecret, etc.)

	// Stripe-specific. When set, these take precedence over the base
	// APIKey/WebhookSecret fields.
	StripeAPIKey        string
	StripeWebhookSecret string

	// SubscriptionAPI overrides the Stripe-backed subscription client.
	// Injection hook for tests and custom transports; nil means the real
	// Stripe API is used.
	SubscriptionAPI SubscriptionAPI
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	store         billing.Store
	granter       billing.Granter
	api           SubscriptionAPI
	webhookSecret string
	rateLimiter   *internal.RateLimiter
	logger        billing.Logger
	metrics       billing.Metrics
	onReconciled  func(ctx context.Context, event billing.ReconcileEvent) error
}

// NewProvider creates a new Stripe billing provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, billing.ErrNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}

	api := config.SubscriptionAPI
	if api == nil {
		if apiKey == "" {
			return nil, billing.ErrNotConfigured
		}
		api = newSubscriptionClient(stripesdk.NewClient(apiKey))
	}

	secret := strings.TrimSpace(config.StripeWebhookSecret)
	if secret == "" {
		secret = strings.TrimSpace(config.WebhookSecret)
	}
	// An empty secret is allowed here: the webhook handler rejects every
	// request with a configuration error until the operator fixes it, which
	// keeps "deployment misconfigured" distinguishable from "forged request".

	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		store:         config.Store,
		granter:       config.Granter,
		api:           api,
		webhookSecret: secret,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		logger:        logger,
		metrics:       metrics,
		onReconciled:  config.OnReconciled,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks.
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	return p.rateLimiter.Middleware(handler)
}
