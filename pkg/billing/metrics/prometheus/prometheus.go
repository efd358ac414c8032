// Package prommetrics implements billing.Metrics using Prometheus.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/plantspack/billing/pkg/billing"
)

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	tierChangesTotal          *prometheus.CounterVec
	storeFallbacksTotal       *prometheus.CounterVec
	grantsTotal               *prometheus.CounterVec
	userSyncTotal             *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation for the
// subscription reconciler.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events received from billing providers.",
		}, []string{"provider", "event_type", "status"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_errors_total",
			Help:      "Total number of webhook processing errors.",
		}, []string{"provider", "error_type"}),

		tierChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "tier_changes_total",
			Help:      "Total number of subscription tier changes.",
		}, []string{"provider", "from_tier", "to_tier"}),

		storeFallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "store_fallbacks_total",
			Help:      "Times the primary state-write path failed and the fallback was attempted.",
		}, []string{"provider"}),

		grantsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "promo_grants_total",
			Help:      "Outcomes of promotional grant attempts.",
		}, []string{"provider", "result"}),

		userSyncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "user_sync_total",
			Help:      "Total number of user reconciliation-sync operations.",
		}, []string{"provider", "status"}),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordTierChange(provider string, fromTier, toTier billing.Tier) {
	m.tierChangesTotal.WithLabelValues(provider, string(fromTier), string(toTier)).Inc()
}

func (m *Metrics) RecordStoreFallback(provider string) {
	m.storeFallbacksTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordGrant(provider string, result billing.GrantResult) {
	m.grantsTotal.WithLabelValues(provider, result.String()).Inc()
}

func (m *Metrics) RecordUserSync(provider, status string) {
	m.userSyncTotal.WithLabelValues(provider, status).Inc()
}
