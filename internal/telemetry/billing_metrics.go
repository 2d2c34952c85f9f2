package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BillingMetrics holds Prometheus metrics for the billing engine.
// A nil *BillingMetrics is valid and records nothing.
type BillingMetrics struct {
	// Webhooks
	EventsReceived   *prometheus.CounterVec
	EventsApplied    *prometheus.CounterVec
	EventsDuplicated *prometheus.CounterVec
	EventsIgnored    *prometheus.CounterVec
	WebhookLatency   *prometheus.HistogramVec

	// Subscription lifecycle
	Transitions *prometheus.CounterVec
	Suspensions prometheus.Counter

	// Retry scheduler
	RetryCharges  *prometheus.CounterVec
	RetryScans    *prometheus.CounterVec
	RetryClaimed  prometheus.Counter
	ChargeLatency prometheus.Histogram

	// Downstream sync jobs
	SyncJobs        *prometheus.CounterVec
	SyncJobDuration *prometheus.HistogramVec
}

// NewBillingMetrics creates the billing metrics and registers them with reg.
func NewBillingMetrics(reg prometheus.Registerer, namespace string) *BillingMetrics {
	if namespace == "" {
		namespace = "hearth"
	}
	factory := promauto.With(reg)

	return &BillingMetrics{
		// =======================================================================
		// Webhooks
		// =======================================================================
		EventsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "events_received_total",
				Help:      "Processor events received, by type",
			},
			[]string{"event_type"},
		),
		EventsApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "events_applied_total",
				Help:      "Processor events applied to a subscription, by type",
			},
			[]string{"event_type"},
		),
		EventsDuplicated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "events_duplicated_total",
				Help:      "Redelivered processor events dropped by the ledger",
			},
			[]string{"event_type"},
		),
		EventsIgnored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "events_ignored_total",
				Help:      "Stale or irrelevant processor events",
			},
			[]string{"event_type"},
		),
		WebhookLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "latency_seconds",
				Help:      "Webhook handling latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		// =======================================================================
		// Subscription lifecycle
		// =======================================================================
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "transitions_total",
				Help:      "Subscription status transitions",
			},
			[]string{"from", "to"},
		),
		Suspensions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "suspensions_total",
				Help:      "Subscriptions suspended after exhausting retries",
			},
		),

		// =======================================================================
		// Retry scheduler
		// =======================================================================
		RetryCharges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retry",
				Name:      "charges_total",
				Help:      "Scheduled retry charges, by outcome",
			},
			[]string{"outcome"}, // paid, unpaid, declined, transient, error
		),
		RetryScans: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retry",
				Name:      "scans_total",
				Help:      "Retry scan ticks, by result",
			},
			[]string{"result"}, // ran, locked, error
		),
		RetryClaimed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retry",
				Name:      "claimed_total",
				Help:      "Past-due subscriptions claimed for a retry charge",
			},
		),
		ChargeLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "retry",
				Name:      "charge_latency_seconds",
				Help:      "Processor retry charge latency",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		// =======================================================================
		// Downstream sync jobs
		// =======================================================================
		SyncJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "jobs_total",
				Help:      "Downstream sync job runs, by sink and outcome",
			},
			[]string{"sink", "outcome"}, // completed, retry, exhausted
		),
		SyncJobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "job_duration_seconds",
				Help:      "Downstream sync job duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"sink"},
		),
	}
}

// EventReceived counts an inbound processor event.
func (m *BillingMetrics) EventReceived(eventType string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(eventType).Inc()
}

// EventOutcome counts how an event was handled: applied, duplicate or ignored.
func (m *BillingMetrics) EventOutcome(eventType string, duplicate, ignored bool) {
	if m == nil {
		return
	}
	switch {
	case duplicate:
		m.EventsDuplicated.WithLabelValues(eventType).Inc()
	case ignored:
		m.EventsIgnored.WithLabelValues(eventType).Inc()
	default:
		m.EventsApplied.WithLabelValues(eventType).Inc()
	}
}

// ObserveWebhook records webhook latency.
func (m *BillingMetrics) ObserveWebhook(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.WebhookLatency.WithLabelValues(outcome).Observe(seconds)
}

// Transition counts a status transition.
func (m *BillingMetrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
	if to == "suspended" && from != to {
		m.Suspensions.Inc()
	}
}

// RetryCharge counts a scheduled charge outcome.
func (m *BillingMetrics) RetryCharge(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RetryCharges.WithLabelValues(outcome).Inc()
	m.ChargeLatency.Observe(seconds)
}

// RetryScan counts a scan tick.
func (m *BillingMetrics) RetryScan(result string, claimed int) {
	if m == nil {
		return
	}
	m.RetryScans.WithLabelValues(result).Inc()
	m.RetryClaimed.Add(float64(claimed))
}

// SyncJob counts a sync job run.
func (m *BillingMetrics) SyncJob(sink, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.SyncJobs.WithLabelValues(sink, outcome).Inc()
	m.SyncJobDuration.WithLabelValues(sink).Observe(seconds)
}
