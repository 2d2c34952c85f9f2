package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestBillingMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBillingMetrics(reg, "test")

	m.EventReceived("invoice.payment_failed")
	m.EventOutcome("invoice.payment_failed", false, false)
	m.EventOutcome("invoice.payment_failed", true, false)
	m.EventOutcome("invoice.payment_failed", false, true)
	m.Transition("past_due", "suspended")
	m.Transition("past_due", "past_due")
	m.SyncJob("crm", "completed", 0.1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsReceived.WithLabelValues("invoice.payment_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsApplied.WithLabelValues("invoice.payment_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDuplicated.WithLabelValues("invoice.payment_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsIgnored.WithLabelValues("invoice.payment_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Suspensions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncJobs.WithLabelValues("crm", "completed")))
}

func TestBillingMetrics_NilIsNoop(t *testing.T) {
	var m *BillingMetrics
	assert.NotPanics(t, func() {
		m.EventReceived("x")
		m.EventOutcome("x", false, false)
		m.Transition("active", "past_due")
		m.RetryCharge("paid", 1)
		m.RetryScan("ran", 2)
		m.SyncJob("crm", "retry", 1)
		m.ObserveWebhook("ok", 0.1)
	})
}
