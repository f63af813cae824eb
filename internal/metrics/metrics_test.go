package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordHelpers(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordHTTPRequest("GET", "/api/billing/plan", 200, 10*time.Millisecond)
	m.RecordHTTPRequest("GET", "/api/billing/plan", 200, 20*time.Millisecond)
	m.RecordCheckout("artist_pro", "unavailable")
	m.RecordEntitlementWrite("artist", true)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/billing/plan", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckoutSessionsTotal.WithLabelValues("artist_pro", "unavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EntitlementWrites.WithLabelValues("artist", "true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EntitlementHits.WithLabelValues("miss")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
		m.RecordWebhook("invoice.paid", "ok")
		m.RecordJob("expire_cancellations", "completed", time.Second)
	})
}
