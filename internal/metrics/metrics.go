// Package metrics holds the Prometheus collectors for the billing service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "distro"

// Metrics holds all application collectors.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Billing
	CheckoutSessionsTotal *prometheus.CounterVec
	PortalSessionsTotal   *prometheus.CounterVec
	WebhookEventsTotal    *prometheus.CounterVec
	EntitlementWrites     *prometheus.CounterVec

	// Worker
	JobsTotal       *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	EntitlementHits *prometheus.CounterVec
}

// New registers every collector on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		CheckoutSessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "checkout_sessions_total",
				Help:      "Checkout session attempts by plan and outcome",
			},
			[]string{"plan", "outcome"},
		),
		PortalSessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "portal_sessions_total",
				Help:      "Billing portal session attempts by outcome",
			},
			[]string{"outcome"},
		),
		WebhookEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "webhook_events_total",
				Help:      "Processor webhook events by type and result",
			},
			[]string{"type", "result"},
		),
		EntitlementWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "entitlement_writes_total",
				Help:      "Entitlement writes by role category and value",
			},
			[]string{"category", "entitled"},
		),
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "jobs_total",
				Help:      "Processed jobs by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "job_duration_seconds",
				Help:      "Job handler duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"type"},
		),
		EntitlementHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "entitlement_lookups_total",
				Help:      "Entitlement cache lookups by result",
			},
			[]string{"result"},
		),
	}
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordCheckout counts a checkout attempt.
func (m *Metrics) RecordCheckout(plan, outcome string) {
	if m == nil {
		return
	}
	m.CheckoutSessionsTotal.WithLabelValues(plan, outcome).Inc()
}

// RecordPortal counts a portal attempt.
func (m *Metrics) RecordPortal(outcome string) {
	if m == nil {
		return
	}
	m.PortalSessionsTotal.WithLabelValues(outcome).Inc()
}

// RecordWebhook counts a processed webhook event.
func (m *Metrics) RecordWebhook(eventType, result string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
}

// RecordEntitlementWrite counts an entitlement write.
func (m *Metrics) RecordEntitlementWrite(category string, entitled bool) {
	if m == nil {
		return
	}
	m.EntitlementWrites.WithLabelValues(category, strconv.FormatBool(entitled)).Inc()
}

// RecordJob counts a finished job and its duration.
func (m *Metrics) RecordJob(jobType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(jobType, outcome).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// RecordCacheLookup counts an entitlement cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.EntitlementHits.WithLabelValues(result).Inc()
}
