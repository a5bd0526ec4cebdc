// Package metrics exposes the module's Prometheus surface and a small
// in-memory ledger mirroring it for the legacy /map/metrics/json
// endpoint (SPEC_FULL.md §10.3). Collectors are package-level vars
// registered in init, matching the teacher's metrics package shape.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "langhook_ingest_requests_total",
			Help: "Total number of ingest requests by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	MappingFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "langhook_mapping_failures_total",
			Help: "Total number of mapping failures by source",
		},
		[]string{"source"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "langhook_events_published_total",
			Help: "Total number of canonical events published by publisher",
		},
		[]string{"publisher"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "langhook_deliveries_total",
			Help: "Total number of webhook delivery attempts by subscription and outcome",
		},
		[]string{"subscription_id", "outcome"},
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "langhook_delivery_duration_seconds",
			Help:    "Webhook delivery duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subscription_id"},
	)

	GateEstimatedTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "langhook_gate_estimated_tokens_total",
			Help: "Estimated tokens consumed by gate evaluations, by subscription and model",
		},
		[]string{"subscription_id", "model"},
	)

	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "langhook_active_subscriptions",
			Help: "Number of subscription consumers currently running",
		},
	)
)

func init() {
	prometheus.MustRegister(IngestRequestsTotal)
	prometheus.MustRegister(MappingFailuresTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(DeliveryDuration)
	prometheus.MustRegister(GateEstimatedTokensTotal)
	prometheus.MustRegister(ActiveSubscriptions)
}

// Handler serves the standard Prometheus text exposition format at
// GET /map/metrics (§6).
func Handler() http.Handler {
	return promhttp.Handler()
}

// GateLedger is an in-memory running total of estimated gate tokens per
// (subscription_id, model) pair, exposed as JSON at GET /map/metrics/json
// for parity with the reference implementation's budget.py surface
// (SPEC_FULL.md §10.3). The Prometheus counter above is the durable,
// scrape-friendly version of the same number; this is the quick
// human/API-readable one.
type GateLedger struct {
	mu      sync.Mutex
	entries map[gateKey]int
}

type gateKey struct {
	subscriptionID string
	model          string
}

func NewGateLedger() *GateLedger {
	return &GateLedger{entries: make(map[gateKey]int)}
}

// ObserveGateTokens implements subscription.GateMetricsSink.
func (l *GateLedger) ObserveGateTokens(subscriptionID, model string, tokens int) {
	GateEstimatedTokensTotal.WithLabelValues(subscriptionID, model).Add(float64(tokens))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[gateKey{subscriptionID, model}] += tokens
}

// GateUsage is one row of the /map/metrics/json ledger dump.
type GateUsage struct {
	SubscriptionID  string `json:"subscription_id"`
	Model           string `json:"model"`
	EstimatedTokens int    `json:"estimated_tokens"`
}

// Snapshot returns every tracked (subscription, model) pair's running
// total, for the JSON metrics endpoint.
func (l *GateLedger) Snapshot() []GateUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]GateUsage, 0, len(l.entries))
	for k, tokens := range l.entries {
		out = append(out, GateUsage{SubscriptionID: k.subscriptionID, Model: k.model, EstimatedTokens: tokens})
	}
	return out
}

// MappingFailureSink implements canonicalizer.MetricsSink.
type MappingFailureSink struct{}

func (MappingFailureSink) IncMappingFailure(source, reason string) {
	_ = reason
	MappingFailuresTotal.WithLabelValues(source).Inc()
}
