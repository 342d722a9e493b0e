package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	DocumentsIssued     *prometheus.CounterVec
	Verifications       *prometheus.CounterVec
	SealDuration        prometheus.Histogram
	OpenDuration        prometheus.Histogram
	AnchorLatency       *prometheus.HistogramVec
	AnchorFailures      *prometheus.CounterVec
	AnchorCircuitOpen   prometheus.Gauge
	AnchorPending       prometheus.Gauge
	AnchorReconciled    prometheus.Counter
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on reg. Pass prometheus.DefaultRegisterer
// in main and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DocumentsIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docseal_documents_issued_total",
			Help: "Sealed documents issued, by document type and anchor status",
		}, []string{"document_type", "anchor_status"}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docseal_verifications_total",
			Help: "Envelope verification outcomes, by internal failure reason",
		}, []string{"outcome", "reason"}),
		SealDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "docseal_seal_duration_seconds",
			Help:    "Time to generate, anchor, sign and seal a document",
			Buckets: prometheus.DefBuckets,
		}),
		OpenDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "docseal_open_duration_seconds",
			Help:    "Time to open and verify an envelope",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		AnchorLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docseal_anchor_submit_duration_seconds",
			Help:    "Anchoring backend latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
		AnchorFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docseal_anchor_failures_total",
			Help: "Anchoring failures by backend and category",
		}, []string{"backend", "category"}),
		AnchorCircuitOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "docseal_anchor_circuit_open",
			Help: "1 while the anchoring circuit breaker is open",
		}),
		AnchorPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "docseal_anchor_pending",
			Help: "Digests waiting for reconciliation",
		}),
		AnchorReconciled: f.NewCounter(prometheus.CounterOpts{
			Name: "docseal_anchor_reconciled_total",
			Help: "Pending digests later anchored by the reconciler",
		}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docseal_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) IncDocumentIssued(docType, anchorStatus string) {
	m.DocumentsIssued.WithLabelValues(docType, anchorStatus).Inc()
}

func (m *Metrics) IncVerification(outcome, reason string) {
	m.Verifications.WithLabelValues(outcome, reason).Inc()
}

func (m *Metrics) ObserveSeal(d time.Duration) { m.SealDuration.Observe(d.Seconds()) }
func (m *Metrics) ObserveOpen(d time.Duration) { m.OpenDuration.Observe(d.Seconds()) }

func (m *Metrics) ObserveAnchorLatency(backend string, d time.Duration) {
	m.AnchorLatency.WithLabelValues(backend).Observe(d.Seconds())
}

func (m *Metrics) IncAnchorFailure(backend, category string) {
	m.AnchorFailures.WithLabelValues(backend, category).Inc()
}

func (m *Metrics) SetAnchorCircuitOpen(open bool) {
	if open {
		m.AnchorCircuitOpen.Set(1)
		return
	}
	m.AnchorCircuitOpen.Set(0)
}

func (m *Metrics) SetAnchorPending(n int) { m.AnchorPending.Set(float64(n)) }
func (m *Metrics) IncAnchorReconciled()   { m.AnchorReconciled.Inc() }

func (m *Metrics) ObserveHTTPRequest(method, route, status string, d time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}
