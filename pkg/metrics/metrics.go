// Package metrics defines the Prometheus collectors used across the pipeline
// processes and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	RecordsConsumedTotal     *prometheus.CounterVec
	RecordsDeadLetteredTotal *prometheus.CounterVec
	StageOutcomesTotal       *prometheus.CounterVec
	StageLatency             *prometheus.HistogramVec
	BrokerErrorsTotal        *prometheus.CounterVec
	PhotosBufferedTotal      prometheus.Counter
	BatchesSubmittedTotal    prometheus.Counter
	BatchesCancelledTotal    prometheus.Counter
	DuplicateReceiptsTotal   prometheus.Counter
	LineItemFailuresTotal    prometheus.Counter
	ResponsesDeliveredTotal  *prometheus.CounterVec
	CircuitBreakerState      *prometheus.GaugeVec
	ExternalRequestsTotal    *prometheus.CounterVec
	ExternalRequestDuration  *prometheus.HistogramVec
	ExternalRequestsInFlight *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. Production code
// passes prometheus.DefaultRegisterer; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_records_consumed_total",
				Help: "Total stream records read by a stage consumer.",
			},
			[]string{"stream"},
		),
		RecordsDeadLetteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_records_dead_lettered_total",
				Help: "Records whose processing failed and were copied to the dead-letter stream.",
			},
			[]string{"stream"},
		),
		StageOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stage_outcomes_total",
				Help: "Terminal outcome per stage by response status (ok, ok-todo, warning, error, dropped).",
			},
			[]string{"stage", "status"},
		),
		StageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stage_latency_seconds",
				Help:    "Time spent processing one record, per stage.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180},
			},
			[]string{"stage"},
		),
		BrokerErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_errors_total",
				Help: "Broker read failures followed by a backoff.",
			},
			[]string{"stream"},
		),
		PhotosBufferedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "intake_photos_buffered_total",
				Help: "Photos accepted into a session batch.",
			},
		),
		BatchesSubmittedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "intake_batches_submitted_total",
				Help: "Photo batches submitted to the OCR stream after the debounce window.",
			},
		),
		BatchesCancelledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "intake_batches_cancelled_total",
				Help: "Photo batches discarded by an explicit cancel command.",
			},
		),
		DuplicateReceiptsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "persist_duplicate_receipts_total",
				Help: "Receipts skipped because the (store, number, date) triple already exists.",
			},
		),
		LineItemFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "persist_line_item_failures_total",
				Help: "Line item rows that failed to insert.",
			},
		),
		ResponsesDeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "responses_delivered_total",
				Help: "Response messages handled by the router by delivery result.",
			},
			[]string{"result"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		ExternalRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "external_requests_total",
				Help: "Outbound HTTP calls to external services by status code.",
			},
			[]string{"service", "method", "status"},
		),
		ExternalRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "external_request_duration_seconds",
				Help:    "Outbound HTTP call latency per external service.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180},
			},
			[]string{"service"},
		),
		ExternalRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "external_requests_in_flight",
				Help: "Outbound HTTP calls currently waiting for a response.",
			},
			[]string{"service"},
		),
	}

	reg.MustRegister(
		m.RecordsConsumedTotal,
		m.RecordsDeadLetteredTotal,
		m.StageOutcomesTotal,
		m.StageLatency,
		m.BrokerErrorsTotal,
		m.PhotosBufferedTotal,
		m.BatchesSubmittedTotal,
		m.BatchesCancelledTotal,
		m.DuplicateReceiptsTotal,
		m.LineItemFailuresTotal,
		m.ResponsesDeliveredTotal,
		m.CircuitBreakerState,
		m.ExternalRequestsTotal,
		m.ExternalRequestDuration,
		m.ExternalRequestsInFlight,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Outcome counts one terminal stage outcome. It is a no-op on a nil Metrics.
func (m *Metrics) Outcome(stage, status string) {
	if m == nil {
		return
	}
	m.StageOutcomesTotal.WithLabelValues(stage, status).Inc()
}

// SetBreakerState records a circuit breaker transition. state uses the
// resilience.State numbering.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
