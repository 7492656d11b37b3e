// Package metrics exports the service's Prometheus registry: ingest
// throughput, resolver decision mix, graph size, and HTTP latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Notice terminal statuses recorded against NoticesTotal.
const (
	StatusAccepted  = "accepted"
	StatusMalformed = "malformed"
	StatusFailed    = "failed"
)

// Registry holds every metric the service exports. One instance per
// process, shared by the pipeline and the HTTP server.
type Registry struct {
	// Ingest
	NoticesTotal    *prometheus.CounterVec
	ProcessDuration *prometheus.HistogramVec
	Decisions       *prometheus.CounterVec
	Reevaluations   *prometheus.CounterVec

	// Graph size
	GraphNodes     prometheus.Gauge
	GraphCanonical prometheus.Gauge
	GraphEdges     prometheus.Gauge
	OpenCases      prometheus.Gauge

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewRegistry creates a registry with all metrics initialized.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.initIngestMetrics()
	r.initGraphMetrics()
	r.initHTTPMetrics()
	return r
}

func (r *Registry) initIngestMetrics() {
	r.NoticesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "afterglow_notices_total",
			Help: "Notices processed, by source and terminal status",
		},
		[]string{"source", "status"},
	)

	r.ProcessDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "afterglow_process_duration_seconds",
			Help:    "End-to-end processing time of one notice",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"source"},
	)

	r.Decisions = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "afterglow_decisions_total",
			Help: "Resolver decisions, by outcome",
		},
		[]string{"outcome"},
	)

	r.Reevaluations = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "afterglow_case_reevaluations_total",
			Help: "Ambiguous case re-scorings after corroboration, by result",
		},
		[]string{"result"},
	)
}

func (r *Registry) initGraphMetrics() {
	r.GraphNodes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "afterglow_graph_nodes",
			Help: "Transient nodes in the graph, superseded included",
		},
	)

	r.GraphCanonical = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "afterglow_graph_canonical_nodes",
			Help: "Canonical (non-superseded) transient nodes",
		},
	)

	r.GraphEdges = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "afterglow_graph_edges",
			Help: "Edges in the graph",
		},
	)

	r.OpenCases = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "afterglow_open_cases",
			Help: "Ambiguous cases awaiting resolution",
		},
	)
}

func (r *Registry) initHTTPMetrics() {
	r.HTTPRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "afterglow_http_requests_total",
			Help: "HTTP requests, by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	r.HTTPRequestDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "afterglow_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"path"},
	)
}

// RecordNotice accounts one processed notice.
func (r *Registry) RecordNotice(source, status string, d time.Duration) {
	r.NoticesTotal.WithLabelValues(source, status).Inc()
	r.ProcessDuration.WithLabelValues(source).Observe(d.Seconds())
}

// RecordDecision accounts one resolver outcome.
func (r *Registry) RecordDecision(outcome string) {
	r.Decisions.WithLabelValues(outcome).Inc()
}

// RecordReevaluation accounts one case re-scoring.
func (r *Registry) RecordReevaluation(settled bool) {
	result := "open"
	if settled {
		result = "settled"
	}
	r.Reevaluations.WithLabelValues(result).Inc()
}

// SetGraphSize publishes the store's size counters.
func (r *Registry) SetGraphSize(nodes, canonical, edges, openCases int) {
	r.GraphNodes.Set(float64(nodes))
	r.GraphCanonical.Set(float64(canonical))
	r.GraphEdges.Set(float64(edges))
	r.OpenCases.Set(float64(openCases))
}

// RecordHTTPRequest accounts one served request.
func (r *Registry) RecordHTTPRequest(method, path, status string, d time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(path).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
