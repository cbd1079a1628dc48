// Package metrics holds the Prometheus collectors for the relay: the HTTP
// ops surface plus the dispatch queue, prompt assembly and generation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics encapsulates Prometheus metrics for the relay.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP surface
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec
	RateLimitHits   *prometheus.CounterVec

	// Dispatch queue
	MentionsTotal      *prometheus.CounterVec
	ChannelsProcessing prometheus.Gauge
	BacklogLength      prometheus.Gauge
	BacklogDropped     prometheus.Counter
	QueueWait          prometheus.Histogram

	// Prompt assembly and generation
	PromptTokens       *prometheus.HistogramVec
	RetainedMessages   prometheus.Histogram
	GenerationDuration *prometheus.HistogramVec
	RepliesTotal       *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with a custom registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		ActiveRequests: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_http_active_requests",
				Help: "Number of currently active HTTP requests",
			},
			[]string{"endpoint"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_rate_limit_hits_total",
				Help: "Total number of rate limit hits by client",
			},
			[]string{"client"},
		),
		MentionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_mentions_total",
				Help: "Mentions accepted by the dispatcher, by whether they started at once or were queued",
			},
			[]string{"admission"},
		),
		ChannelsProcessing: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_channels_processing",
				Help: "Number of channels with a generation in flight",
			},
		),
		BacklogLength: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_backlog_length",
				Help: "Mentions waiting behind an in-flight generation, across all channels",
			},
		),
		BacklogDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_backlog_dropped_total",
				Help: "Queued mentions discarded at shutdown",
			},
		),
		QueueWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_queue_wait_seconds",
				Help:    "Time from intake to start of processing",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),
		PromptTokens: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_prompt_tokens",
				Help:    "Token count of assembled prompts by mode",
				Buckets: prometheus.LinearBuckets(0, 128, 9),
			},
			[]string{"mode"},
		),
		RetainedMessages: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_prompt_retained_messages",
				Help:    "History messages retained in continuation prompts",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
			},
		),
		GenerationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_generation_duration_seconds",
				Help:    "Duration of generation calls by outcome",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"outcome"},
		),
		RepliesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_replies_total",
				Help: "Replies by outcome (sent, failed, fallback)",
			},
			[]string{"outcome"},
		),
	}

	// Register default Go metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Initialize some default metrics
	m.RequestsTotal.WithLabelValues("/health", "200").Add(0)
	m.RequestsTotal.WithLabelValues("/metrics", "200").Add(0)
	m.RequestDuration.WithLabelValues("/health").Observe(0)
	m.RequestDuration.WithLabelValues("/metrics").Observe(0)
	m.MentionsTotal.WithLabelValues("started").Add(0)
	m.MentionsTotal.WithLabelValues("queued").Add(0)

	return m
}

// Handler returns a handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: false, // Disable OpenMetrics format to avoid escaping=values
	})
}
