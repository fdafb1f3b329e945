// Package metrics wires up the gateway's Prometheus metrics. Grounded on
// common::stats::{IncrementingMetric, RecordingMetric} and the metric
// names read off self.metrics in llm_gateway/src/stream_context.rs and
// prompt_gateway/src/stream_context.rs: request_latency,
// time_to_first_token, time_per_output_token, tokens_per_second,
// input_sequence_length, output_sequence_length, ratelimited_rq, and the
// active_http_calls gauge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every metric the egress and prompt-gateway filters
// record against. Each field is labeled by "model" except
// active_http_calls, which counts in-flight dispatches across every
// model.
type Metrics struct {
	RequestLatency      *prometheus.HistogramVec
	TimeToFirstToken    *prometheus.HistogramVec
	TimePerOutputToken  *prometheus.HistogramVec
	TokensPerSecond     *prometheus.HistogramVec
	InputSequenceLength *prometheus.HistogramVec
	OutputSequenceLength *prometheus.HistogramVec
	RatelimitedRequests *prometheus.CounterVec
	ActiveHTTPCalls     prometheus.Gauge
}

// New registers every gateway metric against reg and returns the
// populated Metrics. Pass prometheus.NewRegistry() in tests to avoid
// colliding with the default global registry across test runs.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archgw",
			Name:      "request_latency_ms",
			Help:      "End-to-end latency of a chat-completions request, in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"model"}),
		TimeToFirstToken: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archgw",
			Name:      "time_to_first_token_ms",
			Help:      "Time from request dispatch to the first streamed token, in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"model"}),
		TimePerOutputToken: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archgw",
			Name:      "time_per_output_token_ms",
			Help:      "Average milliseconds per generated output token.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"model"}),
		TokensPerSecond: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archgw",
			Name:      "tokens_per_second",
			Help:      "Output tokens generated per second.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"model"}),
		InputSequenceLength: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archgw",
			Name:      "input_sequence_length",
			Help:      "Token count of the request sent to the provider.",
			Buckets:   prometheus.ExponentialBuckets(8, 2, 14),
		}, []string{"model"}),
		OutputSequenceLength: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archgw",
			Name:      "output_sequence_length",
			Help:      "Token count of the response received from the provider.",
			Buckets:   prometheus.ExponentialBuckets(8, 2, 14),
		}, []string{"model"}),
		RatelimitedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archgw",
			Name:      "ratelimited_requests_total",
			Help:      "Requests rejected for exceeding a configured rate limit.",
		}, []string{"model"}),
		ActiveHTTPCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "archgw",
			Name:      "active_http_calls",
			Help:      "Outbound HTTP callouts currently in flight (function-calling model, developer endpoints, default target).",
		}),
	}

	reg.MustRegister(
		m.RequestLatency,
		m.TimeToFirstToken,
		m.TimePerOutputToken,
		m.TokensPerSecond,
		m.InputSequenceLength,
		m.OutputSequenceLength,
		m.RatelimitedRequests,
		m.ActiveHTTPCalls,
	)
	return m
}
