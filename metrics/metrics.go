// Package metrics declares the Prometheus collectors exported at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	InvestigationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sentinel_investigations_total", Help: "Investigations by outcome"},
		[]string{"outcome"},
	)
	InvestigationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_investigation_duration_seconds",
			Help:    "Wall time of completed investigations",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
	)
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sentinel_tool_calls_total", Help: "Tool invocations requested by the model"},
		[]string{"tool", "result"},
	)
	ModelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sentinel_model_requests_total", Help: "Chat completion requests by outcome"},
		[]string{"outcome"},
	)
	ModelRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_model_request_duration_seconds",
			Help:    "Latency of single chat completion requests",
			Buckets: prometheus.DefBuckets,
		},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "sentinel_queue_depth", Help: "Investigations waiting for a worker"},
	)
)

func init() {
	prometheus.MustRegister(
		InvestigationsTotal,
		InvestigationDuration,
		ToolCallsTotal,
		ModelRequestsTotal,
		ModelRequestDuration,
		QueueDepth,
	)
}
