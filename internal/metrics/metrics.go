// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPServerHandlingSeconds is a histogram for HTTP request latencies,
	// including websocket upgrade requests.
	HTTPServerHandlingSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_server_handling_seconds",
			Help:    "Histogram of response latency (seconds) of HTTP requests handled by the server.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"route", "code"},
	)

	// InferenceBatchSize is a histogram for tracking decision batch sizes.
	InferenceBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inference_batch_size",
			Help:    "Histogram of agent batch sizes per decision step.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	// InferenceLatencySeconds is a histogram for engine forward-pass latency.
	InferenceLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inference_latency_seconds",
			Help:    "Histogram of engine forward-pass latency (seconds) excluding marshaling.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// DecisionStepSeconds is a histogram for the whole decision step:
	// generate, run, apply.
	DecisionStepSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "decision_step_seconds",
			Help:    "Histogram of full decision step latency (seconds) including tensor marshaling.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// ActiveSessions is a gauge of currently connected bridge sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_active_sessions",
			Help: "Number of currently connected environment sessions.",
		},
	)

	// LoadedModels counts brains currently holding a compatible model. Brains
	// are per-session, so this is a count rather than a boolean status.
	LoadedModels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loaded_models",
			Help: "Number of brains currently holding a compatible model.",
		},
	)

	// HealthStatus is a gauge indicating the health status of the service.
	HealthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "health_status",
			Help: "Health status of the service (1 = healthy, 0 = unhealthy).",
		},
	)
)

// RecordHTTPLatency records the latency of an HTTP request.
func RecordHTTPLatency(route, code string, seconds float64) {
	HTTPServerHandlingSeconds.WithLabelValues(route, code).Observe(seconds)
}

// RecordInferenceBatch records the batch size for a decision step.
func RecordInferenceBatch(size int) {
	InferenceBatchSize.Observe(float64(size))
}

// RecordInferenceLatency records the latency of one engine forward pass.
func RecordInferenceLatency(seconds float64) {
	InferenceLatencySeconds.Observe(seconds)
}

// RecordDecisionStep records the latency of one full decision step.
func RecordDecisionStep(seconds float64) {
	DecisionStepSeconds.Observe(seconds)
}

// SessionStarted increments the active session gauge.
func SessionStarted() {
	ActiveSessions.Inc()
}

// SessionEnded decrements the active session gauge.
func SessionEnded() {
	ActiveSessions.Dec()
}

// ModelLoaded increments the loaded-model gauge.
func ModelLoaded() {
	LoadedModels.Inc()
}

// ModelUnloaded decrements the loaded-model gauge.
func ModelUnloaded() {
	LoadedModels.Dec()
}

// SetHealthy sets the health status to healthy.
func SetHealthy() {
	HealthStatus.Set(1)
}

// SetUnhealthy sets the health status to unhealthy.
func SetUnhealthy() {
	HealthStatus.Set(0)
}
