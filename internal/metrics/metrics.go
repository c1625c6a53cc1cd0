// Package metrics holds the Prometheus collectors for the notification
// pipeline. Collectors register with the default registry on import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ses_notify"

var (
	// sendTotal counts notification sends by outcome.
	// Labels:
	// - result: success | retryable | invalid | failure
	sendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_total",
			Help:      "Notifications handed to the send pipeline, by outcome.",
		},
		[]string{"result"},
	)

	// sandboxGateTotal counts sandbox gate evaluations.
	// Labels:
	// - result: passed | cached | pending | error
	sandboxGateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_gate_total",
			Help:      "Sandbox address-verification gate evaluations, by outcome.",
		},
		[]string{"result"},
	)

	// verificationCallsTotal counts calls made to the identity verification API.
	// Labels:
	// - call: status | start | start_failed
	verificationCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_calls_total",
			Help:      "Calls made to the identity verification API.",
		},
		[]string{"call"},
	)

	templateRenderSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "template_render_seconds",
			Help:      "Template validation and render duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"template"},
	)
)

// IncSend increments the send counter.
func IncSend(result string) {
	if result == "" {
		result = "unknown"
	}
	sendTotal.WithLabelValues(result).Inc()
}

// IncSandboxGate increments the sandbox gate counter.
func IncSandboxGate(result string) {
	if result == "" {
		result = "unknown"
	}
	sandboxGateTotal.WithLabelValues(result).Inc()
}

// IncVerificationCall increments the verification API call counter.
func IncVerificationCall(call string) {
	if call == "" {
		call = "unknown"
	}
	verificationCallsTotal.WithLabelValues(call).Inc()
}

// ObserveTemplateRender records how long rendering template id took.
func ObserveTemplateRender(id string, seconds float64) {
	if id == "" {
		id = "unknown"
	}
	templateRenderSeconds.WithLabelValues(id).Observe(seconds)
}
