// Package metrics provides Prometheus metrics for monitoring the upload
// orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UploadsTotal counts finished upload attempts by outcome.
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploadmatrix_uploads_total",
			Help: "Total upload attempts by outcome",
		},
		[]string{"outcome"},
	)

	// UploadDuration tracks upload attempt duration.
	UploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "uploadmatrix_upload_duration_seconds",
			Help:    "Upload attempt duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68m
		},
	)

	// QueueDepth shows jobs waiting by lane.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uploadmatrix_queue_depth",
			Help: "Jobs currently waiting by lane (ready, delayed, claimed)",
		},
		[]string{"lane"},
	)

	// JobsTotal counts job terminal transitions.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploadmatrix_jobs_total",
			Help: "Jobs reaching a terminal state",
		},
		[]string{"status"},
	)

	// SessionsTotal shows live browser sessions by state.
	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uploadmatrix_sessions",
			Help: "Live browser sessions by state",
		},
		[]string{"state"},
	)

	// SessionLeases counts session lease outcomes.
	SessionLeases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploadmatrix_session_leases_total",
			Help: "Session lease attempts by outcome",
		},
		[]string{"outcome"},
	)

	// AccountHealth exposes per-account health scores.
	AccountHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uploadmatrix_account_health",
			Help: "Account health score (0-100)",
		},
		[]string{"account"},
	)

	// BreakerState exposes circuit breaker state per resource
	// (0 closed, 1 half-open, 2 open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uploadmatrix_breaker_state",
			Help: "Circuit breaker state per resource (0=closed, 1=half-open, 2=open)",
		},
		[]string{"resource"},
	)

	// BreakerTrips counts breaker transitions to open.
	BreakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploadmatrix_breaker_trips_total",
			Help: "Circuit breaker trips by resource and reason",
		},
		[]string{"resource", "reason"},
	)

	// RecoveryActions counts recovery strategy executions.
	RecoveryActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploadmatrix_recovery_actions_total",
			Help: "Recovery actions by error class and result",
		},
		[]string{"class", "result"},
	)

	// ControlCalls counts browser-control API calls by operation and result.
	ControlCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploadmatrix_control_calls_total",
			Help: "Browser control API calls by operation and result",
		},
		[]string{"op", "result"},
	)

	// ErrorsTotal counts classified errors reaching the supervisor.
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploadmatrix_errors_total",
			Help: "Classified errors by category",
		},
		[]string{"category"},
	)
)

func init() {
	prometheus.MustRegister(
		UploadsTotal,
		UploadDuration,
		QueueDepth,
		JobsTotal,
		SessionsTotal,
		SessionLeases,
		AccountHealth,
		BreakerState,
		BreakerTrips,
		RecoveryActions,
		ControlCalls,
		ErrorsTotal,
	)
}

// SetBreakerState maps a breaker state name to its gauge value.
func SetBreakerState(resource, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	BreakerState.WithLabelValues(resource).Set(v)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
