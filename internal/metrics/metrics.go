// Package metrics provides Prometheus metrics for the login service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoginAttemptsTotal counts settled sign-in attempts.
	LoginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pastpapers",
			Name:      "login_attempts_total",
			Help:      "Total number of settled sign-in attempts",
		},
		[]string{"method", "outcome"},
	)

	// LoginDuration measures identity service round trips.
	LoginDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pastpapers",
			Name:      "login_duration_seconds",
			Help:      "Duration of identity service sign-in calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// ActiveLoginFlows tracks mounted login screens.
	ActiveLoginFlows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pastpapers",
			Name:      "active_login_flows",
			Help:      "Number of login flows currently held in memory",
		},
	)

	// NoticesShown counts ?message= notices surfaced on the login page.
	NoticesShown = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pastpapers",
			Name:      "login_notices_shown_total",
			Help:      "Total number of one-shot notices shown on the login page",
		},
	)

	// ErrorsTotal counts internal errors by operation.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pastpapers",
			Name:      "errors_total",
			Help:      "Total number of internal errors",
		},
		[]string{"operation"},
	)
)

// RecordLogin records a settled sign-in attempt.
func RecordLogin(method, outcome string, duration time.Duration) {
	LoginAttemptsTotal.WithLabelValues(method, outcome).Inc()
	LoginDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordError records an internal error.
func RecordError(operation string) {
	ErrorsTotal.WithLabelValues(operation).Inc()
}

var pendingOAuthOnce sync.Once

// PendingOAuthFlows reports OAuth flows waiting for a provider callback. It
// is nil until TrackPendingOAuthFlows is called.
var PendingOAuthFlows prometheus.GaugeFunc

// TrackPendingOAuthFlows registers count as the source of PendingOAuthFlows.
// Only the first call registers.
func TrackPendingOAuthFlows(count func() int) {
	pendingOAuthOnce.Do(func() {
		PendingOAuthFlows = promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "pastpapers",
				Name:      "pending_oauth_flows",
				Help:      "Number of OAuth flows waiting for a provider callback",
			},
			func() float64 { return float64(count()) },
		)
	})
}
