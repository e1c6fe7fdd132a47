// Package metrics defines and registers the custom Prometheus metrics of the
// web client. It is the single source of truth for metric names, labels and
// help strings. HTTP request metrics come from echoprometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agrimarket/web-client/internal/core/domain"
)

const namespace = "webclient"

// AuthAttemptsTotal counts sign-in attempts.
// Labels:
//   - method: "password", "register", "otp" or "oauth"
//   - outcome: "success" or the failure kind ("rejected", "unreachable", ...)
var AuthAttemptsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_attempts_total",
		Help:      "Total number of sign-in attempts, by method and outcome.",
	},
	[]string{"method", "outcome"},
)

// RestoresTotal counts startup restores by resulting state.
var RestoresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_restores_total",
		Help:      "Total number of session restores, by resulting state.",
	},
	[]string{"state"},
)

// LogoutsTotal counts logout requests.
var LogoutsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "logouts_total",
		Help:      "Total number of logout requests.",
	},
)

// ForwardedRequestsTotal counts authenticated backend calls made through the
// shell, by backend status code ("error" when no response was received).
var ForwardedRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forwarded_requests_total",
		Help:      "Total number of authenticated requests forwarded to the backend.",
	},
	[]string{"status"},
)

// SessionState is 1 for the current session state and 0 for the others.
var SessionState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_state",
		Help:      "Current session state (1 for the active state).",
	},
	[]string{"state"},
)

var states = []domain.State{
	domain.StateUnauthenticated,
	domain.StateRestoring,
	domain.StateAuthenticated,
}

// ObserveSession updates SessionState from a snapshot. Suitable as a
// SessionManager subscriber.
func ObserveSession(s domain.Session) {
	current := s.State()
	for _, st := range states {
		v := 0.0
		if st == current {
			v = 1
		}
		SessionState.WithLabelValues(string(st)).Set(v)
	}
}

// Outcome returns the outcome label for an auth attempt result.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	return string(domain.AsRequestError(err, "").Kind)
}
