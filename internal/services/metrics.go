// Package services – metrics
//
// Domain collectors for the session layer. Label values are bounded enums
// (event kind, action kind, outcome, auth step) so cardinality stays fixed
// regardless of how many accounts are served.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// sessionsLive gauges sessions currently reachable through a registry.
	sessionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_sessions_live",
			Help: "Number of account sessions held by the registry.",
		},
	)

	// eventsTotal counts inbound events handed to the policy engine.
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_events_total",
			Help: "Inbound provider events processed, by kind.",
		},
		[]string{"kind"},
	)

	// actionsTotal counts executed policy actions by kind and outcome.
	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_policy_actions_total",
			Help: "Policy actions executed, by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	// authSteps counts authentication steps by step and result.
	authSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_auth_steps_total",
			Help: "Authentication steps, by step and result.",
		},
		[]string{"step", "result"},
	)
)

func init() {
	prometheus.MustRegister(sessionsLive, eventsTotal, actionsTotal, authSteps)
}

func observeAuth(step string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	authSteps.WithLabelValues(step, result).Inc()
}
