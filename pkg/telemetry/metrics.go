// Metric naming follows Prometheus conventions:
//   - vigil_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms

package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// agentCallsTotal counts A2A calls by target agent and outcome status.
	agentCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_agent_calls_total",
			Help: "Total A2A agent calls by agent and status.",
		},
		[]string{"agent", "status"},
	)

	// agentCallDurationSeconds is a histogram of A2A call duration by agent.
	agentCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_agent_call_duration_seconds",
			Help:    "Duration of A2A agent calls in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"agent"},
	)

	// watcherPollsTotal counts watcher poll cycles by outcome.
	watcherPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_watcher_polls_total",
			Help: "Total alert watcher poll cycles by outcome.",
		},
		[]string{"outcome"},
	)

	// watcherClaimsTotal counts alert claim attempts by result.
	watcherClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_watcher_claims_total",
			Help: "Total alert claim attempts by result.",
		},
		[]string{"result"},
	)

	// incidentTransitionsTotal counts state machine transitions.
	incidentTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_incident_transitions_total",
			Help: "Total incident state transitions by from and to state.",
		},
		[]string{"from", "to"},
	)

	// incidentsTerminalTotal counts incidents reaching a terminal state.
	incidentsTerminalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_incidents_terminal_total",
			Help: "Total incidents reaching a terminal state.",
		},
		[]string{"state"},
	)

	// actionsTotal counts executed remediation actions by type and status.
	actionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_actions_total",
			Help: "Total remediation actions by action type and execution status.",
		},
		[]string{"action_type", "status"},
	)

	// verificationHealthScore observes the health score of each verification.
	verificationHealthScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_verification_health_score",
			Help:    "Health score distribution across verification runs.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)
)

// ObserveAgentCall records one A2A call outcome.
func ObserveAgentCall(agent, status string, elapsed time.Duration) {
	agentCallsTotal.WithLabelValues(agent, status).Inc()
	agentCallDurationSeconds.WithLabelValues(agent).Observe(elapsed.Seconds())
}

// ObserveWatcherPoll records one watcher poll cycle.
func ObserveWatcherPoll(claimed, lost int, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	watcherPollsTotal.WithLabelValues(outcome).Inc()
	for i := 0; i < claimed; i++ {
		watcherClaimsTotal.WithLabelValues("won").Inc()
	}
	for i := 0; i < lost; i++ {
		watcherClaimsTotal.WithLabelValues("lost").Inc()
	}
}

// ObserveTransition records one incident state transition.
func ObserveTransition(from, to string, terminal bool) {
	incidentTransitionsTotal.WithLabelValues(from, to).Inc()
	if terminal {
		incidentsTerminalTotal.WithLabelValues(to).Inc()
	}
}

// ObserveAction records one remediation action outcome.
func ObserveAction(actionType, status string) {
	actionsTotal.WithLabelValues(actionType, status).Inc()
}

// ObserveHealthScore records the health score of a verification run.
func ObserveHealthScore(score float64) {
	verificationHealthScore.Observe(score)
}
