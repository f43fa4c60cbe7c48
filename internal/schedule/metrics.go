package schedule

import "github.com/prometheus/client_golang/prometheus"

var (
	pollCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "telemetry",
		Subsystem: "poller",
		Name:      "polls_total",
		Help:      "Number of completed poll invocations, timer-driven or manual.",
	})

	pollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "telemetry",
		Subsystem: "poller",
		Name:      "poll_errors_total",
		Help:      "Number of poll invocations that returned an error.",
	})

	transitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "telemetry",
		Subsystem: "poller",
		Name:      "state_transitions_total",
		Help:      "Number of state transitions, labeled by the state entered.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(pollCounter, pollErrors, transitionCounter)
}
