package tracker

import "github.com/prometheus/client_golang/prometheus"

var (
	trackedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "telemetry",
		Subsystem: "tracker",
		Name:      "events_tracked_total",
		Help:      "Number of events accepted into the pending queue.",
	})

	sentCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "telemetry",
		Subsystem: "tracker",
		Name:      "events_sent_total",
		Help:      "Number of events delivered in successfully sent batches.",
	})

	sendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "telemetry",
		Subsystem: "tracker",
		Name:      "batch_failures_total",
		Help:      "Number of batch deliveries that failed and were requeued.",
	})

	expiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "telemetry",
		Subsystem: "tracker",
		Name:      "events_expired_total",
		Help:      "Number of pending events dropped by TTL cleanup without being sent.",
	})

	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "telemetry",
		Subsystem: "tracker",
		Name:      "pending_events",
		Help:      "Current number of events awaiting delivery.",
	})

	flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "telemetry",
		Subsystem: "tracker",
		Name:      "flush_duration_seconds",
		Help:      "Time spent delivering a batch to the transport.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(trackedCounter, sentCounter, sendFailures, expiredCounter, pendingGauge, flushDuration)
}
