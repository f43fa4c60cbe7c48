package consumer

import "github.com/prometheus/client_golang/prometheus"

var (
	processedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "telemetry",
		Subsystem: "consumer",
		Name:      "messages_processed_total",
		Help:      "Number of Kafka messages successfully handled.",
	}, []string{"topic", "event_type"})

	handlerErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "telemetry",
		Subsystem: "consumer",
		Name:      "handler_errors_total",
		Help:      "Number of handler errors grouped by topic and event type.",
	}, []string{"topic", "event_type"})

	decodeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "telemetry",
		Subsystem: "consumer",
		Name:      "decode_errors_total",
		Help:      "Number of decode failures per topic.",
	}, []string{"topic"})

	lastRecordGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "telemetry",
		Subsystem: "consumer",
		Name:      "last_record_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successfully processed record per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(processedCounter, handlerErrorCounter, decodeErrorCounter, lastRecordGauge)
}

func recordProcessed(record Record) {
	processedCounter.WithLabelValues(record.Topic, string(record.Event.Type)).Inc()
	if !record.ReceivedAt.IsZero() {
		lastRecordGauge.WithLabelValues(record.Topic).Set(float64(record.ReceivedAt.Unix()))
	}
}

func recordHandlerError(record Record) {
	handlerErrorCounter.WithLabelValues(record.Topic, string(record.Event.Type)).Inc()
}

func recordDecodeError(topic string) {
	decodeErrorCounter.WithLabelValues(topic).Inc()
}
