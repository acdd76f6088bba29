// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_received_total",
		Help: "Total number of queue messages received",
	})
	MessagesAcked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_acked_total",
		Help: "Total number of messages acknowledged after a successful pipeline run",
	})
	MessagesRequeuedImmediate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_requeued_immediate_total",
		Help: "Total number of messages requeued for immediate retry",
	})
	MessagesRequeuedBackoff = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_requeued_backoff_total",
		Help: "Total number of messages requeued with exponential backoff",
	})
	MessagesDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_dead_lettered_total",
		Help: "Total number of messages routed to the dead-letter queue",
	})
	MessagesDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_duplicate_delivery_total",
		Help: "Total number of deliveries suppressed by the idempotency guard",
	})
	PipelineDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_duration_seconds",
		Help:    "Histogram of full pipeline run durations",
		Buckets: prometheus.DefBuckets,
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Approximate current depth of the main and dead-letter queues",
	}, []string{"queue"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of stale processes failed out by the reaper",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines",
	})
)

func init() {
	prometheus.MustRegister(MessagesReceived, MessagesAcked, MessagesRequeuedImmediate,
		MessagesRequeuedBackoff, MessagesDeadLettered, MessagesDuplicate, PipelineDuration,
		QueueDepth, CircuitBreakerState, CircuitBreakerTrips, ReaperRecovered, WorkerActive)
}
