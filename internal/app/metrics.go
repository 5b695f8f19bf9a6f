package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	namespace = "ptalk"
	subsystem = "controller"

	messagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_processed_total",
			Help:      "Queue messages handled by the controller worker",
		},
		[]string{"kind"},
	)

	messagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_dropped_total",
			Help:      "Queue messages dropped because the queue was full or missing",
		},
		[]string{"kind"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Messages waiting in the controller queue",
		},
	)

	sleepEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "deep_sleep_entries_total",
			Help:      "Deep sleep sequences started",
		},
	)
)
