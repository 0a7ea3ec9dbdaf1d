package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	subscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pdm",
		Subsystem: "realtime",
		Name:      "subscriptions",
		Help:      "Live dashboard subscriptions.",
	})
	connectionType = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pdm",
		Subsystem: "realtime",
		Name:      "connection_type",
		Help:      "Active transport: 0 none, 1 opening, 2 push, 3 pull.",
	})
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdm",
		Subsystem: "realtime",
		Name:      "push_messages_total",
		Help:      "Push messages received by kind.",
	}, []string{"kind"})
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdm",
		Subsystem: "realtime",
		Name:      "deliveries_total",
		Help:      "Deliveries handed to subscriber callbacks by type.",
	}, []string{"type"})
	droppedStale = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pdm",
		Subsystem: "realtime",
		Name:      "dropped_stale_total",
		Help:      "Data deliveries dropped for arriving out of order.",
	})
	callbackFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pdm",
		Subsystem: "realtime",
		Name:      "callback_failures_total",
		Help:      "Subscriber callbacks that panicked.",
	})
)
