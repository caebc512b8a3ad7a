package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Core counters and gauges, exposed on /metrics.
var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "d8chat",
		Name:      "active_connections",
		Help:      "Number of live websocket connections on this instance.",
	})

	EventsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "d8chat",
		Name:      "events_appended_total",
		Help:      "Chat events persisted to the event store.",
	})

	FramesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "d8chat",
		Name:      "frames_delivered_total",
		Help:      "Outbound frames handed to local connection send queues.",
	})

	BrokerPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "d8chat",
		Name:      "broker_publish_failures_total",
		Help:      "Publishes rejected because the cluster bus was unavailable.",
	})

	NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "d8chat",
		Name:      "notifications_sent_total",
		Help:      "Mention and DM notifications handed to the notification provider.",
	})
)
