package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ember",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "GitHub webhook deliveries accepted, by event type.",
	}, []string{"event"})

	deploymentsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ember",
		Subsystem: "deployments",
		Name:      "created_total",
		Help:      "Deployments created, by trigger.",
	}, []string{"trigger"})

	rollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ember",
		Subsystem: "deployments",
		Name:      "rollbacks_total",
		Help:      "Alias rollbacks performed.",
	})
)
