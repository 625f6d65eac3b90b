// Package metrics exposes the agent's prometheus collectors. Everything is
// registered on the default registry and served by the status HTTP endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_tasks_enqueued_total",
		Help: "Tasks accepted into the local queue, by source.",
	}, []string{"source"})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_tasks_completed_total",
		Help: "Tasks that reached a terminal state, by outcome.",
	}, []string{"outcome"})

	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_task_retries_total",
		Help: "Task attempts that failed retryably and were re-queued.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_queue_depth",
		Help: "Tasks currently claimable from the store.",
	})

	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_connection_state",
		Help: "Current channel state (1 for the active state, 0 otherwise).",
	}, []string{"state"})

	ResultsReported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_results_reported_total",
		Help: "Terminal task outcomes acknowledged by the controller.",
	})

	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_heartbeats_sent_total",
		Help: "Heartbeats successfully delivered upstream.",
	})
)
