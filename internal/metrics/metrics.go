// Package metrics exposes the bridge's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_webhooks_received_total",
		Help: "Webhook deliveries received, by outcome (accepted, deduped, filtered, rejected, queue_full).",
	}, []string{"outcome"})

	WebhookLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_webhook_latency_seconds",
		Help:    "Webhook handler latency from parse to response.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 3},
	})

	TasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_tasks_executed_total",
		Help: "Execution tasks completed, by path (bracket_entry, dca_add, flip_close, flatten, reset, copy) and result.",
	}, []string{"path", "result"})

	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_task_failures_total",
		Help: "Execution task failures by error kind.",
	}, []string{"kind"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_task_queue_depth",
		Help: "Current depth of the broker execution queue.",
	})

	BrokerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_broker_calls_total",
		Help: "Broker REST calls by operation and status class.",
	}, []string{"op", "status"})

	WSReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_ws_reconnects_total",
		Help: "WebSocket reconnects by cause (error, dead_sub, rotate).",
	}, []string{"cause"})

	WSConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_ws_connections",
		Help: "Currently established shared WebSocket connections.",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_open_positions",
		Help: "Open positions in the mirror.",
	})

	ReconcileRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_reconcile_repairs_total",
		Help: "Reconciliation repairs by kind (align, close_by_broker, missing_tp, duplicate_tp, auto_flat).",
	}, []string{"kind"})

	CopyTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_copy_tasks_total",
		Help: "Copy-trade propagations by delta kind (entry, add, trim, reversal, close) and result.",
	}, []string{"kind", "result"})

	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_token_refreshes_total",
		Help: "Auth token refresh attempts by result.",
	}, []string{"result"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
