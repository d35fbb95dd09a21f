package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime counters exposed on /metrics.
type Metrics struct {
	// EventsEmitted counts session events by type.
	EventsEmitted *prometheus.CounterVec

	// ActiveSessions tracks sessions currently running.
	ActiveSessions prometheus.Gauge

	// SubscriberDrops counts events dropped for overfull subscriber queues.
	SubscriberDrops prometheus.Counter

	// WebhookDeliveries counts external adapter deliveries by adapter and
	// outcome (success|failure).
	WebhookDeliveries *prometheus.CounterVec

	// StorageQueueDepth tracks the async writer queue depth.
	StorageQueueDepth prometheus.Gauge

	// StorageWriteFailures counts writes that exhausted their retries.
	StorageWriteFailures prometheus.Counter

	// ToolExecutions counts tool invocations by tool name and status.
	ToolExecutions *prometheus.CounterVec

	// TurnDuration measures turn wall time in seconds.
	TurnDuration prometheus.Histogram

	// SweepRemovals counts sessions removed by the cleanup sweep.
	SweepRemovals prometheus.Counter
}

// NewMetrics creates and registers all metrics on reg. Pass nil to use the
// default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zenflux_events_emitted_total",
			Help: "Session events emitted, by event type.",
		}, []string{"type"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zenflux_sessions_active",
			Help: "Sessions currently running.",
		}),
		SubscriberDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "zenflux_subscriber_drops_total",
			Help: "Events dropped because a subscriber queue was full.",
		}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zenflux_webhook_deliveries_total",
			Help: "External adapter deliveries, by adapter and outcome.",
		}, []string{"adapter", "outcome"}),
		StorageQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zenflux_storage_queue_depth",
			Help: "Pending tasks in the async storage writer.",
		}),
		StorageWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "zenflux_storage_write_failures_total",
			Help: "Storage writes that exhausted their retry budget.",
		}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zenflux_tool_executions_total",
			Help: "Tool invocations, by tool name and status.",
		}, []string{"tool", "status"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "zenflux_turn_duration_seconds",
			Help:    "Wall time per agent turn.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		SweepRemovals: factory.NewCounter(prometheus.CounterOpts{
			Name: "zenflux_session_sweep_removals_total",
			Help: "Sessions removed by the periodic cleanup sweep.",
		}),
	}
}
