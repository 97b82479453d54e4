package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshflow",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Commands waiting for a dispatch slot.",
	})

	SchedulerRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshflow",
		Subsystem: "scheduler",
		Name:      "running",
		Help:      "Commands currently occupying a concurrency slot.",
	})

	SchedulerDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshflow",
		Subsystem: "scheduler",
		Name:      "dispatched_total",
		Help:      "Settled dispatches, labelled by terminal status.",
	}, []string{"status"})

	SchedulerRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshflow",
		Subsystem: "scheduler",
		Name:      "rejected_total",
		Help:      "Commands rejected because the queue was full.",
	})

	SchedulerTaskDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "meshflow",
		Subsystem: "scheduler",
		Name:      "task_duration_seconds",
		Help:      "Time from dispatch start to settle.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
	})

	// ─── Workflows ───────────────────────────────────────────────────────────────

	ProvisioningTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshflow",
		Subsystem: "provisioning",
		Name:      "devices_total",
		Help:      "Provisioning attempts, labelled by result.",
	}, []string{"result"})

	ProvisioningRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshflow",
		Subsystem: "provisioning",
		Name:      "retries_total",
		Help:      "Provisioning retry attempts.",
	})

	FirmwareUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshflow",
		Subsystem: "firmware",
		Name:      "updates_total",
		Help:      "Firmware update attempts, labelled by result.",
	}, []string{"result"})

	// ─── Gateway ─────────────────────────────────────────────────────────────────

	GatewayCommandsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshflow",
		Subsystem: "gateway",
		Name:      "commands_accepted_total",
		Help:      "Commands accepted through REST or the intake topic.",
	}, []string{"source", "type"})

	GatewayEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshflow",
		Subsystem: "gateway",
		Name:      "events_published_total",
		Help:      "Lifecycle events exported to the event topic.",
	}, []string{"kind"})

	// ─── Health ──────────────────────────────────────────────────────────────────

	NodesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshflow",
		Subsystem: "health",
		Name:      "nodes_online",
		Help:      "Registered nodes that answered the last health sweep.",
	})

	HealthSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshflow",
		Subsystem: "health",
		Name:      "sweeps_total",
		Help:      "Completed health sweeps.",
	})
)
