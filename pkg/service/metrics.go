package service

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's prometheus collectors. Pass a registerer at
// construction; a nil registerer leaves the collectors unregistered, which
// unit tests rely on.
type Metrics struct {
	TasksStarted      prometheus.Counter
	TasksCompleted    *prometheus.CounterVec
	DuplicateSkips    prometheus.Counter
	QueueRedeliveries prometheus.Counter
	ReconcileEnqueues prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shipmate",
			Subsystem: "engine",
			Name:      "tasks_started_total",
			Help:      "Tasks moved to IN_PROGRESS by the worker pool",
		}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipmate",
			Subsystem: "engine",
			Name:      "tasks_completed_total",
			Help:      "Tasks reaching a terminal status",
		}, []string{"status"}),
		DuplicateSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shipmate",
			Subsystem: "engine",
			Name:      "duplicate_skips_total",
			Help:      "Deliveries skipped because the task was already started",
		}),
		QueueRedeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shipmate",
			Subsystem: "engine",
			Name:      "queue_redeliveries_total",
			Help:      "Transient failures handed back to the queue",
		}),
		ReconcileEnqueues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shipmate",
			Subsystem: "engine",
			Name:      "reconcile_enqueues_total",
			Help:      "Pending tasks enqueued by the reconciliation loop",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TasksStarted, m.TasksCompleted, m.DuplicateSkips, m.QueueRedeliveries, m.ReconcileEnqueues)
	}
	return m
}
