package service

import (
	"context"
	"time"

	"github.com/shipmate-dev/shipmate/pkg/models"
	"github.com/shipmate-dev/shipmate/pkg/queue"
	"github.com/shipmate-dev/shipmate/pkg/storage"
)

const (
	DefaultReconcileBatch    = 50
	DefaultSettleDelay       = 2 * time.Second
	DefaultReconcileInterval = time.Minute
)

// Reconciler re-enqueues tasks stuck in PENDING: after a crash, a missed
// enqueue, or an orchestrator writing fresh children. It re-reads each
// task's status immediately before enqueuing as a best-effort defense
// against double-enqueue under concurrent sweeps; the worker pool's
// idempotent-start check makes the residual race harmless.
type Reconciler struct {
	store     storage.Store
	q         queue.Queue
	logger    Logger
	metrics   *Metrics
	batchSize int
	settle    time.Duration
	interval  time.Duration
	kick      chan struct{}
}

func NewReconciler(store storage.Store, q queue.Queue, logger Logger, metrics *Metrics) *Reconciler {
	return &Reconciler{
		store:     store,
		q:         q,
		logger:    logger,
		metrics:   metrics,
		batchSize: DefaultReconcileBatch,
		settle:    DefaultSettleDelay,
		interval:  DefaultReconcileInterval,
		kick:      make(chan struct{}, 1),
	}
}

// Kick schedules a sweep after the settle delay, letting the orchestrator's
// writes land first. Coalesces when a kick is already pending.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run sweeps once at start, then on kicks and on a slow interval, until the
// context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Errorf("Startup reconcile sweep failed: %v", err)
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.settle):
			}
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Errorf("Reconcile sweep failed: %v", err)
			}
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Errorf("Reconcile sweep failed: %v", err)
			}
		}
	}
}

// Sweep enqueues up to batchSize PENDING tasks, oldest first, at recovery
// priority so stalled work drains ahead of fresh submissions. Returns the
// number of tasks enqueued.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	pending, err := r.store.ListPendingTasks(r.batchSize)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, task := range pending {
		// Re-read right before enqueuing: a concurrent sweep or another
		// process instance may have moved it already. Optimistic, not a
		// lock; see the pool's duplicate-skip for the backstop.
		current, err := r.store.GetTask(task.ID)
		if err != nil {
			r.logger.Errorf("Reconcile re-read of task %s failed: %v", task.ID, err)
			continue
		}
		if current.Status != models.PendingTaskStatus {
			continue
		}
		if _, err := r.q.Enqueue(ctx, current.Capability, current.ID, current.Input, queue.Options{Priority: queue.RecoveryPriority}); err != nil {
			r.logger.Errorf("Reconcile enqueue of task %s failed: %v", task.ID, err)
			continue
		}
		r.metrics.ReconcileEnqueues.Inc()
		enqueued++
	}
	if enqueued > 0 {
		r.logger.Infof("Reconcile sweep enqueued %d pending tasks", enqueued)
	}
	return enqueued, nil
}
