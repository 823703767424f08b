package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shipmate-dev/shipmate/pkg/agents"
	"github.com/shipmate-dev/shipmate/pkg/models"
	"github.com/shipmate-dev/shipmate/pkg/queue"
)

const (
	DefaultWorkers      = 4
	DefaultPollInterval = 250 * time.Millisecond
)

// WorkerPool pulls ready work from the queue with fixed concurrency and
// dispatches it through the agent registry. Its start transition is the
// idempotent-start check: a unit whose task is already IN_PROGRESS or
// terminal is acknowledged and skipped, never re-executed.
type WorkerPool struct {
	q            queue.Queue
	registry     *agents.Registry
	tasks        *TaskService
	logger       Logger
	metrics      *Metrics
	workers      int
	pollInterval time.Duration

	// onOrchestratorDone is invoked after an orchestrator task completes so
	// the reconciler can pick up freshly planned children.
	onOrchestratorDone func()

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewWorkerPool(q queue.Queue, registry *agents.Registry, tasks *TaskService, logger Logger, metrics *Metrics, workers int) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &WorkerPool{
		q:            q,
		registry:     registry,
		tasks:        tasks,
		logger:       logger,
		metrics:      metrics,
		workers:      workers,
		pollInterval: DefaultPollInterval,
	}
}

// SetOnOrchestratorDone registers the reconciler kick. Must be called
// before Start.
func (wp *WorkerPool) SetOnOrchestratorDone(fn func()) {
	wp.onOrchestratorDone = fn
}

// Start launches the workers. C bounds concurrent blocking operations, not
// CPU work: task bodies clone, build and call out over the network.
func (wp *WorkerPool) Start(ctx context.Context) {
	ctx, wp.cancel = context.WithCancel(ctx)
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx)
	}
	wp.logger.Infof("Worker pool started with %d workers", wp.workers)
}

// Stop cancels the workers and waits for in-flight tasks to finish.
func (wp *WorkerPool) Stop() {
	if wp.cancel != nil {
		wp.cancel()
	}
	wp.wg.Wait()
}

func (wp *WorkerPool) worker(ctx context.Context) {
	defer wp.wg.Done()
	for {
		item, err := wp.q.Dequeue(ctx)
		if err != nil {
			wp.logger.Errorf("Dequeue failed: %v", err)
		}
		if item == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wp.pollInterval):
			}
			continue
		}
		wp.process(ctx, item)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// process runs one leased unit end to end. Side effect ordering matters:
// the IN_PROGRESS transition is durable before the agent performs any
// externally visible action, so a crash mid-task is observably IN_PROGRESS.
func (wp *WorkerPool) process(ctx context.Context, item *queue.Item) {
	started, err := wp.tasks.Start(item.TaskID)
	if err != nil {
		// Store unreachable: hand the unit back to the queue.
		wp.nack(ctx, item, err)
		return
	}
	if !started {
		wp.logger.Infof("Skipping task %s: already started or finished (duplicate delivery)", item.TaskID)
		wp.metrics.DuplicateSkips.Inc()
		wp.ack(ctx, item)
		return
	}
	wp.metrics.TasksStarted.Inc()

	agent, err := wp.registry.Resolve(string(item.Capability))
	if err != nil {
		// Fail fast, never default-route: unknown capability is a domain
		// failure with the raw error attached.
		if failErr := wp.tasks.Fail(item.TaskID, err.Error()); failErr != nil {
			wp.logger.Errorf("Failed to fail task %s: %v", item.TaskID, failErr)
		}
		wp.metrics.TasksCompleted.WithLabelValues(string(models.FailedTaskStatus)).Inc()
		wp.ack(ctx, item)
		return
	}

	output, execErr := agent.Execute(ctx, item.TaskID, item.Payload)

	var manual *agents.ManualInterventionError
	var transient *agents.TransientError
	switch {
	case execErr == nil:
		if err := wp.tasks.Complete(item.TaskID, output); err != nil {
			wp.logger.Errorf("Failed to complete task %s: %v", item.TaskID, err)
		}
		wp.metrics.TasksCompleted.WithLabelValues(string(models.SuccessTaskStatus)).Inc()
		wp.ack(ctx, item)
		if item.Capability == models.OrchestratorCapability && wp.onOrchestratorDone != nil {
			wp.onOrchestratorDone()
		}

	case errors.As(execErr, &manual):
		analysis, merr := json.Marshal(manual.Analysis)
		if merr != nil {
			wp.logger.Errorf("Failed to marshal analysis for task %s: %v", item.TaskID, merr)
		}
		if err := wp.tasks.Escalate(item.TaskID, analysis, execErr.Error()); err != nil {
			wp.logger.Errorf("Failed to escalate task %s: %v", item.TaskID, err)
		}
		wp.metrics.TasksCompleted.WithLabelValues(string(models.ManualTaskStatus)).Inc()
		wp.ack(ctx, item)

	case errors.As(execErr, &transient):
		wp.nackRunning(ctx, item, execErr)

	default:
		if err := wp.tasks.Fail(item.TaskID, execErr.Error()); err != nil {
			wp.logger.Errorf("Failed to fail task %s: %v", item.TaskID, err)
		}
		wp.metrics.TasksCompleted.WithLabelValues(string(models.FailedTaskStatus)).Inc()
		wp.ack(ctx, item)
	}
}

// nackRunning handles a transient failure on a task we already started:
// hand the unit back to the queue, then release the task to PENDING so the
// redelivery can pass the idempotent-start check. On budget exhaustion the
// unit is not dropped silently; the task is marked FAILED.
func (wp *WorkerPool) nackRunning(ctx context.Context, item *queue.Item, execErr error) {
	requeued, err := wp.q.Nack(ctx, item.ID, execErr.Error())
	if err != nil {
		wp.logger.Errorf("Nack failed for task %s: %v (task left IN_PROGRESS)", item.TaskID, err)
		return
	}
	if requeued {
		wp.metrics.QueueRedeliveries.Inc()
		if err := wp.tasks.Release(item.TaskID); err != nil {
			wp.logger.Errorf("Failed to release task %s after nack: %v", item.TaskID, err)
		}
		return
	}
	msg := fmt.Sprintf("queue attempts exhausted: %v", execErr)
	if err := wp.tasks.Fail(item.TaskID, msg); err != nil {
		wp.logger.Errorf("Failed to fail task %s after exhaustion: %v", item.TaskID, err)
	}
	wp.metrics.TasksCompleted.WithLabelValues(string(models.FailedTaskStatus)).Inc()
}

// nack hands back a unit whose task never left PENDING (store errors during
// the start transition). Exhaustion marks the task FAILED best-effort.
func (wp *WorkerPool) nack(ctx context.Context, item *queue.Item, cause error) {
	requeued, err := wp.q.Nack(ctx, item.ID, cause.Error())
	if err != nil {
		wp.logger.Errorf("Nack failed for task %s: %v", item.TaskID, err)
		return
	}
	if requeued {
		wp.metrics.QueueRedeliveries.Inc()
		return
	}
	msg := fmt.Sprintf("queue attempts exhausted: %v", cause)
	if _, err := wp.tasks.FailPending(item.TaskID, msg); err != nil {
		wp.logger.Errorf("Failed to fail task %s after exhaustion: %v", item.TaskID, err)
	}
}

func (wp *WorkerPool) ack(ctx context.Context, item *queue.Item) {
	if err := wp.q.Ack(ctx, item.ID); err != nil {
		wp.logger.Errorf("Ack failed for item %s (task %s): %v", item.ID, item.TaskID, err)
	}
}
