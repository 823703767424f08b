package service

import (
	"encoding/json"
	"fmt"

	"github.com/shipmate-dev/shipmate/pkg/models"
	"github.com/shipmate-dev/shipmate/pkg/storage"
)

// Logger defines the logging interface shared by the services.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// TaskService owns task status transitions and keeps the deployment
// aggregate status in sync after each one. All failure paths write the
// audit log entry before the visible status change.
type TaskService struct {
	store  storage.Store
	logger Logger
}

func NewTaskService(store storage.Store, logger Logger) *TaskService {
	return &TaskService{store: store, logger: logger}
}

// Start attempts the PENDING -> IN_PROGRESS transition. A false return is
// the duplicate-dispatch signal: the task was already started or finished
// elsewhere and the caller must not execute it.
func (ts *TaskService) Start(taskID string) (bool, error) {
	started, err := ts.store.TransitionTask(taskID, models.PendingTaskStatus, models.InProgressTaskStatus, "")
	if err != nil {
		return false, fmt.Errorf("start task %s: %w", taskID, err)
	}
	if started {
		ts.refreshAggregate(taskID)
	}
	return started, nil
}

// Complete persists the agent output and marks the task SUCCESS.
func (ts *TaskService) Complete(taskID string, output json.RawMessage) error {
	if err := ts.store.UpdateTaskOutput(taskID, output); err != nil {
		return fmt.Errorf("persist output for task %s: %w", taskID, err)
	}
	moved, err := ts.store.TransitionTask(taskID, models.InProgressTaskStatus, models.SuccessTaskStatus, "")
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	if !moved {
		return fmt.Errorf("complete task %s: not in progress", taskID)
	}
	ts.refreshAggregate(taskID)
	return nil
}

// Fail marks a running task FAILED with the error attached.
func (ts *TaskService) Fail(taskID, errMsg string) error {
	ts.audit(taskID, models.ErrorLogLevel, errMsg)
	moved, err := ts.store.TransitionTask(taskID, models.InProgressTaskStatus, models.FailedTaskStatus, errMsg)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", taskID, err)
	}
	if !moved {
		return fmt.Errorf("fail task %s: not in progress", taskID)
	}
	ts.refreshAggregate(taskID)
	return nil
}

// FailPending marks a never-started task FAILED (cancellation, exhausted
// queue budget after release).
func (ts *TaskService) FailPending(taskID, errMsg string) (bool, error) {
	ts.audit(taskID, models.ErrorLogLevel, errMsg)
	moved, err := ts.store.TransitionTask(taskID, models.PendingTaskStatus, models.FailedTaskStatus, errMsg)
	if err != nil {
		return false, fmt.Errorf("fail pending task %s: %w", taskID, err)
	}
	if moved {
		ts.refreshAggregate(taskID)
	}
	return moved, nil
}

// Escalate parks a running task in REQUIRES_MANUAL_ACTION with the fault
// analysis persisted as output. The engine never auto-retries it.
func (ts *TaskService) Escalate(taskID string, analysis json.RawMessage, reason string) error {
	ts.audit(taskID, models.ErrorLogLevel, reason)
	if err := ts.store.UpdateTaskOutput(taskID, analysis); err != nil {
		return fmt.Errorf("persist analysis for task %s: %w", taskID, err)
	}
	moved, err := ts.store.TransitionTask(taskID, models.InProgressTaskStatus, models.ManualTaskStatus, reason)
	if err != nil {
		return fmt.Errorf("escalate task %s: %w", taskID, err)
	}
	if !moved {
		return fmt.Errorf("escalate task %s: not in progress", taskID)
	}
	ts.refreshAggregate(taskID)
	return nil
}

// Release returns a running task to PENDING so a queue-level redelivery can
// restart it. This is the only IN_PROGRESS -> PENDING path and it exists
// purely for transient infrastructure errors; the domain state machine
// never observes the excursion.
func (ts *TaskService) Release(taskID string) error {
	moved, err := ts.store.TransitionTask(taskID, models.InProgressTaskStatus, models.PendingTaskStatus, "")
	if err != nil {
		return fmt.Errorf("release task %s: %w", taskID, err)
	}
	if !moved {
		return fmt.Errorf("release task %s: not in progress", taskID)
	}
	ts.refreshAggregate(taskID)
	return nil
}

// Retry performs the operator FAILED -> PENDING re-queue.
func (ts *TaskService) Retry(taskID string) (bool, error) {
	moved, err := ts.store.ResetTaskForRetry(taskID)
	if err != nil {
		return false, fmt.Errorf("retry task %s: %w", taskID, err)
	}
	if moved {
		ts.audit(taskID, models.SystemLogLevel, "operator retry: task re-queued")
		ts.refreshAggregate(taskID)
	}
	return moved, nil
}

func (ts *TaskService) audit(taskID string, level models.LogLevel, msg string) {
	if err := ts.store.AppendLog(models.TaskLog{TaskID: taskID, Level: level, Message: msg}); err != nil {
		ts.logger.Errorf("Failed to append log for task %s: %v", taskID, err)
	}
}

// refreshAggregate recomputes the owning deployment's status from its
// tasks. Failures here are logged, not surfaced: the aggregate is derived
// state and the next transition recomputes it.
func (ts *TaskService) refreshAggregate(taskID string) {
	task, err := ts.store.GetTask(taskID)
	if err != nil {
		ts.logger.Errorf("Failed to load task %s for aggregate refresh: %v", taskID, err)
		return
	}
	if err := ts.RefreshDeploymentStatus(task.DeploymentID); err != nil {
		ts.logger.Errorf("Failed to refresh deployment %s status: %v", task.DeploymentID, err)
	}
}

// RefreshDeploymentStatus applies the aggregate precedence function to the
// deployment's current tasks and persists the result when it changed.
func (ts *TaskService) RefreshDeploymentStatus(deploymentID string) error {
	deployment, err := ts.store.GetDeployment(deploymentID)
	if err != nil {
		return fmt.Errorf("load deployment %s: %w", deploymentID, err)
	}
	tasks, err := ts.store.ListTasksByDeployment(deploymentID)
	if err != nil {
		return fmt.Errorf("list tasks for deployment %s: %w", deploymentID, err)
	}
	next := models.AggregateStatus(deployment.Status, tasks)
	if next == deployment.Status {
		return nil
	}
	return ts.store.UpdateDeploymentStatus(deploymentID, next)
}
