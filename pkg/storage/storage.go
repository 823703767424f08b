package storage

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/shipmate-dev/shipmate/pkg/models"
)

var ErrNotFound = errors.New("not found")

// Store defines the persistence operations for shipmate. It is the single
// source of truth for task state; the engine assumes per-row atomic
// read-modify-write (TransitionTask) but no cross-row transactions around
// the reconcile read-then-enqueue sequence.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Deployment operations
	SaveDeployment(d models.Deployment) error
	GetDeployment(id string) (models.Deployment, error)
	ListDeployments() ([]models.Deployment, error)
	UpdateDeploymentStatus(id string, status models.DeploymentStatus) error

	// Task operations
	SaveTask(t models.AgentTask) error
	GetTask(id string) (models.AgentTask, error)
	ListTasksByDeployment(deploymentID string) ([]models.AgentTask, error)
	// ListPendingTasks returns PENDING tasks oldest-first, at most limit.
	ListPendingTasks(limit int) ([]models.AgentTask, error)
	// TransitionTask moves a task from one status to another atomically and
	// reports whether the row actually moved. started_at is stamped on
	// entry to IN_PROGRESS, completed_at on entry to a terminal status.
	TransitionTask(id string, from, to models.TaskStatus, errMsg string) (bool, error)
	UpdateTaskOutput(id string, output json.RawMessage) error
	// IncrementTaskAttempts bumps the domain-level attempts counter (the
	// self-correction ceiling, not the queue redelivery budget).
	IncrementTaskAttempts(id string) error
	// ResetTaskForRetry performs the operator FAILED -> PENDING re-queue:
	// attempts+1, started_at/completed_at cleared. Reports whether the task
	// was in FAILED.
	ResetTaskForRetry(id string) (bool, error)

	// Log operations (append-only)
	AppendLog(l models.TaskLog) error
	ListLogs(taskID string) ([]models.TaskLog, error)

	// Diagnosis operations (append-only)
	SaveDiagnosis(d models.Diagnosis) error
	ListDiagnoses(deploymentID string) ([]models.Diagnosis, error)
}
