package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shipmate-dev/shipmate/pkg/agents"
	"github.com/shipmate-dev/shipmate/pkg/models"
	"github.com/shipmate-dev/shipmate/pkg/queue"
	"github.com/shipmate-dev/shipmate/pkg/storage"
)

// Config tunes the engine. Zero values fall back to the defaults.
type Config struct {
	Workers           int
	PollInterval      time.Duration
	ReconcileBatch    int
	SettleDelay       time.Duration
	ReconcileInterval time.Duration
}

// Coordinator is the composition root: it owns the worker pool and the
// reconciler and exposes the operations the HTTP and CLI surfaces call.
// Everything is injected; there is no process-wide lookup.
type Coordinator struct {
	store      storage.Store
	q          queue.Queue
	tasks      *TaskService
	pool       *WorkerPool
	reconciler *Reconciler
	logger     Logger
	cancel     context.CancelFunc
}

func NewCoordinator(store storage.Store, q queue.Queue, registry *agents.Registry, logger Logger, metrics *Metrics, cfg Config) *Coordinator {
	tasks := NewTaskService(store, logger)
	pool := NewWorkerPool(q, registry, tasks, logger, metrics, cfg.Workers)
	if cfg.PollInterval > 0 {
		pool.pollInterval = cfg.PollInterval
	}
	reconciler := NewReconciler(store, q, logger, metrics)
	if cfg.ReconcileBatch > 0 {
		reconciler.batchSize = cfg.ReconcileBatch
	}
	if cfg.SettleDelay > 0 {
		reconciler.settle = cfg.SettleDelay
	}
	if cfg.ReconcileInterval > 0 {
		reconciler.interval = cfg.ReconcileInterval
	}
	pool.SetOnOrchestratorDone(reconciler.Kick)
	return &Coordinator{
		store:      store,
		q:          q,
		tasks:      tasks,
		pool:       pool,
		reconciler: reconciler,
		logger:     logger,
	}
}

// Start launches the worker pool and the reconciliation loop. The
// reconciler's startup sweep re-enqueues whatever a previous process left
// PENDING.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.pool.Start(ctx)
	go c.reconciler.Run(ctx)
}

func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.pool.Stop()
}

// SubmitRequest is one user deployment intent.
type SubmitRequest struct {
	Intent  string `json:"intent"`
	RepoURL string `json:"repo_url,omitempty"`
	Domain  string `json:"domain,omitempty"`
}

// SubmitDeployment creates the deployment, its root orchestrator task, and
// enqueues the root at default priority.
func (c *Coordinator) SubmitDeployment(ctx context.Context, req SubmitRequest) (models.Deployment, error) {
	if req.Intent == "" {
		return models.Deployment{}, errors.New("deployment intent cannot be empty")
	}
	now := time.Now()
	deployment := models.Deployment{
		ID:        uuid.NewString(),
		RepoURL:   req.RepoURL,
		Domain:    req.Domain,
		Intent:    req.Intent,
		Status:    models.PendingDeploymentStatus,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.SaveDeployment(deployment); err != nil {
		return models.Deployment{}, errors.Wrap(err, "save deployment")
	}

	input, err := json.Marshal(agents.PlanRequest{
		DeploymentID: deployment.ID,
		Intent:       req.Intent,
		RepoURL:      req.RepoURL,
		Domain:       req.Domain,
	})
	if err != nil {
		return models.Deployment{}, errors.Wrap(err, "marshal plan request")
	}
	root := models.AgentTask{
		ID:           uuid.NewString(),
		DeploymentID: deployment.ID,
		Capability:   models.OrchestratorCapability,
		Name:         "plan deployment",
		Status:       models.PendingTaskStatus,
		Input:        input,
		CreatedAt:    now,
	}
	if err := c.store.SaveTask(root); err != nil {
		return models.Deployment{}, errors.Wrap(err, "save root task")
	}
	if _, err := c.q.Enqueue(ctx, root.Capability, root.ID, root.Input, queue.Options{Priority: queue.DefaultPriority}); err != nil {
		// The startup/interval sweep will pick the task up; the submission
		// itself has already succeeded.
		c.logger.Errorf("Enqueue of root task %s failed, reconciler will recover it: %v", root.ID, err)
	}
	c.logger.Infof("Submitted deployment %s with root task %s", deployment.ID, root.ID)
	return deployment, nil
}

// RetryTask re-queues a FAILED task at recovery priority.
func (c *Coordinator) RetryTask(ctx context.Context, taskID string) error {
	moved, err := c.tasks.Retry(taskID)
	if err != nil {
		return err
	}
	if !moved {
		return errors.Errorf("task %s is not in FAILED state", taskID)
	}
	task, err := c.store.GetTask(taskID)
	if err != nil {
		return errors.Wrap(err, "load retried task")
	}
	if _, err := c.q.Enqueue(ctx, task.Capability, task.ID, task.Input, queue.Options{Priority: queue.RecoveryPriority}); err != nil {
		c.logger.Errorf("Enqueue of retried task %s failed, reconciler will recover it: %v", taskID, err)
	}
	return nil
}

// CancelTask removes a not-yet-started task from the queue and marks it
// FAILED. A task already executing is not preemptible: cancellation only
// prevents future dispatch.
func (c *Coordinator) CancelTask(ctx context.Context, taskID string) error {
	task, err := c.store.GetTask(taskID)
	if err != nil {
		return errors.Wrap(err, "load task")
	}
	if task.Status == models.InProgressTaskStatus {
		return errors.Errorf("task %s is already executing and cannot be cancelled", taskID)
	}
	if task.Status != models.PendingTaskStatus {
		return errors.Errorf("task %s is already finished", taskID)
	}
	if _, err := c.q.Cancel(ctx, taskID); err != nil {
		return errors.Wrap(err, "remove task from queue")
	}
	moved, err := c.tasks.FailPending(taskID, "cancelled by operator")
	if err != nil {
		return err
	}
	if !moved {
		return errors.Errorf("task %s was picked up before cancellation took effect", taskID)
	}
	return nil
}

// Read-side passthroughs for the HTTP and CLI surfaces.

func (c *Coordinator) GetDeployment(id string) (models.Deployment, error) {
	return c.store.GetDeployment(id)
}

func (c *Coordinator) ListDeployments() ([]models.Deployment, error) {
	return c.store.ListDeployments()
}

func (c *Coordinator) ListTasks(deploymentID string) ([]models.AgentTask, error) {
	return c.store.ListTasksByDeployment(deploymentID)
}

func (c *Coordinator) GetTask(id string) (models.AgentTask, error) {
	return c.store.GetTask(id)
}

func (c *Coordinator) TaskLogs(taskID string) ([]models.TaskLog, error) {
	return c.store.ListLogs(taskID)
}

func (c *Coordinator) Diagnoses(deploymentID string) ([]models.Diagnosis, error) {
	return c.store.ListDiagnoses(deploymentID)
}
