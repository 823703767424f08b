package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shipmate-dev/shipmate/pkg/agents"
	"github.com/shipmate-dev/shipmate/pkg/models"
	"github.com/shipmate-dev/shipmate/pkg/queue"
	"github.com/shipmate-dev/shipmate/pkg/service"
	"github.com/shipmate-dev/shipmate/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcilerSweepEnqueuesPendingOnly(t *testing.T) {
	store := storage.NewMockStore()
	q := queue.NewMemoryQueue()
	r := service.NewReconciler(store, q, newLogger(), service.NewMetrics(nil))

	pending := seedTask(t, store, models.PendingTaskStatus)
	seedTask(t, store, models.InProgressTaskStatus)
	seedTask(t, store, models.SuccessTaskStatus)
	seedTask(t, store, models.FailedTaskStatus)

	enqueued, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, enqueued)

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, pending.ID, item.TaskID)
	assert.Equal(t, queue.RecoveryPriority, item.Priority, "recovered work outranks fresh submissions")

	empty, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestReconcilerSweepIsRepeatableAfterDrain(t *testing.T) {
	store := storage.NewMockStore()
	q := queue.NewMemoryQueue()
	r := service.NewReconciler(store, q, newLogger(), service.NewMetrics(nil))

	task := seedTask(t, store, models.PendingTaskStatus)

	enqueued, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, enqueued)

	// The task is still PENDING, so an overlapping sweep enqueues it again.
	// The worker pool's idempotent-start check absorbs the duplicate.
	enqueued, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, enqueued)

	// Once the task moves on, sweeps no longer touch it.
	ts := service.NewTaskService(store, newLogger())
	started, err := ts.Start(task.ID)
	require.NoError(t, err)
	require.True(t, started)

	enqueued, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, enqueued)
}

func TestConcurrentSweepsStartEachTaskExactlyOnce(t *testing.T) {
	const (
		taskCount  = 8
		sweepCount = 4
	)
	store := storage.NewMockStore()
	q := queue.NewMemoryQueue()
	registry := agents.NewRegistry()

	var executions int64
	registry.Register(models.DeploymentCapability, funcAgent(func(ctx context.Context, taskID string, input json.RawMessage) (json.RawMessage, error) {
		atomic.AddInt64(&executions, 1)
		return json.RawMessage(`{}`), nil
	}))

	deployment := models.Deployment{
		ID:        "dep-" + t.Name(),
		Status:    models.PendingDeploymentStatus,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.SaveDeployment(deployment))
	tasks := make([]models.AgentTask, 0, taskCount)
	for i := 0; i < taskCount; i++ {
		task := models.AgentTask{
			ID:           fmt.Sprintf("task-%d-%s", i, t.Name()),
			DeploymentID: deployment.ID,
			Capability:   models.DeploymentCapability,
			Name:         fmt.Sprintf("build %d", i),
			Status:       models.PendingTaskStatus,
			Input:        json.RawMessage(`{"repo_url":"https://example.com/app.git"}`),
			CreatedAt:    time.Now(),
		}
		require.NoError(t, store.SaveTask(task))
		tasks = append(tasks, task)
	}

	coord := service.NewCoordinator(store, q, registry, newLogger(), service.NewMetrics(nil), fastConfig())
	coord.Start(context.Background())
	defer coord.Stop()

	// Overlapping sweeps race the workers and each other; the duplicate
	// enqueues they produce must all lose the idempotent-start check.
	r := service.NewReconciler(store, q, newLogger(), service.NewMetrics(nil))
	var wg sync.WaitGroup
	for i := 0; i < sweepCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Sweep(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, task := range tasks {
		waitForTask(t, store, task.ID, models.SuccessTaskStatus)
	}
	time.Sleep(100 * time.Millisecond) // let the duplicate deliveries drain
	assert.Equal(t, int64(taskCount), atomic.LoadInt64(&executions),
		"every pending task executes exactly once regardless of sweep overlap")
}
