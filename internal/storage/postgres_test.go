package storage_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lib/pq"
	internal_storage "github.com/shipmate-dev/shipmate/internal/storage"
	"github.com/shipmate-dev/shipmate/internal/testutil"
	"github.com/shipmate-dev/shipmate/pkg/models"
	"github.com/shipmate-dev/shipmate/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	// Each subtest runs inside a transaction rolled back afterwards.
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		txStore, err := store.Begin()
		require.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore.(*internal_storage.PostgresStore)
	}

	newDeployment := func(id string) models.Deployment {
		return models.Deployment{
			ID:        id,
			RepoURL:   "https://example.com/app.git",
			Intent:    "deploy the app",
			Status:    models.PendingDeploymentStatus,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
	}

	newTask := func(id, deploymentID string) models.AgentTask {
		return models.AgentTask{
			ID:           id,
			DeploymentID: deploymentID,
			Capability:   models.DeploymentCapability,
			Name:         "build",
			Status:       models.PendingTaskStatus,
			Input:        json.RawMessage(`{"repo_url":"https://example.com/app.git"}`),
			CreatedAt:    time.Now(),
		}
	}

	t.Run("SaveAndGetDeployment", func(t *testing.T) {
		store := newTxStore(t)
		d := newDeployment("d1")
		require.NoError(t, store.SaveDeployment(d))

		saved, err := store.GetDeployment("d1")
		require.NoError(t, err)
		assert.Equal(t, d.Intent, saved.Intent)
		assert.Equal(t, models.PendingDeploymentStatus, saved.Status)
	})

	t.Run("GetDeploymentNotFound", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetDeployment("missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SaveAndGetTask", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveDeployment(newDeployment("d2")))
		task := newTask("t1", "d2")
		require.NoError(t, store.SaveTask(task))

		saved, err := store.GetTask("t1")
		require.NoError(t, err)
		assert.Equal(t, models.DeploymentCapability, saved.Capability)
		assert.Equal(t, models.PendingTaskStatus, saved.Status)
		assert.JSONEq(t, string(task.Input), string(saved.Input))
		assert.Nil(t, saved.StartedAt)
	})

	t.Run("SaveTaskDefaultsCreatedAt", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveDeployment(newDeployment("d10")))

		// Planned children arrive without a timestamp; the store must stamp
		// one so oldest-first pending ordering holds.
		task := newTask("t10", "d10")
		task.CreatedAt = time.Time{}
		require.NoError(t, store.SaveTask(task))

		saved, err := store.GetTask("t10")
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), saved.CreatedAt, time.Minute)

		pending, err := store.ListPendingTasks(10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "t10", pending[0].ID)
	})

	t.Run("TransitionTaskCAS", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveDeployment(newDeployment("d3")))
		require.NoError(t, store.SaveTask(newTask("t2", "d3")))

		moved, err := store.TransitionTask("t2", models.PendingTaskStatus, models.InProgressTaskStatus, "")
		require.NoError(t, err)
		assert.True(t, moved)

		// The same transition a second time loses the compare-and-set.
		moved, err = store.TransitionTask("t2", models.PendingTaskStatus, models.InProgressTaskStatus, "")
		require.NoError(t, err)
		assert.False(t, moved)

		saved, err := store.GetTask("t2")
		require.NoError(t, err)
		assert.Equal(t, models.InProgressTaskStatus, saved.Status)
		assert.NotNil(t, saved.StartedAt)
	})

	t.Run("TransitionToTerminalSetsCompletedAt", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveDeployment(newDeployment("d4")))
		require.NoError(t, store.SaveTask(newTask("t3", "d4")))

		moved, err := store.TransitionTask("t3", models.PendingTaskStatus, models.InProgressTaskStatus, "")
		require.NoError(t, err)
		require.True(t, moved)
		moved, err = store.TransitionTask("t3", models.InProgressTaskStatus, models.FailedTaskStatus, "build exploded")
		require.NoError(t, err)
		require.True(t, moved)

		saved, err := store.GetTask("t3")
		require.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, saved.Status)
		assert.Equal(t, "build exploded", saved.ErrorMsg)
		assert.NotNil(t, saved.CompletedAt)
	})

	t.Run("ResetTaskForRetry", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveDeployment(newDeployment("d5")))
		require.NoError(t, store.SaveTask(newTask("t4", "d5")))
		_, err := store.TransitionTask("t4", models.PendingTaskStatus, models.InProgressTaskStatus, "")
		require.NoError(t, err)
		_, err = store.TransitionTask("t4", models.InProgressTaskStatus, models.FailedTaskStatus, "boom")
		require.NoError(t, err)

		moved, err := store.ResetTaskForRetry("t4")
		require.NoError(t, err)
		assert.True(t, moved)

		saved, err := store.GetTask("t4")
		require.NoError(t, err)
		assert.Equal(t, models.PendingTaskStatus, saved.Status)
		assert.Equal(t, 1, saved.Attempts)
		assert.Nil(t, saved.StartedAt)
		assert.Nil(t, saved.CompletedAt)

		// Only FAILED tasks reset.
		moved, err = store.ResetTaskForRetry("t4")
		require.NoError(t, err)
		assert.False(t, moved)
	})

	t.Run("ListPendingTasksOldestFirst", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveDeployment(newDeployment("d6")))
		older := newTask("t5", "d6")
		older.CreatedAt = time.Now().Add(-time.Hour)
		require.NoError(t, store.SaveTask(older))
		require.NoError(t, store.SaveTask(newTask("t6", "d6")))
		running := newTask("t7", "d6")
		require.NoError(t, store.SaveTask(running))
		_, err := store.TransitionTask("t7", models.PendingTaskStatus, models.InProgressTaskStatus, "")
		require.NoError(t, err)

		pending, err := store.ListPendingTasks(10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "t5", pending[0].ID)
		assert.Equal(t, "t6", pending[1].ID)

		limited, err := store.ListPendingTasks(1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "t5", limited[0].ID)
	})

	t.Run("UpdateTaskOutputAndAttempts", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveDeployment(newDeployment("d7")))
		require.NoError(t, store.SaveTask(newTask("t8", "d7")))

		require.NoError(t, store.UpdateTaskOutput("t8", json.RawMessage(`{"image_ref":"app:1"}`)))
		require.NoError(t, store.IncrementTaskAttempts("t8"))
		require.NoError(t, store.IncrementTaskAttempts("t8"))

		saved, err := store.GetTask("t8")
		require.NoError(t, err)
		assert.JSONEq(t, `{"image_ref":"app:1"}`, string(saved.Output))
		assert.Equal(t, 2, saved.Attempts)
	})

	t.Run("AppendAndListLogs", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveDeployment(newDeployment("d8")))
		require.NoError(t, store.SaveTask(newTask("t9", "d8")))

		require.NoError(t, store.AppendLog(models.TaskLog{TaskID: "t9", Level: models.SystemLogLevel, Message: "build attempt 1"}))
		require.NoError(t, store.AppendLog(models.TaskLog{TaskID: "t9", Level: models.ErrorLogLevel, Message: "build failed"}))

		logs, err := store.ListLogs("t9")
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, "build attempt 1", logs[0].Message)
		assert.Equal(t, models.ErrorLogLevel, logs[1].Level)
	})

	t.Run("SaveAndListDiagnoses", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.SaveDeployment(newDeployment("d9")))

		require.NoError(t, store.SaveDiagnosis(models.Diagnosis{
			ID:           "diag-1",
			DeploymentID: "d9",
			ErrorText:    "HTTP 503",
			RootCause:    "upstream down",
			Suggestion:   "restart upstream",
			ContextRefs:  pq.StringArray{"inc-1", "inc-2"},
		}))

		saved, err := store.ListDiagnoses("d9")
		require.NoError(t, err)
		require.Len(t, saved, 1)
		assert.Equal(t, "upstream down", saved[0].RootCause)
		assert.EqualValues(t, []string{"inc-1", "inc-2"}, []string(saved[0].ContextRefs))
	})
}
