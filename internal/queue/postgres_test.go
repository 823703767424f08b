package queue_test

import (
	"context"
	"encoding/json"
	"testing"

	internal_queue "github.com/shipmate-dev/shipmate/internal/queue"
	"github.com/shipmate-dev/shipmate/internal/testutil"
	"github.com/shipmate-dev/shipmate/pkg/models"
	"github.com/shipmate-dev/shipmate/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)
	ctx := context.Background()

	q, err := internal_queue.NewPostgresQueue(testDB.ConnStr)
	require.NoError(t, err)
	defer q.Close()

	enqueue := func(t *testing.T, taskID string, opts queue.Options) string {
		t.Helper()
		id, err := q.Enqueue(ctx, models.DeploymentCapability, taskID, json.RawMessage(`{"repo_url":"x"}`), opts)
		require.NoError(t, err)
		return id
	}

	drain := func(t *testing.T) {
		t.Helper()
		for {
			item, err := q.Dequeue(ctx)
			require.NoError(t, err)
			if item == nil {
				return
			}
			require.NoError(t, q.Ack(ctx, item.ID))
		}
	}

	t.Run("EnqueueDequeueAck", func(t *testing.T) {
		defer drain(t)
		enqueue(t, "task-a", queue.Options{})

		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, "task-a", item.TaskID)
		assert.Equal(t, models.DeploymentCapability, item.Capability)
		assert.JSONEq(t, `{"repo_url":"x"}`, string(item.Payload))

		// Leased items are invisible to other consumers.
		again, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, again)

		require.NoError(t, q.Ack(ctx, item.ID))
		assert.Error(t, q.Ack(ctx, item.ID))
	})

	t.Run("PriorityOrdering", func(t *testing.T) {
		defer drain(t)
		enqueue(t, "low", queue.Options{Priority: queue.DefaultPriority})
		enqueue(t, "high", queue.Options{Priority: queue.RecoveryPriority})

		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, "high", item.TaskID, "recovery work dequeues first")
	})

	t.Run("NackExhaustion", func(t *testing.T) {
		defer drain(t)
		enqueue(t, "doomed", queue.Options{MaxAttempts: 1})

		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, item)

		requeued, err := q.Nack(ctx, item.ID, "boom")
		require.NoError(t, err)
		assert.False(t, requeued, "single-attempt budget is spent")

		dead, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, dead, "dead items never redeliver")
	})

	t.Run("NackSchedulesBackoff", func(t *testing.T) {
		defer drain(t)
		enqueue(t, "flaky", queue.Options{MaxAttempts: 3})

		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, item)

		requeued, err := q.Nack(ctx, item.ID, "transient")
		require.NoError(t, err)
		assert.True(t, requeued)

		// The redelivery is delayed by the backoff, so it is not ready yet.
		early, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, early)

		// Remove the delayed item so it cannot leak into later subtests.
		removed, err := q.Cancel(ctx, "flaky")
		require.NoError(t, err)
		assert.True(t, removed)
	})

	t.Run("CancelRemovesReadyItems", func(t *testing.T) {
		defer drain(t)
		enqueue(t, "victim", queue.Options{})

		removed, err := q.Cancel(ctx, "victim")
		require.NoError(t, err)
		assert.True(t, removed)

		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, item)

		removed, err = q.Cancel(ctx, "victim")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("RequeueLeasedAfterCrash", func(t *testing.T) {
		defer drain(t)
		enqueue(t, "orphan", queue.Options{})

		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, item)

		// Simulate a crash: the lease is never acked or nacked.
		n, err := q.RequeueLeased(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		recovered, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, recovered)
		assert.Equal(t, "orphan", recovered.TaskID)
		require.NoError(t, q.Ack(ctx, recovered.ID))
	})
}
