package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/shipmate-dev/shipmate/pkg/models"
	"github.com/shipmate-dev/shipmate/pkg/queue"
)

const defaultBackoffBase = 2 * time.Second

// PostgresQueue implements queue.Queue on a queue_items table. Leasing uses
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never receive the
// same ready item; a row leased by a worker that crashed before Ack/Nack is
// recovered by requeue-on-restart (see RequeueLeased).
type PostgresQueue struct {
	db      *sqlx.DB
	backoff time.Duration
}

func NewPostgresQueue(connStr string) (*PostgresQueue, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresQueue{db: db, backoff: defaultBackoffBase}, nil
}

func (q *PostgresQueue) Close() error { return q.db.Close() }

func (q *PostgresQueue) Enqueue(ctx context.Context, capability models.Capability, taskID string, payload json.RawMessage, opts queue.Options) (string, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultMaxAttempts
	}
	id := uuid.NewString()
	var body interface{}
	if len(payload) > 0 {
		body = []byte(payload)
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_items (id, task_id, capability, payload, priority, attempts, max_attempts, run_at, state, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, 'ready', CURRENT_TIMESTAMP)`,
		id, taskID, capability, body, opts.Priority, maxAttempts, time.Now().Add(opts.Delay))
	if err != nil {
		return "", errors.Wrap(err, "enqueue")
	}
	return id, nil
}

type queueRow struct {
	ID          string          `db:"id"`
	TaskID      string          `db:"task_id"`
	Capability  string          `db:"capability"`
	Payload     json.RawMessage `db:"payload"`
	Priority    int             `db:"priority"`
	Attempts    int             `db:"attempts"`
	MaxAttempts int             `db:"max_attempts"`
	RunAt       time.Time       `db:"run_at"`
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (*queue.Item, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dequeue begin")
	}
	defer func() { _ = tx.Rollback() }()

	var row queueRow
	err = tx.GetContext(ctx, &row, `
		SELECT id, task_id, capability, payload, priority, attempts, max_attempts, run_at
		FROM queue_items
		WHERE state = 'ready' AND run_at <= CURRENT_TIMESTAMP
		ORDER BY priority DESC, created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "dequeue select")
	}
	if _, err := tx.ExecContext(ctx, "UPDATE queue_items SET state = 'leased', leased_at = CURRENT_TIMESTAMP WHERE id = $1", row.ID); err != nil {
		return nil, errors.Wrap(err, "dequeue lease")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "dequeue commit")
	}
	return &queue.Item{
		ID:          row.ID,
		TaskID:      row.TaskID,
		Capability:  models.Capability(row.Capability),
		Payload:     row.Payload,
		Priority:    row.Priority,
		Attempts:    row.Attempts,
		MaxAttempts: row.MaxAttempts,
		RunAt:       row.RunAt,
	}, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, itemID string) error {
	res, err := q.db.ExecContext(ctx, "UPDATE queue_items SET state = 'done' WHERE id = $1 AND state = 'leased'", itemID)
	if err != nil {
		return errors.Wrap(err, "ack")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return errors.Errorf("ack: item %s not leased", itemID)
	}
	return nil
}

func (q *PostgresQueue) Nack(ctx context.Context, itemID, reason string) (bool, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "nack begin")
	}
	defer func() { _ = tx.Rollback() }()

	var row queueRow
	err = tx.GetContext(ctx, &row, "SELECT id, task_id, capability, payload, priority, attempts, max_attempts, run_at FROM queue_items WHERE id = $1 AND state = 'leased' FOR UPDATE", itemID)
	if err == sql.ErrNoRows {
		return false, errors.Errorf("nack: item %s not leased", itemID)
	}
	if err != nil {
		return false, errors.Wrap(err, "nack select")
	}

	attempts := row.Attempts + 1
	if attempts >= row.MaxAttempts {
		if _, err := tx.ExecContext(ctx, "UPDATE queue_items SET state = 'dead', attempts = $1, last_error = $2 WHERE id = $3", attempts, reason, itemID); err != nil {
			return false, errors.Wrap(err, "nack dead")
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return false, nil
	}
	runAt := time.Now().Add(queue.Backoff(q.backoff, attempts))
	if _, err := tx.ExecContext(ctx, "UPDATE queue_items SET state = 'ready', attempts = $1, last_error = $2, run_at = $3 WHERE id = $4", attempts, reason, runAt, itemID); err != nil {
		return false, errors.Wrap(err, "nack requeue")
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (q *PostgresQueue) Cancel(ctx context.Context, taskID string) (bool, error) {
	res, err := q.db.ExecContext(ctx, "DELETE FROM queue_items WHERE task_id = $1 AND state = 'ready'", taskID)
	if err != nil {
		return false, errors.Wrap(err, "cancel")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RequeueLeased returns crashed-process leases to ready. Called once at
// startup, before the reconcile sweep; the idempotent-start check absorbs
// any duplicate delivery this produces.
func (q *PostgresQueue) RequeueLeased(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, "UPDATE queue_items SET state = 'ready' WHERE state = 'leased'")
	if err != nil {
		return 0, errors.Wrap(err, "requeue leased")
	}
	return res.RowsAffected()
}
