package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shipmate-dev/shipmate/pkg/models"
)

const (
	// DefaultPriority is used for freshly created work.
	DefaultPriority = 0
	// RecoveryPriority is used for reconciliation-originated enqueues so
	// stalled work drains before new work piles up.
	RecoveryPriority = 10

	// DefaultMaxAttempts bounds queue-level redelivery of one item. This
	// budget is independent of the task's own attempts counter.
	DefaultMaxAttempts = 3
)

// Options control a single enqueue.
type Options struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int // 0 means DefaultMaxAttempts
}

// Item is one leased unit of work. An item is delivered to one worker at a
// time; redelivery after a crash or Nack is expected and must be absorbed by
// the consumer's idempotent-start check.
type Item struct {
	ID          string
	TaskID      string
	Capability  models.Capability
	Payload     json.RawMessage
	Priority    int
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
}

// Queue is a durable priority queue with delayed delivery and a per-item
// attempt budget.
type Queue interface {
	// Enqueue adds a unit of work and returns its queue handle.
	Enqueue(ctx context.Context, capability models.Capability, taskID string, payload json.RawMessage, opts Options) (string, error)
	// Dequeue leases the highest-priority ready item, or nil when none.
	Dequeue(ctx context.Context) (*Item, error)
	// Ack marks a leased item finished.
	Ack(ctx context.Context, itemID string) error
	// Nack reports a transient delivery failure. The item is redelivered
	// with backoff while budget remains; Nack returns false once the budget
	// is exhausted so the caller can mark the task FAILED instead of the
	// unit being silently dropped.
	Nack(ctx context.Context, itemID, reason string) (bool, error)
	// Cancel removes a not-yet-leased item for the task, reporting whether
	// anything was removed. Leased items are not preempted.
	Cancel(ctx context.Context, taskID string) (bool, error)
	Close() error
}

// Backoff returns the redelivery delay before the given attempt number.
func Backoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}
