package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shipmate-dev/shipmate/pkg/models"
)

type itemState int

const (
	stateReady itemState = iota
	stateLeased
	stateDone
	stateDead
)

type memItem struct {
	item  Item
	state itemState
	seq   int64
}

// MemoryQueue implements Queue in memory. It preserves the postgres
// implementation's ordering semantics (priority desc, then enqueue order
// among ready items) and is used by unit tests and the examples.
type MemoryQueue struct {
	mu      sync.Mutex
	items   map[string]*memItem
	seq     int64
	backoff time.Duration
	now     func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		items: make(map[string]*memItem),
		now:   time.Now,
	}
}

// WithBackoff sets the redelivery backoff base; zero redelivers immediately.
func (q *MemoryQueue) WithBackoff(base time.Duration) *MemoryQueue {
	q.backoff = base
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, capability models.Capability, taskID string, payload json.RawMessage, opts Options) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	q.seq++
	id := uuid.NewString()
	q.items[id] = &memItem{
		item: Item{
			ID:          id,
			TaskID:      taskID,
			Capability:  capability,
			Payload:     payload,
			Priority:    opts.Priority,
			MaxAttempts: maxAttempts,
			RunAt:       q.now().Add(opts.Delay),
		},
		state: stateReady,
		seq:   q.seq,
	}
	return id, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var ready []*memItem
	for _, it := range q.items {
		if it.state == stateReady && !it.item.RunAt.After(now) {
			ready = append(ready, it)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].item.Priority != ready[j].item.Priority {
			return ready[i].item.Priority > ready[j].item.Priority
		}
		return ready[i].seq < ready[j].seq
	})
	picked := ready[0]
	picked.state = stateLeased
	item := picked.item
	return &item, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, itemID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[itemID]
	if !ok || it.state != stateLeased {
		return errors.Errorf("ack: item %s not leased", itemID)
	}
	it.state = stateDone
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, itemID, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[itemID]
	if !ok || it.state != stateLeased {
		return false, errors.Errorf("nack: item %s not leased", itemID)
	}
	it.item.Attempts++
	if it.item.Attempts >= it.item.MaxAttempts {
		it.state = stateDead
		return false, nil
	}
	it.item.RunAt = q.now().Add(Backoff(q.backoff, it.item.Attempts))
	it.state = stateReady
	return true, nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := false
	for id, it := range q.items {
		if it.item.TaskID == taskID && it.state == stateReady {
			delete(q.items, id)
			removed = true
		}
	}
	return removed, nil
}

func (q *MemoryQueue) Close() error { return nil }
