package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Queue used by tests. It mirrors the SQLite
// implementation's semantics, including NotBefore visibility and lease
// expiry, with an overridable clock for deterministic retry tests.
type Memory struct {
	mu    sync.Mutex
	items map[string]*memItem
	seq   int64

	// Now supplies the current time; defaults to time.Now.
	Now func() time.Time
}

type memItem struct {
	Item
	status string // pending | leased
	seq    int64
}

// NewMemory returns an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]*memItem), Now: time.Now}
}

var _ Queue = (*Memory)(nil)

func (q *Memory) Enqueue(ctx context.Context, queueName string, payload []byte, notBefore time.Time, maxAttempts int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.Now().UTC()
	if notBefore.IsZero() {
		notBefore = now
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	q.seq++
	id := uuid.New().String()
	q.items[id] = &memItem{
		Item: Item{
			ID:          id,
			Queue:       queueName,
			Payload:     append([]byte(nil), payload...),
			MaxAttempts: maxAttempts,
			NotBefore:   notBefore,
			EnqueuedAt:  now,
		},
		status: "pending",
		seq:    q.seq,
	}
	return id, nil
}

func (q *Memory) Dequeue(ctx context.Context, queueName string, lease time.Duration) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.Now().UTC()
	var oldest *memItem
	for _, it := range q.items {
		if it.Queue != queueName || it.NotBefore.After(now) {
			continue
		}
		if it.status == "leased" && it.LeasedUntil.After(now) {
			continue
		}
		if oldest == nil || it.seq < oldest.seq {
			oldest = it
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.status = "leased"
	oldest.Attempts++
	oldest.LeasedUntil = now.Add(lease)
	cp := oldest.Item
	return &cp, nil
}

func (q *Memory) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, id)
	return nil
}

func (q *Memory) Nack(ctx context.Context, id string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return nil
	}
	it.status = "pending"
	it.LeasedUntil = time.Time{}
	it.NotBefore = q.Now().UTC().Add(delay)
	return nil
}

func (q *Memory) ReapExpired(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.Now().UTC()
	n := 0
	for _, it := range q.items {
		if it.status == "leased" && it.LeasedUntil.Before(now) {
			it.status = "pending"
			it.LeasedUntil = time.Time{}
			n++
		}
	}
	return n, nil
}

// Depth reports how many items are sitting on the named queue.
func (q *Memory) Depth(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.Queue == queueName {
			n++
		}
	}
	return n
}
