// Package queue provides the durable work queue behind the import and
// webhook pipelines. Work items are delivered at least once: a dequeue
// takes a time-bounded lease, and only an explicit ack removes the item.
// A worker that crashes mid-item simply lets the lease lapse, after
// which the item becomes visible again.
//
// Import and webhook work live on separate logical queues over the same
// store, so a slow webhook endpoint cannot starve CSV ingestion.
package queue

import (
	"context"
	"time"
)

// Logical queue names.
const (
	ImportQueue  = "import"
	WebhookQueue = "webhook"
)

// Item is one unit of work.
type Item struct {
	ID          string
	Queue       string
	Payload     []byte
	Attempts    int // number of times the item has been dequeued
	MaxAttempts int
	NotBefore   time.Time
	LeasedUntil time.Time
	EnqueuedAt  time.Time
}

// Queue is a durable at-least-once work queue.
type Queue interface {
	// Enqueue adds a work item. A zero notBefore means immediately
	// eligible. Returns the item id.
	Enqueue(ctx context.Context, queueName string, payload []byte, notBefore time.Time, maxAttempts int) (string, error)

	// Dequeue leases the oldest eligible item on the named queue for
	// the given duration. Returns (nil, nil) when nothing is eligible.
	Dequeue(ctx context.Context, queueName string, lease time.Duration) (*Item, error)

	// Ack removes a completed item.
	Ack(ctx context.Context, id string) error

	// Nack returns a failed item to the queue, eligible again after
	// the given delay.
	Nack(ctx context.Context, id string, delay time.Duration) error

	// ReapExpired makes items with lapsed leases visible again and
	// returns how many were reaped.
	ReapExpired(ctx context.Context) (int, error)
}
