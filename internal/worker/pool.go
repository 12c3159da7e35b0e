// Package worker runs units of work from a durable queue on a pool of
// goroutines. Acknowledgment happens only after the handler returns, so
// a crashed worker lets the item's lease lapse and the work re-executes
// elsewhere. Handlers must therefore be idempotent.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prodimport/importer/internal/queue"
)

// Handler processes one work item. Returning an error requeues the item
// (with backoff) until its attempt budget runs out; terminal domain
// outcomes should be recorded by the handler and reported as nil.
type Handler func(ctx context.Context, item *queue.Item) error

// Options tunes a Pool. Zero values take the defaults below.
type Options struct {
	Concurrency  int           // goroutines polling the queue (default 2)
	PollInterval time.Duration // idle poll cadence (default 500ms)
	Lease        time.Duration // dequeue lease duration (default 1m)
	RetryDelay   time.Duration // requeue delay after a handler error (default 10s)
	ReapInterval time.Duration // expired-lease reap cadence (default 30s; janitor only)
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.Lease <= 0 {
		o.Lease = time.Minute
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 10 * time.Second
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = 30 * time.Second
	}
	return o
}

// Pool consumes one logical queue.
type Pool struct {
	queue     queue.Queue
	queueName string
	handler   Handler
	opts      Options
	wg        sync.WaitGroup
}

// NewPool creates a pool for the named logical queue.
func NewPool(q queue.Queue, queueName string, handler Handler, opts Options) *Pool {
	return &Pool{
		queue:     q,
		queueName: queueName,
		handler:   handler,
		opts:      opts.withDefaults(),
	}
}

// Start launches the pool's workers. It returns immediately; workers
// stop when ctx is cancelled. Wait blocks until they have drained.
func (p *Pool) Start(ctx context.Context) {
	slog.Info("worker pool started",
		"queue", p.queueName,
		"concurrency", p.opts.Concurrency,
	)
	for i := 0; i < p.opts.Concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped", "queue", p.queueName, "worker", id)
			return
		case <-ticker.C:
			// Drain everything eligible before going back to sleep.
			for p.processNext(ctx, id) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// processNext leases and runs one item. Returns false when the queue
// was empty.
func (p *Pool) processNext(ctx context.Context, id int) bool {
	item, err := p.queue.Dequeue(ctx, p.queueName, p.opts.Lease)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("dequeue failed", "queue", p.queueName, "error", err)
		}
		return false
	}
	if item == nil {
		return false
	}

	logger := slog.With(
		"queue", p.queueName,
		"worker", id,
		"item_id", item.ID,
		"attempt", item.Attempts,
	)

	start := time.Now()
	err = p.handler(ctx, item)
	if err == nil {
		if ackErr := p.queue.Ack(ctx, item.ID); ackErr != nil {
			logger.Error("ack failed", "error", ackErr)
		}
		logger.Debug("work item completed", "duration_ms", time.Since(start).Milliseconds())
		return true
	}

	if item.Attempts >= item.MaxAttempts {
		logger.Error("work item dropped after final attempt", "error", err)
		if ackErr := p.queue.Ack(ctx, item.ID); ackErr != nil {
			logger.Error("ack failed", "error", ackErr)
		}
		return true
	}

	logger.Warn("work item failed, requeueing", "error", err)
	if nackErr := p.queue.Nack(ctx, item.ID, p.opts.RetryDelay); nackErr != nil {
		logger.Error("nack failed", "error", nackErr)
	}
	return true
}

// StartJanitor periodically returns expired leases to their queues so
// work abandoned by a crashed worker becomes visible again. It runs
// until ctx is cancelled.
func StartJanitor(ctx context.Context, q queue.Queue, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	slog.Info("queue janitor started", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("queue janitor stopped")
			return
		case <-ticker.C:
			n, err := q.ReapExpired(ctx)
			if err != nil {
				slog.Error("lease reap failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("reaped expired leases", "count", n)
			}
		}
	}
}
