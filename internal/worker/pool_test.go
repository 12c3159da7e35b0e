package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prodimport/importer/internal/queue"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPool_ProcessesAndAcks(t *testing.T) {
	q := queue.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	handler := func(ctx context.Context, item *queue.Item) error {
		mu.Lock()
		seen = append(seen, string(item.Payload))
		mu.Unlock()
		return nil
	}

	for _, payload := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, queue.ImportQueue, []byte(payload), time.Time{}, 1); err != nil {
			t.Fatal(err)
		}
	}

	pool := NewPool(q, queue.ImportQueue, handler, Options{
		Concurrency:  2,
		PollInterval: 5 * time.Millisecond,
	})
	pool.Start(ctx)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})

	waitFor(t, 2*time.Second, func() bool {
		return q.Depth(queue.ImportQueue) == 0
	})

	cancel()
	pool.Wait()
}

func TestPool_RequeuesFailedItem(t *testing.T) {
	q := queue.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	handler := func(ctx context.Context, item *queue.Item) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("transient failure")
		}
		return nil
	}

	if _, err := q.Enqueue(ctx, queue.ImportQueue, []byte("flaky"), time.Time{}, 3); err != nil {
		t.Fatal(err)
	}

	pool := NewPool(q, queue.ImportQueue, handler, Options{
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
		RetryDelay:   time.Millisecond,
	})
	pool.Start(ctx)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	})
	waitFor(t, 2*time.Second, func() bool {
		return q.Depth(queue.ImportQueue) == 0
	})

	cancel()
	pool.Wait()
}

func TestPool_DropsItemAfterFinalAttempt(t *testing.T) {
	q := queue.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	handler := func(ctx context.Context, item *queue.Item) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("permanent failure")
	}

	if _, err := q.Enqueue(ctx, queue.ImportQueue, []byte("doomed"), time.Time{}, 2); err != nil {
		t.Fatal(err)
	}

	pool := NewPool(q, queue.ImportQueue, handler, Options{
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
		RetryDelay:   time.Millisecond,
	})
	pool.Start(ctx)

	// The item is dropped once its attempt budget is spent.
	waitFor(t, 2*time.Second, func() bool {
		return q.Depth(queue.ImportQueue) == 0
	})

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 2 {
		t.Errorf("handler ran %d times, want 2 (max attempts)", got)
	}

	cancel()
	pool.Wait()
}

func TestStartJanitor_ReapsExpiredLeases(t *testing.T) {
	q := queue.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := q.Enqueue(ctx, queue.ImportQueue, []byte("orphan"), time.Time{}, 3); err != nil {
		t.Fatal(err)
	}
	// Lease and abandon the item, simulating a crashed worker.
	if item, err := q.Dequeue(ctx, queue.ImportQueue, 5*time.Millisecond); err != nil || item == nil {
		t.Fatalf("Dequeue() = %v, %v", item, err)
	}

	go StartJanitor(ctx, q, 10*time.Millisecond)

	waitFor(t, 2*time.Second, func() bool {
		item, err := q.Dequeue(ctx, queue.ImportQueue, time.Minute)
		return err == nil && item != nil
	})
}
