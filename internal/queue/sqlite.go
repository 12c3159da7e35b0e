package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a Queue backed by a local SQLite database. One file holds
// every logical queue; the queue column partitions them.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the queue database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent workers.
	db.SetMaxOpenConns(1)

	q := &SQLite{db: db}
	if err := q.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// Close closes the underlying database.
func (q *SQLite) Close() error {
	return q.db.Close()
}

// Ping verifies the queue database is reachable.
func (q *SQLite) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

func (q *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS work_items (
		id           TEXT PRIMARY KEY,
		queue        TEXT NOT NULL,
		payload      BLOB NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		attempts     INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		not_before   TIMESTAMP NOT NULL,
		leased_until TIMESTAMP,
		enqueued_at  TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_work_items_queue ON work_items(queue, status, not_before);
	CREATE INDEX IF NOT EXISTS idx_work_items_lease ON work_items(leased_until) WHERE leased_until IS NOT NULL;
	`
	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("init queue schema: %w", err)
	}
	return nil
}

var _ Queue = (*SQLite)(nil)

func (q *SQLite) Enqueue(ctx context.Context, queueName string, payload []byte, notBefore time.Time, maxAttempts int) (string, error) {
	now := time.Now().UTC()
	if notBefore.IsZero() {
		notBefore = now
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	id := uuid.New().String()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO work_items (id, queue, payload, status, attempts, max_attempts, not_before, enqueued_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?)`,
		id, queueName, payload, maxAttempts, notBefore, now)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

func (q *SQLite) Dequeue(ctx context.Context, queueName string, lease time.Duration) (*Item, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	item := &Item{Queue: queueName}
	err = tx.QueryRowContext(ctx, `
		SELECT id, payload, attempts, max_attempts, not_before, enqueued_at
		FROM work_items
		WHERE queue = ?
		  AND not_before <= ?
		  AND (status = 'pending' OR (status = 'leased' AND leased_until < ?))
		ORDER BY enqueued_at ASC
		LIMIT 1`, queueName, now, now).Scan(
		&item.ID, &item.Payload, &item.Attempts, &item.MaxAttempts,
		&item.NotBefore, &item.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue select: %w", err)
	}

	item.Attempts++
	item.LeasedUntil = now.Add(lease)
	_, err = tx.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'leased', attempts = ?, leased_until = ?
		WHERE id = ?`,
		item.Attempts, item.LeasedUntil, item.ID)
	if err != nil {
		return nil, fmt.Errorf("dequeue lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dequeue commit: %w", err)
	}
	return item, nil
}

func (q *SQLite) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM work_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

func (q *SQLite) Nack(ctx context.Context, id string, delay time.Duration) error {
	notBefore := time.Now().UTC().Add(delay)
	_, err := q.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'pending', leased_until = NULL, not_before = ?
		WHERE id = ?`, notBefore, id)
	if err != nil {
		return fmt.Errorf("nack %s: %w", id, err)
	}
	return nil
}

func (q *SQLite) ReapExpired(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'pending', leased_until = NULL
		WHERE status = 'leased' AND leased_until < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Depth reports how many items are sitting on the named queue.
func (q *SQLite) Depth(ctx context.Context, queueName string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT count(*) FROM work_items WHERE queue = ?`, queueName).Scan(&n)
	return n, err
}
