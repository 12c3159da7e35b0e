package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the query surface shared by *pgxpool.Pool and pgx.Tx, so the
// same statement helpers serve both batch and auto-commit paths.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema is the logical state layout. The products unique index is on
// lower(sku): two SKUs differing only in case collide by design.
const Schema = `
CREATE TABLE IF NOT EXISTS products (
	id              BIGSERIAL PRIMARY KEY,
	sku             VARCHAR(100) NOT NULL,
	name            VARCHAR(255) NOT NULL,
	description     TEXT,
	price           DOUBLE PRECISION,
	category        VARCHAR(100),
	brand           VARCHAR(100),
	inventory_count INTEGER NOT NULL DEFAULT 0,
	is_active       BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_products_sku_lower ON products (lower(sku));

CREATE TABLE IF NOT EXISTS import_jobs (
	id                  VARCHAR(255) PRIMARY KEY,
	filename            VARCHAR(255) NOT NULL,
	total_records       INTEGER NOT NULL DEFAULT 0,
	processed_records   INTEGER NOT NULL DEFAULT 0,
	successful_records  INTEGER NOT NULL DEFAULT 0,
	failed_records      INTEGER NOT NULL DEFAULT 0,
	status              VARCHAR(50) NOT NULL DEFAULT 'pending',
	progress_percentage INTEGER NOT NULL DEFAULT 0,
	error_message       TEXT,
	result_summary      JSONB,
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_import_jobs_status ON import_jobs (status);

CREATE TABLE IF NOT EXISTS webhooks (
	id                    BIGSERIAL PRIMARY KEY,
	name                  VARCHAR(255) NOT NULL,
	url                   VARCHAR(500) NOT NULL,
	event_types           JSONB NOT NULL,
	is_active             BOOLEAN NOT NULL DEFAULT TRUE,
	secret_key            VARCHAR(255),
	headers               JSONB,
	retry_count           INTEGER NOT NULL DEFAULT 3,
	timeout_seconds       INTEGER NOT NULL DEFAULT 30,
	last_triggered_at     TIMESTAMPTZ,
	last_response_code    INTEGER,
	last_response_time_ms BIGINT,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS webhook_logs (
	id               BIGSERIAL PRIMARY KEY,
	webhook_id       BIGINT NOT NULL,
	event_type       VARCHAR(100) NOT NULL,
	payload          JSONB NOT NULL,
	response_code    INTEGER,
	response_body    TEXT,
	response_time_ms BIGINT,
	error_message    TEXT,
	retry_attempt    INTEGER NOT NULL DEFAULT 0,
	success          BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_webhook_logs_webhook ON webhook_logs (webhook_id, created_at DESC);
`

// Postgres is the pgx-backed Store implementation.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ Store = (*Postgres)(nil)

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// --- products ---

const productColumns = `id, sku, name, description, price, category, brand,
	inventory_count, is_active, created_at, updated_at`

func scanProduct(row pgx.Row) (*Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Description, &p.Price,
		&p.Category, &p.Brand, &p.Inventory, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func getProductBySKU(ctx context.Context, q DBTX, sku string) (*Product, error) {
	row := q.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE lower(sku) = lower($1)`, sku)
	return scanProduct(row)
}

func insertProduct(ctx context.Context, q DBTX, p *Product) error {
	return q.QueryRow(ctx, `
		INSERT INTO products (sku, name, description, price, category, brand,
			inventory_count, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		p.SKU, p.Name, p.Description, p.Price, p.Category, p.Brand,
		p.Inventory, p.Active, p.CreatedAt, p.UpdatedAt).Scan(&p.ID)
}

func updateProduct(ctx context.Context, q DBTX, p *Product) error {
	tag, err := q.Exec(ctx, `
		UPDATE products
		SET sku = $2, name = $3, description = $4, price = $5, category = $6,
			brand = $7, inventory_count = $8, is_active = $9, updated_at = $10
		WHERE id = $1`,
		p.ID, p.SKU, p.Name, p.Description, p.Price, p.Category, p.Brand,
		p.Inventory, p.Active, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) GetBySKU(ctx context.Context, sku string) (*Product, error) {
	return getProductBySKU(ctx, s.pool, sku)
}

func (s *Postgres) Insert(ctx context.Context, p *Product) error {
	return insertProduct(ctx, s.pool, p)
}

func (s *Postgres) Update(ctx context.Context, p *Product) error {
	return updateProduct(ctx, s.pool, p)
}

func (s *Postgres) CountBySKU(ctx context.Context, sku string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM products WHERE lower(sku) = lower($1)`, sku).Scan(&n)
	return n, err
}

// pgBatch exposes the product writer surface over one transaction.
type pgBatch struct {
	tx pgx.Tx
}

func (b *pgBatch) GetBySKU(ctx context.Context, sku string) (*Product, error) {
	return getProductBySKU(ctx, b.tx, sku)
}

func (b *pgBatch) Insert(ctx context.Context, p *Product) error {
	return insertProduct(ctx, b.tx, p)
}

func (b *pgBatch) Update(ctx context.Context, p *Product) error {
	return updateProduct(ctx, b.tx, p)
}

func (s *Postgres) RunBatch(ctx context.Context, fn func(ProductWriter) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgBatch{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// --- import jobs ---

const jobColumns = `id, filename, total_records, processed_records,
	successful_records, failed_records, status, progress_percentage,
	error_message, result_summary, started_at, completed_at, created_at`

func (s *Postgres) CreateJob(ctx context.Context, job *ImportJob) error {
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO import_jobs (id, filename, status, created_at)
		VALUES ($1, $2, $3, $4)`,
		job.ID, job.Filename, job.Status, job.CreatedAt)
	return err
}

func (s *Postgres) GetJob(ctx context.Context, jobID string) (*ImportJob, error) {
	var (
		job     ImportJob
		summary []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM import_jobs WHERE id = $1`, jobID).Scan(
		&job.ID, &job.Filename, &job.TotalRecords, &job.ProcessedRecords,
		&job.SuccessfulRecords, &job.FailedRecords, &job.Status,
		&job.ProgressPercentage, &job.ErrorMessage, &summary,
		&job.StartedAt, &job.CompletedAt, &job.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		var sum ImportSummary
		if err := json.Unmarshal(summary, &sum); err != nil {
			return nil, fmt.Errorf("decode result summary: %w", err)
		}
		job.Summary = &sum
	}
	return &job, nil
}

func (s *Postgres) MarkProcessing(ctx context.Context, jobID string, startedAt time.Time) error {
	return s.execJob(ctx, `
		UPDATE import_jobs SET status = $2, started_at = $3 WHERE id = $1`,
		jobID, JobProcessing, startedAt)
}

func (s *Postgres) SetTotalRecords(ctx context.Context, jobID string, total int) error {
	return s.execJob(ctx, `
		UPDATE import_jobs SET total_records = $2 WHERE id = $1`, jobID, total)
}

func (s *Postgres) UpdateProgress(ctx context.Context, jobID string, processed, successful, failed, percentage int) error {
	return s.execJob(ctx, `
		UPDATE import_jobs
		SET processed_records = $2, successful_records = $3,
			failed_records = $4, progress_percentage = $5
		WHERE id = $1`,
		jobID, processed, successful, failed, percentage)
}

func (s *Postgres) CompleteJob(ctx context.Context, jobID string, summary *ImportSummary, completedAt time.Time) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode result summary: %w", err)
	}
	return s.execJob(ctx, `
		UPDATE import_jobs
		SET status = $2, result_summary = $3, completed_at = $4,
			processed_records = total_records, progress_percentage = 100,
			successful_records = $5, failed_records = $6
		WHERE id = $1`,
		jobID, JobCompleted, raw, completedAt,
		summary.SuccessfulImports, summary.FailedImports)
}

func (s *Postgres) FailJob(ctx context.Context, jobID string, message string, completedAt time.Time) error {
	return s.execJob(ctx, `
		UPDATE import_jobs
		SET status = $2, error_message = $3, completed_at = $4
		WHERE id = $1`,
		jobID, JobFailed, message, completedAt)
}

func (s *Postgres) execJob(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- webhooks ---

const webhookColumns = `id, name, url, event_types, is_active, secret_key,
	headers, retry_count, timeout_seconds, last_triggered_at,
	last_response_code, last_response_time_ms, created_at, updated_at`

func scanWebhook(row pgx.Row) (*Webhook, error) {
	var (
		w          Webhook
		eventTypes []byte
		headers    []byte
		secret     *string
	)
	err := row.Scan(&w.ID, &w.Name, &w.URL, &eventTypes, &w.Active, &secret,
		&headers, &w.RetryCount, &w.TimeoutSec, &w.LastTriggeredAt,
		&w.LastResponseCode, &w.LastResponseTimeMS, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if secret != nil {
		w.Secret = *secret
	}
	if err := json.Unmarshal(eventTypes, &w.EventTypes); err != nil {
		return nil, fmt.Errorf("decode event types: %w", err)
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &w.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	return &w, nil
}

func webhookJSON(w *Webhook) (eventTypes, headers []byte, err error) {
	eventTypes, err = json.Marshal(w.EventTypes)
	if err != nil {
		return nil, nil, fmt.Errorf("encode event types: %w", err)
	}
	if w.Headers != nil {
		headers, err = json.Marshal(w.Headers)
		if err != nil {
			return nil, nil, fmt.Errorf("encode headers: %w", err)
		}
	}
	return eventTypes, headers, nil
}

func (s *Postgres) CreateWebhook(ctx context.Context, w *Webhook) error {
	eventTypes, headers, err := webhookJSON(w)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	return s.pool.QueryRow(ctx, `
		INSERT INTO webhooks (name, url, event_types, is_active, secret_key,
			headers, retry_count, timeout_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)
		RETURNING id`,
		w.Name, w.URL, eventTypes, w.Active, w.Secret, headers,
		w.RetryCount, w.TimeoutSec, w.CreatedAt, w.UpdatedAt).Scan(&w.ID)
}

func (s *Postgres) GetWebhook(ctx context.Context, id int64) (*Webhook, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	return scanWebhook(row)
}

func (s *Postgres) UpdateWebhook(ctx context.Context, w *Webhook) error {
	eventTypes, headers, err := webhookJSON(w)
	if err != nil {
		return err
	}
	w.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhooks
		SET name = $2, url = $3, event_types = $4, is_active = $5,
			secret_key = NULLIF($6, ''), headers = $7, retry_count = $8,
			timeout_seconds = $9, updated_at = $10
		WHERE id = $1`,
		w.ID, w.Name, w.URL, eventTypes, w.Active, w.Secret, headers,
		w.RetryCount, w.TimeoutSec, w.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) DeleteWebhook(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListWebhooks(ctx context.Context) ([]*Webhook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+webhookColumns+` FROM webhooks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWebhooks(rows)
}

func (s *Postgres) ListActiveForEvent(ctx context.Context, eventType string) ([]*Webhook, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+webhookColumns+` FROM webhooks
		WHERE is_active AND event_types @> to_jsonb(ARRAY[$1::text])
		ORDER BY id`, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWebhooks(rows)
}

func collectWebhooks(rows pgx.Rows) ([]*Webhook, error) {
	var out []*Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Postgres) RecordDelivery(ctx context.Context, id int64, code *int, latencyMS *int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhooks
		SET last_triggered_at = $2, last_response_code = $3, last_response_time_ms = $4
		WHERE id = $1`,
		id, at, code, latencyMS)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- delivery logs ---

func (s *Postgres) AppendDeliveryLog(ctx context.Context, e *DeliveryLogEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO webhook_logs (webhook_id, event_type, payload, response_code,
			response_body, response_time_ms, error_message, retry_attempt,
			success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		e.WebhookID, e.EventType, payload, e.ResponseCode, e.ResponseBody,
		e.ResponseTimeMS, e.ErrorMessage, e.RetryAttempt, e.Success,
		e.CreatedAt).Scan(&e.ID)
}

func (s *Postgres) ListDeliveryLogs(ctx context.Context, webhookID int64, limit int) ([]*DeliveryLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, webhook_id, event_type, payload, response_code, response_body,
			response_time_ms, error_message, retry_attempt, success, created_at
		FROM webhook_logs
		WHERE webhook_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeliveryLogEntry
	for rows.Next() {
		var (
			e       DeliveryLogEntry
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.WebhookID, &e.EventType, &payload,
			&e.ResponseCode, &e.ResponseBody, &e.ResponseTimeMS,
			&e.ErrorMessage, &e.RetryAttempt, &e.Success, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
