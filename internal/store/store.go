package store

import (
	"context"
	"time"
)

// ProductWriter is the per-row surface the upsert engine works against.
// It is satisfied both by a batch (transaction) scope and by the
// auto-commit store, so the coordinator can reuse the same upsert code
// in its row-by-row fallback.
type ProductWriter interface {
	// GetBySKU looks up a product by case-insensitive SKU equality.
	// Returns ErrNotFound when no product matches.
	GetBySKU(ctx context.Context, sku string) (*Product, error)
	Insert(ctx context.Context, p *Product) error
	Update(ctx context.Context, p *Product) error
}

// ProductStore persists catalog entries. RunBatch executes fn inside a
// single transaction scope; the returned error includes commit failures,
// which the batch coordinator converts into per-row commits.
type ProductStore interface {
	ProductWriter
	RunBatch(ctx context.Context, fn func(ProductWriter) error) error
	// CountBySKU reports how many products match the SKU
	// case-insensitively. Used by tests to assert uniqueness.
	CountBySKU(ctx context.Context, sku string) (int, error)
}

// JobStore persists the import job ledger. Progress writes happen after
// every batch so pollers observe live state.
type JobStore interface {
	CreateJob(ctx context.Context, job *ImportJob) error
	GetJob(ctx context.Context, jobID string) (*ImportJob, error)
	// MarkProcessing transitions pending -> processing and stamps the
	// start time.
	MarkProcessing(ctx context.Context, jobID string, startedAt time.Time) error
	SetTotalRecords(ctx context.Context, jobID string, total int) error
	UpdateProgress(ctx context.Context, jobID string, processed, successful, failed, percentage int) error
	CompleteJob(ctx context.Context, jobID string, summary *ImportSummary, completedAt time.Time) error
	FailJob(ctx context.Context, jobID string, message string, completedAt time.Time) error
}

// WebhookStore persists subscriber configuration and telemetry.
type WebhookStore interface {
	CreateWebhook(ctx context.Context, w *Webhook) error
	GetWebhook(ctx context.Context, id int64) (*Webhook, error)
	UpdateWebhook(ctx context.Context, w *Webhook) error
	DeleteWebhook(ctx context.Context, id int64) error
	ListWebhooks(ctx context.Context) ([]*Webhook, error)
	// ListActiveForEvent resolves the active webhooks whose subscribed
	// set contains eventType.
	ListActiveForEvent(ctx context.Context, eventType string) ([]*Webhook, error)
	// RecordDelivery updates last-delivery telemetry after an attempt.
	RecordDelivery(ctx context.Context, id int64, code *int, latencyMS *int64, at time.Time) error
}

// DeliveryLogStore is the append-only ledger of delivery attempts.
type DeliveryLogStore interface {
	AppendDeliveryLog(ctx context.Context, e *DeliveryLogEntry) error
	// ListDeliveryLogs returns entries for a webhook, most recent first.
	ListDeliveryLogs(ctx context.Context, webhookID int64, limit int) ([]*DeliveryLogEntry, error)
}

// Store aggregates every persistence concern the pipeline needs.
type Store interface {
	ProductStore
	JobStore
	WebhookStore
	DeliveryLogStore
}
