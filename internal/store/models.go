// Package store provides the persisted state for the import pipeline:
// products, import jobs, webhook subscriptions, and the webhook delivery
// log. It defines storage interfaces plus two implementations, a
// PostgreSQL store backed by pgx and an in-memory store used by tests.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Job statuses. Transitions are pending -> processing -> completed|failed;
// completed and failed are terminal.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Product is a catalog entry keyed by a case-insensitive unique SKU.
type Product struct {
	ID          int64
	SKU         string
	Name        string
	Description *string
	Price       *float64
	Category    *string
	Brand       *string
	Inventory   int
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ImportSummary is the structured result written when a job completes.
// Field names match the JSON shape exposed to progress pollers.
type ImportSummary struct {
	TotalProcessed        int      `json:"total_processed"`
	SuccessfulImports     int      `json:"successful_imports"`
	FailedImports         int      `json:"failed_imports"`
	DuplicatesOverwritten int      `json:"duplicates_overwritten"`
	ValidationErrors      int      `json:"validation_errors"`
	ProcessingTimeSeconds float64  `json:"processing_time_seconds"`
	Errors                []string `json:"errors"`
}

// ImportJob tracks one CSV import from submission to completion.
// The batch coordinator owns all status transitions.
type ImportJob struct {
	ID                 string // opaque job id, externally addressable
	Filename           string
	TotalRecords       int
	ProcessedRecords   int
	SuccessfulRecords  int
	FailedRecords      int
	Status             string
	ProgressPercentage int
	ErrorMessage       *string
	Summary            *ImportSummary
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
}

// Webhook is a registered subscriber endpoint.
type Webhook struct {
	ID         int64
	Name       string
	URL        string
	EventTypes []string
	Active     bool
	Secret     string            // empty means deliveries are unsigned
	Headers    map[string]string // extra request headers
	RetryCount int               // retry budget after the initial attempt
	TimeoutSec int               // per-attempt request timeout

	// Last-delivery telemetry, written by the delivery worker.
	LastTriggeredAt    *time.Time
	LastResponseCode   *int
	LastResponseTimeMS *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subscribes reports whether the webhook's event set contains eventType.
func (w *Webhook) Subscribes(eventType string) bool {
	for _, et := range w.EventTypes {
		if et == eventType {
			return true
		}
	}
	return false
}

// DeliveryLogEntry records a single delivery attempt. Entries are
// immutable once appended; a retried event produces one entry per
// attempt.
type DeliveryLogEntry struct {
	ID             int64
	WebhookID      int64
	EventType      string
	Payload        map[string]any
	ResponseCode   *int
	ResponseBody   string
	ResponseTimeMS *int64
	ErrorMessage   string
	RetryAttempt   int
	Success        bool
	CreatedAt      time.Time
}
