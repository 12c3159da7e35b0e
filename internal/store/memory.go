package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Store implementation. It backs the test suite
// and is handy for local development without a database. Batch scopes
// buffer writes and apply them on commit, so a commit failure leaves no
// partial state, matching the transactional behavior of Postgres.
type Memory struct {
	mu sync.Mutex

	products   map[int64]*Product
	productIDs map[string]int64 // lower(sku) -> id
	nextProd   int64

	jobs map[string]*ImportJob

	webhooks map[int64]*Webhook
	nextHook int64

	logs    []*DeliveryLogEntry
	nextLog int64

	// CommitHook, when set, runs at the end of every RunBatch commit.
	// A non-nil return fails the commit and discards the batch. Tests
	// use it to exercise the per-row fallback path.
	CommitHook func() error

	progressLog map[string][]int // jobID -> percentage history
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		products:    make(map[int64]*Product),
		productIDs:  make(map[string]int64),
		jobs:        make(map[string]*ImportJob),
		webhooks:    make(map[int64]*Webhook),
		progressLog: make(map[string][]int),
	}
}

var _ Store = (*Memory)(nil)

func cloneProduct(p *Product) *Product {
	cp := *p
	return &cp
}

// --- products ---

func (m *Memory) GetBySKU(ctx context.Context, sku string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getBySKULocked(sku)
}

func (m *Memory) getBySKULocked(sku string) (*Product, error) {
	id, ok := m.productIDs[strings.ToLower(sku)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProduct(m.products[id]), nil
}

func (m *Memory) Insert(ctx context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(p)
}

func (m *Memory) insertLocked(p *Product) error {
	key := strings.ToLower(p.SKU)
	if _, exists := m.productIDs[key]; exists {
		return fmt.Errorf("duplicate key violates unique index on lower(sku): %q", p.SKU)
	}
	m.nextProd++
	p.ID = m.nextProd
	m.products[p.ID] = cloneProduct(p)
	m.productIDs[key] = p.ID
	return nil
}

func (m *Memory) Update(ctx context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(p)
}

func (m *Memory) updateLocked(p *Product) error {
	old, ok := m.products[p.ID]
	if !ok {
		return ErrNotFound
	}
	delete(m.productIDs, strings.ToLower(old.SKU))
	m.products[p.ID] = cloneProduct(p)
	m.productIDs[strings.ToLower(p.SKU)] = p.ID
	return nil
}

func (m *Memory) CountBySKU(ctx context.Context, sku string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.products {
		if strings.EqualFold(p.SKU, sku) {
			n++
		}
	}
	return n, nil
}

// ProductCount returns the total number of products. Test helper.
func (m *Memory) ProductCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.products)
}

// memBatch buffers product writes until commit.
type memBatch struct {
	m        *Memory
	inserted []*Product
	updated  map[int64]*Product
}

func (b *memBatch) GetBySKU(ctx context.Context, sku string) (*Product, error) {
	key := strings.ToLower(sku)
	for _, p := range b.inserted {
		if strings.ToLower(p.SKU) == key {
			return cloneProduct(p), nil
		}
	}
	for _, p := range b.updated {
		if strings.ToLower(p.SKU) == key {
			return cloneProduct(p), nil
		}
	}
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	return b.m.getBySKULocked(sku)
}

func (b *memBatch) Insert(ctx context.Context, p *Product) error {
	key := strings.ToLower(p.SKU)
	for _, q := range b.inserted {
		if strings.ToLower(q.SKU) == key {
			return fmt.Errorf("duplicate key violates unique index on lower(sku): %q", p.SKU)
		}
	}
	b.m.mu.Lock()
	_, exists := b.m.productIDs[key]
	b.m.mu.Unlock()
	if exists {
		return fmt.Errorf("duplicate key violates unique index on lower(sku): %q", p.SKU)
	}
	b.inserted = append(b.inserted, cloneProduct(p))
	return nil
}

func (b *memBatch) Update(ctx context.Context, p *Product) error {
	b.updated[p.ID] = cloneProduct(p)
	return nil
}

func (m *Memory) RunBatch(ctx context.Context, fn func(ProductWriter) error) error {
	batch := &memBatch{m: m, updated: make(map[int64]*Product)}
	if err := fn(batch); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Commit-time uniqueness check: a concurrent writer may have taken
	// a SKU between buffering and commit.
	for _, p := range batch.inserted {
		if _, exists := m.productIDs[strings.ToLower(p.SKU)]; exists {
			return fmt.Errorf("commit failed: duplicate key on lower(sku) %q", p.SKU)
		}
	}
	if m.CommitHook != nil {
		if err := m.CommitHook(); err != nil {
			return fmt.Errorf("commit failed: %w", err)
		}
	}
	for _, p := range batch.inserted {
		_ = m.insertLocked(p)
	}
	for _, p := range batch.updated {
		_ = m.updateLocked(p)
	}
	return nil
}

// --- import jobs ---

func (m *Memory) CreateJob(ctx context.Context, job *ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *Memory) GetJob(ctx context.Context, jobID string) (*ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *Memory) MarkProcessing(ctx context.Context, jobID string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Status = JobProcessing
	job.StartedAt = &startedAt
	return nil
}

func (m *Memory) SetTotalRecords(ctx context.Context, jobID string, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.TotalRecords = total
	return nil
}

func (m *Memory) UpdateProgress(ctx context.Context, jobID string, processed, successful, failed, percentage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.ProcessedRecords = processed
	job.SuccessfulRecords = successful
	job.FailedRecords = failed
	job.ProgressPercentage = percentage
	m.progressLog[jobID] = append(m.progressLog[jobID], percentage)
	return nil
}

func (m *Memory) CompleteJob(ctx context.Context, jobID string, summary *ImportSummary, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Status = JobCompleted
	job.Summary = summary
	job.CompletedAt = &completedAt
	job.ProcessedRecords = job.TotalRecords
	job.ProgressPercentage = 100
	if summary != nil {
		job.SuccessfulRecords = summary.SuccessfulImports
		job.FailedRecords = summary.FailedImports
	}
	return nil
}

func (m *Memory) FailJob(ctx context.Context, jobID string, message string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Status = JobFailed
	job.ErrorMessage = &message
	job.CompletedAt = &completedAt
	return nil
}

// ProgressHistory returns the percentages recorded by UpdateProgress,
// in order. Test helper.
func (m *Memory) ProgressHistory(jobID string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.progressLog[jobID]...)
}

// --- webhooks ---

func cloneWebhook(w *Webhook) *Webhook {
	cp := *w
	cp.EventTypes = append([]string(nil), w.EventTypes...)
	if w.Headers != nil {
		cp.Headers = make(map[string]string, len(w.Headers))
		for k, v := range w.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}

func (m *Memory) CreateWebhook(ctx context.Context, w *Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHook++
	w.ID = m.nextHook
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	m.webhooks[w.ID] = cloneWebhook(w)
	return nil
}

func (m *Memory) GetWebhook(ctx context.Context, id int64) (*Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWebhook(w), nil
}

func (m *Memory) UpdateWebhook(ctx context.Context, w *Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[w.ID]; !ok {
		return ErrNotFound
	}
	w.UpdatedAt = time.Now().UTC()
	m.webhooks[w.ID] = cloneWebhook(w)
	return nil
}

func (m *Memory) DeleteWebhook(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[id]; !ok {
		return ErrNotFound
	}
	delete(m.webhooks, id)
	return nil
}

func (m *Memory) ListWebhooks(ctx context.Context) ([]*Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Webhook, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		out = append(out, cloneWebhook(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListActiveForEvent(ctx context.Context, eventType string) ([]*Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Webhook
	for _, w := range m.webhooks {
		if w.Active && w.Subscribes(eventType) {
			out = append(out, cloneWebhook(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) RecordDelivery(ctx context.Context, id int64, code *int, latencyMS *int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	if !ok {
		return ErrNotFound
	}
	w.LastTriggeredAt = &at
	w.LastResponseCode = code
	w.LastResponseTimeMS = latencyMS
	return nil
}

// --- delivery logs ---

func (m *Memory) AppendDeliveryLog(ctx context.Context, e *DeliveryLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLog++
	e.ID = m.nextLog
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *Memory) ListDeliveryLogs(ctx context.Context, webhookID int64, limit int) ([]*DeliveryLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DeliveryLogEntry
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].WebhookID != webhookID {
			continue
		}
		cp := *m.logs[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
