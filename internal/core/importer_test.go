package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prodimport/importer/internal/store"
	"github.com/prodimport/importer/internal/webhook"
)

// ============================================================
// Helpers
// ============================================================

// recordingDispatcher captures dispatched events.
type recordingDispatcher struct {
	events   []string
	payloads []map[string]any
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, eventType string, payload map[string]any) (int, error) {
	d.events = append(d.events, eventType)
	d.payloads = append(d.payloads, payload)
	return 1, nil
}

func writeCSV(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "products.csv")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newJob(t *testing.T, st *store.Memory, id string) {
	t.Helper()
	err := st.CreateJob(context.Background(), &store.ImportJob{
		ID:       id,
		Filename: "products.csv",
		Status:   store.JobPending,
	})
	if err != nil {
		t.Fatal(err)
	}
}

// ============================================================
// Happy path
// ============================================================

func TestRun_ImportsNewProducts(t *testing.T) {
	st := store.NewMemory()
	newJob(t, st, "job-1")
	path := writeCSV(t,
		"sku,name,price,inventory_count,is_active",
		"W-1,Widget,9.99,5,true",
		"W-2,Gadget,19.50,0,false",
		"W-3,Gizmo,,3,",
	)

	imp := NewImporter(st, nil, ImporterOptions{})
	if err := imp.Run(context.Background(), path, "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != store.JobCompleted {
		t.Fatalf("status = %q, want completed", job.Status)
	}
	if job.ProgressPercentage != 100 {
		t.Errorf("progress = %d, want 100", job.ProgressPercentage)
	}
	if job.Summary == nil {
		t.Fatal("summary not written")
	}
	s := job.Summary
	if s.TotalProcessed != 3 || s.SuccessfulImports != 3 || s.FailedImports != 0 || s.DuplicatesOverwritten != 0 {
		t.Errorf("summary = %+v", s)
	}
	if st.ProductCount() != 3 {
		t.Errorf("product count = %d, want 3", st.ProductCount())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("source file should be removed after processing")
	}
}

func TestRun_CaseInsensitiveOverwrite(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	if err := st.Insert(ctx, &store.Product{SKU: "ABC-1", Name: "Old", Inventory: 1, Active: true}); err != nil {
		t.Fatal(err)
	}
	newJob(t, st, "job-1")
	path := writeCSV(t,
		"sku,name",
		"abc-1,New Name",
	)

	imp := NewImporter(st, nil, ImporterOptions{})
	if err := imp.Run(ctx, path, "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	job, _ := st.GetJob(ctx, "job-1")
	if job.Summary.DuplicatesOverwritten != 1 || job.Summary.SuccessfulImports != 1 {
		t.Errorf("summary = %+v, want one duplicate overwrite", job.Summary)
	}
	n, _ := st.CountBySKU(ctx, "abc-1")
	if n != 1 {
		t.Errorf("CountBySKU = %d, want 1", n)
	}
	p, _ := st.GetBySKU(ctx, "ABC-1")
	if p.Name != "New Name" {
		t.Errorf("name = %q, want overwritten", p.Name)
	}
}

// ============================================================
// Source-format failures
// ============================================================

func TestRun_MissingRequiredColumn(t *testing.T) {
	st := store.NewMemory()
	newJob(t, st, "job-1")
	path := writeCSV(t,
		"sku,price",
		"W-1,9.99",
	)

	imp := NewImporter(st, nil, ImporterOptions{})
	err := imp.Run(context.Background(), path, "job-1")
	if err == nil {
		t.Fatal("Run() expected error for missing name column")
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != store.JobFailed {
		t.Fatalf("status = %q, want failed", job.Status)
	}
	if job.ErrorMessage == nil || !strings.Contains(*job.ErrorMessage, "missing required columns: name") {
		t.Errorf("error message = %v", job.ErrorMessage)
	}
	if st.ProductCount() != 0 {
		t.Error("no products should be written on a source-format failure")
	}
}

func TestRun_EmptyFile(t *testing.T) {
	st := store.NewMemory()
	newJob(t, st, "job-1")
	path := writeCSV(t) // zero bytes

	imp := NewImporter(st, nil, ImporterOptions{})
	if err := imp.Run(context.Background(), path, "job-1"); err == nil {
		t.Fatal("Run() expected error for empty file")
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != store.JobFailed {
		t.Errorf("status = %q, want failed", job.Status)
	}
}

func TestRun_FileSizeLimit(t *testing.T) {
	st := store.NewMemory()
	newJob(t, st, "job-1")
	path := writeCSV(t,
		"sku,name",
		"W-1,Widget",
	)

	imp := NewImporter(st, nil, ImporterOptions{MaxFileSize: 4})
	if err := imp.Run(context.Background(), path, "job-1"); err == nil {
		t.Fatal("Run() expected error for oversize file")
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.ErrorMessage == nil || !strings.Contains(*job.ErrorMessage, "limit") {
		t.Errorf("error message = %v, want size limit", job.ErrorMessage)
	}
}

func TestRun_HeaderOnlyCompletesEmpty(t *testing.T) {
	st := store.NewMemory()
	newJob(t, st, "job-1")
	path := writeCSV(t, "sku,name")

	events := &recordingDispatcher{}
	imp := NewImporter(st, events, ImporterOptions{})
	if err := imp.Run(context.Background(), path, "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != store.JobCompleted {
		t.Fatalf("status = %q, want completed", job.Status)
	}
	if job.Summary.TotalProcessed != 0 {
		t.Errorf("total = %d, want 0", job.Summary.TotalProcessed)
	}
	if len(events.events) != 0 {
		t.Error("no event should fire when nothing imported")
	}
}

// ============================================================
// Row-level accounting
// ============================================================

func TestRun_RowErrorsAreCountedNotFatal(t *testing.T) {
	st := store.NewMemory()
	newJob(t, st, "job-1")
	path := writeCSV(t,
		"sku,name",
		"W-1,Widget",
		",No SKU Here",
		"W-3,Gizmo",
	)

	imp := NewImporter(st, nil, ImporterOptions{})
	if err := imp.Run(context.Background(), path, "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	s := job.Summary
	if s.SuccessfulImports != 2 || s.FailedImports != 1 || s.ValidationErrors != 1 {
		t.Errorf("summary = %+v", s)
	}
	if len(s.Errors) != 1 || !strings.Contains(s.Errors[0], "row 2:") {
		t.Errorf("errors = %v, want one error naming row 2", s.Errors)
	}
	if st.ProductCount() != 2 {
		t.Errorf("product count = %d, want 2", st.ProductCount())
	}
}

func TestRun_ErrorSampleCapped(t *testing.T) {
	st := store.NewMemory()
	newJob(t, st, "job-1")

	lines := []string{"sku,name"}
	for i := 0; i < 150; i++ {
		lines = append(lines, ",missing sku")
	}
	path := writeCSV(t, lines...)

	imp := NewImporter(st, nil, ImporterOptions{})
	if err := imp.Run(context.Background(), path, "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Summary.ValidationErrors != 150 {
		t.Errorf("validation_errors = %d, want full count", job.Summary.ValidationErrors)
	}
	if len(job.Summary.Errors) != maxSampledErrors {
		t.Errorf("sampled errors = %d, want %d", len(job.Summary.Errors), maxSampledErrors)
	}
}

// ============================================================
// Batching and progress
// ============================================================

func TestRun_ProgressPerBatch(t *testing.T) {
	st := store.NewMemory()
	newJob(t, st, "job-1")

	lines := []string{"sku,name"}
	for i := 0; i < 2500; i++ {
		lines = append(lines, fmt.Sprintf("SKU-%d,Product %d", i, i))
	}
	path := writeCSV(t, lines...)

	imp := NewImporter(st, nil, ImporterOptions{BatchSize: 1000})
	if err := imp.Run(context.Background(), path, "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := st.ProgressHistory("job-1")
	want := []int{40, 80, 100}
	if len(got) != len(want) {
		t.Fatalf("progress history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress history = %v, want %v", got, want)
		}
	}
	if st.ProductCount() != 2500 {
		t.Errorf("product count = %d, want 2500", st.ProductCount())
	}
}

func TestRun_BatchCommitFallback(t *testing.T) {
	st := store.NewMemory()
	newJob(t, st, "job-1")
	path := writeCSV(t,
		"sku,name",
		"W-1,Widget",
		"W-2,Gadget",
		"W-3,Gizmo",
	)

	// Fail the first batch commit only; the replay writes rows one by
	// one against the plain store.
	calls := 0
	st.CommitHook = func() error {
		calls++
		if calls == 1 {
			return errors.New("deadlock detected")
		}
		return nil
	}

	imp := NewImporter(st, nil, ImporterOptions{})
	if err := imp.Run(context.Background(), path, "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != store.JobCompleted {
		t.Fatalf("status = %q, want completed", job.Status)
	}
	s := job.Summary
	if s.SuccessfulImports != 3 || s.FailedImports != 0 {
		t.Errorf("summary after fallback = %+v, want exact per-row counts", s)
	}
	if st.ProductCount() != 3 {
		t.Errorf("product count = %d, want 3", st.ProductCount())
	}
}

// ============================================================
// Redelivery and events
// ============================================================

func TestRun_TerminalJobSkipped(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	newJob(t, st, "job-1")
	if err := st.CompleteJob(ctx, "job-1", &store.ImportSummary{}, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	path := writeCSV(t,
		"sku,name",
		"W-1,Widget",
	)

	imp := NewImporter(st, nil, ImporterOptions{})
	if err := imp.Run(ctx, path, "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if st.ProductCount() != 0 {
		t.Error("a finished job must not be re-imported")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("source file should still be cleaned up")
	}
}

func TestRun_DispatchesCompletionEvent(t *testing.T) {
	st := store.NewMemory()
	newJob(t, st, "job-1")
	path := writeCSV(t,
		"sku,name",
		"W-1,Widget",
	)

	events := &recordingDispatcher{}
	imp := NewImporter(st, events, ImporterOptions{})
	if err := imp.Run(context.Background(), path, "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(events.events) != 1 || events.events[0] != webhook.EventImportCompleted {
		t.Fatalf("events = %v, want one %s", events.events, webhook.EventImportCompleted)
	}
	payload := events.payloads[0]
	if payload["import_job_id"] != "job-1" {
		t.Errorf("payload job id = %v", payload["import_job_id"])
	}
	if payload["successful_imports"] != 1 {
		t.Errorf("payload successful_imports = %v, want 1", payload["successful_imports"])
	}
}
