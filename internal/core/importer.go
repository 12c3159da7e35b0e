package core

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/prodimport/importer/internal/logging"
	"github.com/prodimport/importer/internal/store"
	"github.com/prodimport/importer/internal/webhook"
)

// maxSampledErrors caps the validation errors stored in a job's result
// summary so a pathological file cannot bloat the ledger row.
const maxSampledErrors = 100

// EventDispatcher fans an event out to registered webhook subscribers.
// Satisfied by webhook.Service.
type EventDispatcher interface {
	Dispatch(ctx context.Context, eventType string, payload map[string]any) (int, error)
}

// ImporterOptions tunes the batch coordinator. Zero values take the
// defaults below.
type ImporterOptions struct {
	BatchSize   int   // rows per transaction scope (default 1000)
	MaxFileSize int64 // source size cap in bytes (default 100MB)
}

func (o ImporterOptions) withDefaults() ImporterOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = 100 * 1024 * 1024
	}
	return o
}

// Importer is the batch coordinator: it owns every import job status
// transition and drives a CSV file through the upsert engine in
// fixed-size batches, persisting progress after each one.
type Importer struct {
	store  store.Store
	events EventDispatcher
	opts   ImporterOptions
}

// NewImporter creates a batch coordinator. events may be nil, which
// disables completion fan-out (used by some tests).
func NewImporter(st store.Store, events EventDispatcher, opts ImporterOptions) *Importer {
	return &Importer{store: st, events: events, opts: opts.withDefaults()}
}

// Run executes one import job to completion. The uploaded file is
// deleted afterwards regardless of outcome. Source-format problems and
// unexpected persistence failures mark the job failed and are returned;
// row-level problems are counted and sampled into the result summary
// instead.
//
// Run is safe to re-execute for the same work item: a job already in a
// terminal state is skipped, and re-running rows is an in-place update
// thanks to the keyed upsert.
func (imp *Importer) Run(ctx context.Context, filePath, jobID string) error {
	logger := logging.WithFields(ctx, "job_id", jobID, "file", filePath)

	job, err := imp.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load import job %s: %w", jobID, err)
	}
	if job.Status == store.JobCompleted || job.Status == store.JobFailed {
		logger.Info("import job already finished, skipping redelivery", "status", job.Status)
		imp.removeSource(filePath, logger)
		return nil
	}

	start := time.Now().UTC()
	if err := imp.store.MarkProcessing(ctx, jobID, start); err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	defer imp.removeSource(filePath, logger)

	src, err := readSource(filePath, imp.opts.MaxFileSize)
	if err != nil {
		imp.failJob(ctx, jobID, err.Error(), logger)
		return err
	}

	total := src.Len()
	if err := imp.store.SetTotalRecords(ctx, jobID, total); err != nil {
		imp.failJob(ctx, jobID, err.Error(), logger)
		return fmt.Errorf("set total records: %w", err)
	}
	logger.Info("import started", "total_records", total, "batch_size", imp.opts.BatchSize)

	var (
		processed  int
		successful int
		failed     int
		duplicates int
		rowErrors  []string
	)

	for batchStart := 0; batchStart < total; batchStart += imp.opts.BatchSize {
		batchEnd := batchStart + imp.opts.BatchSize
		if batchEnd > total {
			batchEnd = total
		}

		tally := imp.processBatch(ctx, src, batchStart, batchEnd, logger)
		successful += tally.successful
		failed += tally.failed
		duplicates += tally.duplicates
		rowErrors = append(rowErrors, tally.errs...)

		processed = batchEnd
		percentage := processed * 100 / total
		if err := imp.store.UpdateProgress(ctx, jobID, processed, successful, failed, percentage); err != nil {
			imp.failJob(ctx, jobID, err.Error(), logger)
			return fmt.Errorf("persist progress: %w", err)
		}
		logger.Debug("batch committed",
			"processed", processed,
			"progress_pct", percentage,
		)
	}

	elapsed := time.Since(start)
	summary := &store.ImportSummary{
		TotalProcessed:        total,
		SuccessfulImports:     successful,
		FailedImports:         failed,
		DuplicatesOverwritten: duplicates,
		ValidationErrors:      len(rowErrors),
		ProcessingTimeSeconds: roundSeconds(elapsed),
		Errors:                sampleErrors(rowErrors),
	}
	if err := imp.store.CompleteJob(ctx, jobID, summary, time.Now().UTC()); err != nil {
		imp.failJob(ctx, jobID, err.Error(), logger)
		return fmt.Errorf("complete job: %w", err)
	}

	logger.Info("import completed",
		"total_records", total,
		"successful", successful,
		"failed", failed,
		"duplicates_overwritten", duplicates,
		"duration_ms", elapsed.Milliseconds(),
	)

	// Fan-out is fire-and-forget relative to the import: a dispatch
	// failure never fails a completed job.
	if successful > 0 && imp.events != nil {
		payload := map[string]any{
			"import_job_id":           jobID,
			"total_processed":         total,
			"successful_imports":      successful,
			"failed_imports":          failed,
			"processing_time_seconds": elapsed.Seconds(),
		}
		if n, err := imp.events.Dispatch(ctx, webhook.EventImportCompleted, payload); err != nil {
			logger.Error("completion event dispatch failed", "error", err)
		} else {
			logger.Info("completion event dispatched", "webhooks_triggered", n)
		}
	}

	return nil
}

type batchTally struct {
	successful int
	failed     int
	duplicates int
	errs       []string
}

// processBatch applies rows [start,end) inside one transaction scope.
// If the batch-wide commit fails, the batch's tallies are discarded and
// every row is replayed in its own commit, so the counts reflect what
// actually persisted rather than an estimate.
func (imp *Importer) processBatch(ctx context.Context, src *source, start, end int, logger *slog.Logger) batchTally {
	var tally batchTally
	err := imp.store.RunBatch(ctx, func(w store.ProductWriter) error {
		tally = imp.applyRows(ctx, w, src, start, end)
		return nil
	})
	if err == nil {
		return tally
	}

	logger.Warn("batch commit failed, replaying rows individually",
		"batch_start", start+1,
		"batch_end", end,
		"error", err,
	)
	return imp.applyRows(ctx, imp.store, src, start, end)
}

// applyRows runs the parser and upsert engine over rows [start,end) in
// source order. Row numbers in error messages are 1-based over data
// rows. A bad row never aborts the rest of the range.
func (imp *Importer) applyRows(ctx context.Context, w store.ProductWriter, src *source, start, end int) batchTally {
	var tally batchTally
	now := time.Now().UTC()

	for i := start; i < end; i++ {
		rec, err := ParseRecord(src.Row(i))
		if err != nil {
			tally.errs = append(tally.errs, fmt.Sprintf("row %d: %v", i+1, err))
			tally.failed++
			continue
		}

		created, err := UpsertRecord(ctx, w, rec, now)
		if err != nil {
			tally.errs = append(tally.errs, fmt.Sprintf("row %d: %v", i+1, err))
			tally.failed++
			continue
		}
		if !created {
			tally.duplicates++
		}
		tally.successful++
	}
	return tally
}

func (imp *Importer) failJob(ctx context.Context, jobID, message string, logger *slog.Logger) {
	logger.Error("import failed", "error", message)
	if err := imp.store.FailJob(ctx, jobID, message, time.Now().UTC()); err != nil {
		logger.Error("could not persist job failure", "error", err)
	}
}

// removeSource deletes the uploaded file. Failures are logged and
// ignored; cleanup never escalates.
func (imp *Importer) removeSource(path string, logger *slog.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("could not remove uploaded file", "error", err)
	}
}

func sampleErrors(errs []string) []string {
	if len(errs) > maxSampledErrors {
		errs = errs[:maxSampledErrors]
	}
	return append([]string(nil), errs...)
}

// roundSeconds rounds to two decimals, enough resolution for a summary.
func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}
