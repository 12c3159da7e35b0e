package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prodimport/importer/internal/queue"
	"github.com/prodimport/importer/internal/store"
	"github.com/prodimport/importer/internal/worker"
)

// importTask is the wire shape of an import queue item.
type importTask struct {
	JobID    string `json:"job_id"`
	FilePath string `json:"file_path"`
}

// Service is the job-facing surface of the import pipeline: it creates
// job ledger rows, hands files to the queue, and answers status reads.
type Service struct {
	store    store.JobStore
	queue    queue.Queue
	importer *Importer
}

func NewService(st store.JobStore, q queue.Queue, importer *Importer) *Service {
	return &Service{store: st, queue: q, importer: importer}
}

// CreateJob registers a pending import job for the given upload and
// returns it. The job becomes visible to status reads immediately, even
// though no worker has touched it yet.
func (s *Service) CreateJob(ctx context.Context, filename string) (*store.ImportJob, error) {
	job := &store.ImportJob{
		ID:        uuid.NewString(),
		Filename:  filename,
		Status:    store.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create import job: %w", err)
	}
	return job, nil
}

// SubmitImport enqueues the job's file for background processing. The
// file at filePath must outlive the call; the worker deletes it when
// done.
func (s *Service) SubmitImport(ctx context.Context, jobID, filePath string) error {
	payload, err := json.Marshal(importTask{JobID: jobID, FilePath: filePath})
	if err != nil {
		return fmt.Errorf("encode import task: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, queue.ImportQueue, payload, time.Time{}, 1); err != nil {
		return fmt.Errorf("enqueue import task: %w", err)
	}
	return nil
}

// GetJob returns the job's current status snapshot.
func (s *Service) GetJob(ctx context.Context, jobID string) (*store.ImportJob, error) {
	return s.store.GetJob(ctx, jobID)
}

// ImportHandler adapts the batch coordinator to the worker pool. Import
// tasks carry a single attempt: a failed job is recorded in the ledger,
// and its source file is gone, so a blind retry could not succeed.
func (s *Service) ImportHandler() worker.Handler {
	return func(ctx context.Context, item *queue.Item) error {
		var task importTask
		if err := json.Unmarshal(item.Payload, &task); err != nil {
			return fmt.Errorf("decode import task: %w", err)
		}
		return s.importer.Run(ctx, task.FilePath, task.JobID)
	}
}
