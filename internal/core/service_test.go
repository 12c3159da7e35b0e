package core

import (
	"context"
	"testing"
	"time"

	"github.com/prodimport/importer/internal/queue"
	"github.com/prodimport/importer/internal/store"
)

func TestService_CreateJob(t *testing.T) {
	st := store.NewMemory()
	svc := NewService(st, queue.NewMemory(), NewImporter(st, nil, ImporterOptions{}))

	job, err := svc.CreateJob(context.Background(), "products.csv")
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if job.ID == "" {
		t.Error("job id not assigned")
	}
	if job.Status != store.JobPending {
		t.Errorf("status = %q, want pending", job.Status)
	}

	got, err := svc.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Filename != "products.csv" {
		t.Errorf("filename = %q", got.Filename)
	}
}

func TestService_SubmitAndProcess(t *testing.T) {
	st := store.NewMemory()
	q := queue.NewMemory()
	svc := NewService(st, q, NewImporter(st, nil, ImporterOptions{}))
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, "products.csv")
	if err != nil {
		t.Fatal(err)
	}
	path := writeCSV(t,
		"sku,name",
		"W-1,Widget",
	)
	if err := svc.SubmitImport(ctx, job.ID, path); err != nil {
		t.Fatalf("SubmitImport() error = %v", err)
	}
	if q.Depth(queue.ImportQueue) != 1 {
		t.Fatalf("queue depth = %d, want 1", q.Depth(queue.ImportQueue))
	}

	// Drive one work item through the handler the way a pool would.
	item, err := q.Dequeue(ctx, queue.ImportQueue, time.Minute)
	if err != nil || item == nil {
		t.Fatalf("Dequeue() = %v, %v", item, err)
	}
	if err := svc.ImportHandler()(ctx, item); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	got, _ := svc.GetJob(ctx, job.ID)
	if got.Status != store.JobCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if st.ProductCount() != 1 {
		t.Errorf("product count = %d, want 1", st.ProductCount())
	}
}

func TestService_ImportHandlerBadPayload(t *testing.T) {
	st := store.NewMemory()
	svc := NewService(st, queue.NewMemory(), NewImporter(st, nil, ImporterOptions{}))

	err := svc.ImportHandler()(context.Background(), &queue.Item{Payload: []byte("not json")})
	if err == nil {
		t.Fatal("handler expected error for malformed payload")
	}
}
