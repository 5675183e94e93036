package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/helmstream/helmstream/internal/retrieval"
	"github.com/helmstream/helmstream/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// ContentEmbedder generates validated embeddings for text.
type ContentEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RecordInserter writes finished records to the corpus.
type RecordInserter interface {
	Insert(ctx context.Context, records ...retrieval.Record) error
}

// Worker processes embed_record jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	embedder ContentEmbedder
	records  RecordInserter
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder ContentEmbedder, records RecordInserter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		records:  records,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single embed_record job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobTypeEmbedRecord})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var p pendingRecord
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if p.ID == "" || p.Kind == "" {
		return fmt.Errorf("payload is missing record id or kind")
	}

	vec, err := w.embedder.Embed(ctx, p.EmbedText)
	if err != nil {
		return fmt.Errorf("embedding record %s: %w", p.ID, err)
	}

	rec := retrieval.Record{
		ID:         p.ID,
		Kind:       p.Kind,
		Title:      p.Title,
		ContentRef: p.ContentRef,
		Preview:    p.Preview,
		Metadata:   p.Metadata,
		Embedding:  vec,
		CreatedAt:  p.CreatedAt,
	}
	if err := w.records.Insert(ctx, rec); err != nil {
		return fmt.Errorf("inserting record %s: %w", p.ID, err)
	}

	w.logger.Debug("record embedded", "record_id", p.ID, "kind", p.Kind, "dimension", len(vec))
	return nil
}
