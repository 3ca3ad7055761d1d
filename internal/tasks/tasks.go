// Package tasks maps queue messages onto pipeline operations.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/papermerge/s3-worker/internal/preview"
	"github.com/papermerge/s3-worker/pkg/queue"
)

// Task names shared with the document server that enqueues work.
const (
	TaskAddDocVers           = "s3_worker_add_doc_vers"
	TaskRemoveDocVers        = "s3_worker_remove_doc_vers"
	TaskRemoveDocThumbnail   = "s3_worker_remove_doc_thumbnail"
	TaskRemoveDocsThumbnail  = "s3_worker_remove_docs_thumbnail"
	TaskRemovePageThumbnail  = "s3_worker_remove_page_thumbnail"
	TaskGenerateDocThumbnail = "s3_worker_generate_doc_thumbnail"
	TaskGeneratePageImage    = "s3_worker_generate_page_image"
	TaskSync                 = "s3_worker_sync"
)

// Dispatcher is the queue-facing adapter around the pipeline. It decides
// which handler errors are worth retrying: only a missing source is
// transient; everything else is terminal for the delivery.
type Dispatcher struct {
	pipeline *preview.Pipeline
	log      *slog.Logger
}

func NewDispatcher(pipeline *preview.Pipeline, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{pipeline: pipeline, log: logger}
}

// Handle processes one delivered task.
func (d *Dispatcher) Handle(ctx context.Context, task queue.Task) error {
	d.log.Info("task received", "task", task.Name, "ids", task.IDs, "attempt", task.Attempts)

	var err error
	switch task.Name {
	case TaskAddDocVers:
		err = d.pipeline.AddDocVers(ctx, task.IDs)
	case TaskRemoveDocVers:
		err = d.pipeline.RemoveDocVers(ctx, task.IDs)
	case TaskRemoveDocThumbnail:
		err = d.withSingleID(ctx, task, d.pipeline.RemoveDocThumbnail)
	case TaskRemoveDocsThumbnail:
		err = d.pipeline.RemoveDocsThumbnail(ctx, task.IDs)
	case TaskRemovePageThumbnail:
		err = d.pipeline.RemovePageThumbnail(ctx, task.IDs)
	case TaskGenerateDocThumbnail:
		err = d.withSingleUUID(ctx, task, d.pipeline.GenerateDocThumbnail)
	case TaskGeneratePageImage:
		err = d.withSingleUUID(ctx, task, d.pipeline.GeneratePagePreview)
	case TaskSync:
		err = d.pipeline.Sync(ctx)
	default:
		d.log.Warn("unknown task, dropping", "task", task.Name)
		return nil
	}

	return d.classify(task, err)
}

func (d *Dispatcher) withSingleID(ctx context.Context, task queue.Task, fn func(context.Context, string) error) error {
	if len(task.IDs) != 1 {
		return fmt.Errorf("task %s expects one id, got %d", task.Name, len(task.IDs))
	}
	return fn(ctx, task.IDs[0])
}

func (d *Dispatcher) withSingleUUID(ctx context.Context, task queue.Task, fn func(context.Context, uuid.UUID) error) error {
	if len(task.IDs) != 1 {
		return fmt.Errorf("task %s expects one id, got %d", task.Name, len(task.IDs))
	}
	id, err := uuid.Parse(task.IDs[0])
	if err != nil {
		return fmt.Errorf("task %s: parse id %q: %w", task.Name, task.IDs[0], err)
	}
	return fn(ctx, id)
}

// classify converts pipeline errors into the queue's retry vocabulary.
func (d *Dispatcher) classify(task queue.Task, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, preview.ErrSourceNotFound) {
		// Transient: the source may not have replicated yet.
		return err
	}
	d.log.Error("task failed", "task", task.Name, "ids", task.IDs, "err", err)
	return fmt.Errorf("%s: %w", err.Error(), queue.ErrSkipRetry)
}
