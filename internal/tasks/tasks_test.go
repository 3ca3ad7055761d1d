package tasks

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/papermerge/s3-worker/internal/preview"
	"github.com/papermerge/s3-worker/internal/rasterize"
	"github.com/papermerge/s3-worker/pkg/domain"
	"github.com/papermerge/s3-worker/pkg/mediapath"
	"github.com/papermerge/s3-worker/pkg/queue"
	"github.com/papermerge/s3-worker/pkg/storage"
	"github.com/papermerge/s3-worker/pkg/store"
)

type noopRenderer struct{}

func (noopRenderer) Render(ctx context.Context, srcPath, outputDir string, widthPx int, baseName string, pageNumber int) (string, error) {
	return "", rasterize.ErrRender
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.MemoryStore, *storage.MemoryGateway) {
	t.Helper()
	memStore := store.NewMemoryStore()
	gateway := storage.NewMemoryGateway()
	pipeline := preview.New(preview.Config{
		Store:     memStore,
		Gateway:   gateway,
		Renderer:  noopRenderer{},
		MediaRoot: t.TempDir(),
	})
	return NewDispatcher(pipeline, nil), memStore, gateway
}

func TestHandleUnknownTaskIsDropped(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	if err := d.Handle(context.Background(), queue.Task{Name: "celery.chord_unlock"}); err != nil {
		t.Fatalf("unknown task must be dropped without error, got %v", err)
	}
}

func TestHandleMissingSourceIsRetryable(t *testing.T) {
	ctx := context.Background()
	d, memStore, _ := newTestDispatcher(t)

	docID := uuid.New()
	verID := uuid.New()
	if err := memStore.CreateDocument(ctx, domain.Document{ID: docID}); err != nil {
		t.Fatalf("create document: %v", err)
	}
	err := memStore.CreateVersion(ctx, domain.DocumentVersion{
		ID: verID, Number: 1, FileName: "a.pdf", DocumentID: docID,
	})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}

	err = d.Handle(ctx, queue.Task{Name: TaskGenerateDocThumbnail, IDs: []string{docID.String()}})
	if !errors.Is(err, preview.ErrSourceNotFound) {
		t.Fatalf("expected retryable source-not-found, got %v", err)
	}
	if errors.Is(err, queue.ErrSkipRetry) {
		t.Fatal("source-not-found must not carry the skip-retry marker")
	}
}

func TestHandleTerminalErrorSkipsRetry(t *testing.T) {
	ctx := context.Background()
	d, memStore, gateway := newTestDispatcher(t)

	docID := uuid.New()
	verID := uuid.New()
	if err := memStore.CreateDocument(ctx, domain.Document{ID: docID}); err != nil {
		t.Fatalf("create document: %v", err)
	}
	err := memStore.CreateVersion(ctx, domain.DocumentVersion{
		ID: verID, Number: 1, FileName: "a.pdf", DocumentID: docID,
	})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	gateway.PutObject(mediapath.DocVerPath(verID, "a.pdf"), []byte("%PDF-1.4"))

	// noopRenderer always fails, so the handler hits a terminal error.
	err = d.Handle(ctx, queue.Task{Name: TaskGenerateDocThumbnail, IDs: []string{docID.String()}})
	if !errors.Is(err, queue.ErrSkipRetry) {
		t.Fatalf("expected skip-retry marker, got %v", err)
	}
}

func TestHandleRejectsWrongIDCount(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	err := d.Handle(context.Background(), queue.Task{
		Name: TaskGenerateDocThumbnail,
		IDs:  []string{uuid.NewString(), uuid.NewString()},
	})
	if !errors.Is(err, queue.ErrSkipRetry) {
		t.Fatalf("expected skip-retry for malformed task, got %v", err)
	}
}

func TestHandleRejectsMalformedUUID(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	err := d.Handle(context.Background(), queue.Task{
		Name: TaskGeneratePageImage,
		IDs:  []string{"not-a-uuid"},
	})
	if !errors.Is(err, queue.ErrSkipRetry) {
		t.Fatalf("expected skip-retry for malformed id, got %v", err)
	}
}

func TestHandleRemoveDocThumbnail(t *testing.T) {
	ctx := context.Background()
	d, _, gateway := newTestDispatcher(t)

	docID := uuid.New()
	key := mediapath.ThumbnailPath(docID, domain.SizeSM)
	gateway.PutObject(key, []byte("jpeg"))

	err := d.Handle(ctx, queue.Task{Name: TaskRemoveDocThumbnail, IDs: []string{docID.String()}})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, ok := gateway.GetObject(key); ok {
		t.Fatal("thumbnail still present after removal task")
	}
}

func TestHandleSync(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	if err := d.Handle(context.Background(), queue.Task{Name: TaskSync}); err != nil {
		t.Fatalf("sync over empty media root must succeed, got %v", err)
	}
}
