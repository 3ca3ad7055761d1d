package preview

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/papermerge/s3-worker/internal/rasterize"
	"github.com/papermerge/s3-worker/pkg/domain"
	"github.com/papermerge/s3-worker/pkg/mediapath"
	"github.com/papermerge/s3-worker/pkg/storage"
	"github.com/papermerge/s3-worker/pkg/store"
)

type renderCall struct {
	SrcPath    string
	WidthPx    int
	BaseName   string
	PageNumber int
}

// fakeRenderer records calls and writes a marker file per render, failing
// the base names listed in failOn.
type fakeRenderer struct {
	mu     sync.Mutex
	calls  []renderCall
	failOn map[string]error
}

func (f *fakeRenderer) Render(ctx context.Context, srcPath, outputDir string, widthPx int, baseName string, pageNumber int) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, renderCall{SrcPath: srcPath, WidthPx: widthPx, BaseName: baseName, PageNumber: pageNumber})
	f.mu.Unlock()
	if err := f.failOn[baseName]; err != nil {
		return "", err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	out := filepath.Join(outputDir, baseName+".jpg")
	if err := os.WriteFile(out, []byte("jpeg:"+baseName), 0o644); err != nil {
		return "", err
	}
	return out, nil
}

func (f *fakeRenderer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// uploadFailGateway fails every Upload while delegating the rest.
type uploadFailGateway struct {
	storage.Gateway
	err error
}

func (g *uploadFailGateway) Upload(ctx context.Context, localPath, key string) error {
	return g.err
}

type fixture struct {
	pipeline *Pipeline
	store    *store.MemoryStore
	gateway  *storage.MemoryGateway
	renderer *fakeRenderer

	docID  uuid.UUID
	verID  uuid.UUID
	pageID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemoryStore(),
		gateway:  storage.NewMemoryGateway(),
		renderer: &fakeRenderer{failOn: map[string]error{}},
		docID:    uuid.New(),
		verID:    uuid.New(),
		pageID:   uuid.New(),
	}
	ctx := context.Background()
	if err := f.store.CreateDocument(ctx, domain.Document{ID: f.docID}); err != nil {
		t.Fatalf("create document: %v", err)
	}
	err := f.store.CreateVersion(ctx, domain.DocumentVersion{
		ID:         f.verID,
		Number:     1,
		FileName:   "report.pdf",
		PageCount:  1,
		DocumentID: f.docID,
	})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	err = f.store.CreatePages(ctx, []domain.Page{
		{ID: f.pageID, Number: 1, DocumentVersionID: f.verID},
	})
	if err != nil {
		t.Fatalf("create page: %v", err)
	}

	f.pipeline = New(Config{
		Store:        f.store,
		Gateway:      f.gateway,
		Renderer:     f.renderer,
		MediaRoot:    t.TempDir(),
		ObjectPrefix: "tenant1",
	})
	return f
}

// seedRemoteSource puts the version's source file into storage only.
func (f *fixture) seedRemoteSource() {
	key := mediapath.Abs("tenant1", mediapath.DocVerPath(f.verID, "report.pdf"))
	f.gateway.PutObject(key, []byte("%PDF-1.4 fixture"))
}

func (f *fixture) docStatus(t *testing.T) domain.Document {
	t.Helper()
	doc, err := f.store.GetDocument(context.Background(), f.docID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	return doc
}

func (f *fixture) pageStatus(t *testing.T) domain.Page {
	t.Helper()
	page, err := f.store.GetPage(context.Background(), f.pageID)
	if err != nil {
		t.Fatalf("get page: %v", err)
	}
	return page
}

func TestGenerateDocThumbnailHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRemoteSource()

	if err := f.pipeline.GenerateDocThumbnail(ctx, f.docID); err != nil {
		t.Fatalf("generate: %v", err)
	}

	if got := f.renderer.callCount(); got != 1 {
		t.Fatalf("render calls = %d, want 1", got)
	}
	call := f.renderer.calls[0]
	if call.PageNumber != 1 {
		t.Fatalf("rendered page %d, want 1", call.PageNumber)
	}
	if call.WidthPx != 100 {
		t.Fatalf("rendered width %d, want default thumbnail width 100", call.WidthPx)
	}
	if call.BaseName != "sm" {
		t.Fatalf("rendered base %q, want sm", call.BaseName)
	}

	doc := f.docStatus(t)
	if doc.PreviewStatus == nil || *doc.PreviewStatus != domain.PreviewReady {
		t.Fatalf("status = %v, want ready", doc.PreviewStatus)
	}
	key := mediapath.Abs("tenant1", mediapath.ThumbnailPath(f.docID, domain.SizeSM))
	if _, ok := f.gateway.GetObject(key); !ok {
		t.Fatalf("thumbnail missing at %s", key)
	}
}

func TestGenerateDocThumbnailUsesLocalSourceWhenCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Only a local copy, nothing in storage.
	local := filepath.Join(f.pipeline.mediaRoot, filepath.FromSlash(mediapath.DocVerPath(f.verID, "report.pdf")))
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(local, []byte("%PDF-1.4 local"), 0o644); err != nil {
		t.Fatalf("write local source: %v", err)
	}

	if err := f.pipeline.GenerateDocThumbnail(ctx, f.docID); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if doc := f.docStatus(t); doc.PreviewStatus == nil || *doc.PreviewStatus != domain.PreviewReady {
		t.Fatalf("status = %v, want ready", doc.PreviewStatus)
	}
}

func TestGenerateDocThumbnailDuplicateDeliveryIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRemoteSource()

	if err := f.pipeline.GenerateDocThumbnail(ctx, f.docID); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.pipeline.GenerateDocThumbnail(ctx, f.docID); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if got := f.renderer.callCount(); got != 1 {
		t.Fatalf("render calls = %d, want 1 (duplicate must not render)", got)
	}
}

func TestGenerateDocThumbnailSourceMissingEverywhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.pipeline.GenerateDocThumbnail(ctx, f.docID)
	if !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}

	// A status is still recorded for the claimed attempt.
	doc := f.docStatus(t)
	if doc.PreviewStatus == nil || *doc.PreviewStatus != domain.PreviewFailed {
		t.Fatalf("status = %v, want failed", doc.PreviewStatus)
	}
	if doc.PreviewError == "" {
		t.Fatal("expected preview error recorded")
	}
}

func TestGenerateDocThumbnailNoVersions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	docID := uuid.New()
	if err := f.store.CreateDocument(ctx, domain.Document{ID: docID}); err != nil {
		t.Fatalf("create document: %v", err)
	}

	err := f.pipeline.GenerateDocThumbnail(ctx, docID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGenerateDocThumbnailUploadFailureIsRecordedNotRaised(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRemoteSource()
	f.pipeline.gateway = &uploadFailGateway{Gateway: f.gateway, err: errors.New("bucket gone")}

	// Source download happens through the failing gateway's delegate, so
	// seed the local cache instead.
	local := filepath.Join(f.pipeline.mediaRoot, filepath.FromSlash(mediapath.DocVerPath(f.verID, "report.pdf")))
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(local, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := f.pipeline.GenerateDocThumbnail(ctx, f.docID); err != nil {
		t.Fatalf("upload failure must not propagate, got %v", err)
	}
	doc := f.docStatus(t)
	if doc.PreviewStatus == nil || *doc.PreviewStatus != domain.PreviewFailed {
		t.Fatalf("status = %v, want failed", doc.PreviewStatus)
	}
	if doc.PreviewError == "" {
		t.Fatal("expected non-empty preview error")
	}
}

func TestGenerateDocThumbnailRenderFailureRecordsFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRemoteSource()
	f.renderer.failOn["sm"] = fmt.Errorf("%w: corrupt pdf", rasterize.ErrRender)

	err := f.pipeline.GenerateDocThumbnail(ctx, f.docID)
	if !errors.Is(err, rasterize.ErrRender) {
		t.Fatalf("expected render error to propagate, got %v", err)
	}
	doc := f.docStatus(t)
	if doc.PreviewStatus == nil || *doc.PreviewStatus != domain.PreviewFailed {
		t.Fatalf("status = %v, want failed", doc.PreviewStatus)
	}
}

func TestGeneratePagePreviewAllSizes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRemoteSource()

	if err := f.pipeline.GeneratePagePreview(ctx, f.pageID); err != nil {
		t.Fatalf("generate: %v", err)
	}

	page := f.pageStatus(t)
	for _, size := range domain.Sizes() {
		status := page.PreviewStatus[size]
		if status == nil || *status != domain.PreviewReady {
			t.Fatalf("size %s status = %v, want ready", size, status)
		}
		key := mediapath.Abs("tenant1", mediapath.PagePreviewPath(f.pageID, size))
		if _, ok := f.gateway.GetObject(key); !ok {
			t.Fatalf("preview missing at %s", key)
		}
	}
	if got := f.renderer.callCount(); got != 4 {
		t.Fatalf("render calls = %d, want 4", got)
	}
	// Widths follow the size map in generation order.
	wantWidths := []int{200, 600, 900, 1600}
	for i, call := range f.renderer.calls {
		if call.WidthPx != wantWidths[i] {
			t.Fatalf("call %d width = %d, want %d", i, call.WidthPx, wantWidths[i])
		}
	}
}

func TestGeneratePagePreviewFirstFailureShortCircuits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRemoteSource()
	f.renderer.failOn["sm"] = fmt.Errorf("%w: bad page", rasterize.ErrRender)

	if err := f.pipeline.GeneratePagePreview(ctx, f.pageID); err != nil {
		t.Fatalf("generate: %v", err)
	}

	page := f.pageStatus(t)
	if status := page.PreviewStatus[domain.SizeSM]; status == nil || *status != domain.PreviewFailed {
		t.Fatalf("sm status = %v, want failed", status)
	}
	if page.PreviewError[domain.SizeSM] == "" {
		t.Fatal("expected sm error recorded")
	}
	for _, size := range []domain.PreviewSize{domain.SizeMD, domain.SizeLG, domain.SizeXL} {
		if status := page.PreviewStatus[size]; status == nil || *status != domain.PreviewPending {
			t.Fatalf("size %s status = %v, want pending", size, status)
		}
	}
}

func TestGeneratePagePreviewUnresolvablePageIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.pipeline.GeneratePagePreview(ctx, uuid.New()); err != nil {
		t.Fatalf("unresolvable page must not error, got %v", err)
	}
}

func TestGeneratePagePreviewDuplicateDeliveryIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRemoteSource()

	if err := f.pipeline.GeneratePagePreview(ctx, f.pageID); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.pipeline.GeneratePagePreview(ctx, f.pageID); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if got := f.renderer.callCount(); got != 4 {
		t.Fatalf("render calls = %d, want 4 (duplicate must not render)", got)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, rel := range []string{
		"thumbnails/jpg/ab/cd/abcd/sm.jpg",
		"docvers/ef/01/ef01/report.pdf",
	} {
		local := filepath.Join(f.pipeline.mediaRoot, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(local, []byte(rel), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	if err := f.pipeline.Sync(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	first := f.gateway.UploadCount()
	if first != 2 {
		t.Fatalf("first sync uploads = %d, want 2", first)
	}

	if err := f.pipeline.Sync(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if got := f.gateway.UploadCount(); got != first {
		t.Fatalf("second sync uploaded %d more objects", got-first)
	}

	if keys, _ := f.gateway.List(ctx, "tenant1/"); len(keys) != 2 {
		t.Fatalf("expected 2 synced objects, got %v", keys)
	}
}

func TestAddAndRemoveDocVers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	local := filepath.Join(f.pipeline.mediaRoot, filepath.FromSlash(mediapath.DocVerPath(f.verID, "report.pdf")))
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(local, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := f.pipeline.AddDocVers(ctx, []string{f.verID.String()}); err != nil {
		t.Fatalf("add doc vers: %v", err)
	}
	key := mediapath.Abs("tenant1", mediapath.DocVerPath(f.verID, "report.pdf"))
	if _, ok := f.gateway.GetObject(key); !ok {
		t.Fatalf("source not uploaded to %s", key)
	}

	if err := f.pipeline.RemoveDocVers(ctx, []string{f.verID.String()}); err != nil {
		t.Fatalf("remove doc vers: %v", err)
	}
	if _, ok := f.gateway.GetObject(key); ok {
		t.Fatal("source still present after removal")
	}
}

func TestAddDocVersSkipsEmptyDirectory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// No local file for this version: skipped, not an error.
	if err := f.pipeline.AddDocVers(ctx, []string{uuid.NewString()}); err != nil {
		t.Fatalf("expected skip, got %v", err)
	}
}

func TestRemoveThumbnails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedRemoteSource()

	if err := f.pipeline.GenerateDocThumbnail(ctx, f.docID); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := f.pipeline.GeneratePagePreview(ctx, f.pageID); err != nil {
		t.Fatalf("generate pages: %v", err)
	}

	if err := f.pipeline.RemoveDocThumbnail(ctx, f.docID.String()); err != nil {
		t.Fatalf("remove doc thumbnail: %v", err)
	}
	if keys, _ := f.gateway.List(ctx, mediapath.Abs("tenant1", mediapath.ThumbnailDir(f.docID))); len(keys) != 0 {
		t.Fatalf("doc thumbnails remain: %v", keys)
	}

	if err := f.pipeline.RemovePageThumbnail(ctx, []string{f.pageID.String()}); err != nil {
		t.Fatalf("remove page thumbnails: %v", err)
	}
	if keys, _ := f.gateway.List(ctx, mediapath.Abs("tenant1", mediapath.ThumbnailDir(f.pageID))); len(keys) != 0 {
		t.Fatalf("page previews remain: %v", keys)
	}
}

func TestUploadFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rel := "thumbnails/jpg/aa/bb/aabb/sm.jpg"
	local := filepath.Join(f.pipeline.mediaRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(local, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := f.pipeline.UploadFile(ctx, rel); err != nil {
		t.Fatalf("upload file: %v", err)
	}
	if _, ok := f.gateway.GetObject("tenant1/" + rel); !ok {
		t.Fatal("object missing after upload")
	}

	if err := f.pipeline.UploadFile(ctx, "does/not/exist.jpg"); err == nil {
		t.Fatal("expected error for missing local file")
	}
}

func TestPresignURLDefaultsExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gateway.PutObject("tenant1/some/key.jpg", []byte("x"))

	url, err := f.pipeline.PresignURL(ctx, "tenant1/some/key.jpg", 0)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if url == "" {
		t.Fatal("expected presigned url")
	}
}
