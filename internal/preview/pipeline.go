// Package preview orchestrates preview generation: claim the work in the
// status store, fetch the source, render, upload, record the outcome.
package preview

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/papermerge/s3-worker/internal/metrics"
	"github.com/papermerge/s3-worker/internal/rasterize"
	"github.com/papermerge/s3-worker/pkg/domain"
	"github.com/papermerge/s3-worker/pkg/mediapath"
	"github.com/papermerge/s3-worker/pkg/storage"
	"github.com/papermerge/s3-worker/pkg/store"
)

// ErrSourceNotFound means the version's source file is neither cached
// locally nor present in storage yet. Transient: the source may not have
// replicated, so the dispatcher retries it with backoff.
var ErrSourceNotFound = errors.New("preview: source file not found")

const (
	kindDocument = "document"
	kindPage     = "page"
)

// Config assembles a Pipeline.
type Config struct {
	Store    store.PreviewStore
	Gateway  storage.Gateway
	Renderer rasterize.Renderer

	MediaRoot    string
	ObjectPrefix string

	// SizePx maps page preview sizes to pixel widths; ThumbnailPx is the
	// whole-document thumbnail width.
	SizePx      map[domain.PreviewSize]int
	ThumbnailPx int

	PresignExpiry   time.Duration
	SyncConcurrency int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Pipeline implements the idempotent claim-and-generate protocol.
type Pipeline struct {
	store    store.PreviewStore
	gateway  storage.Gateway
	renderer rasterize.Renderer

	mediaRoot    string
	objectPrefix string

	sizePx      map[domain.PreviewSize]int
	thumbnailPx int

	presignExpiry   time.Duration
	syncConcurrency int

	metrics *metrics.Metrics
	log     *slog.Logger
}

// New builds a Pipeline, filling unset tunables with the original
// Papermerge defaults.
func New(cfg Config) *Pipeline {
	sizePx := cfg.SizePx
	if sizePx == nil {
		sizePx = map[domain.PreviewSize]int{
			domain.SizeSM: 200,
			domain.SizeMD: 600,
			domain.SizeLG: 900,
			domain.SizeXL: 1600,
		}
	}
	thumbnailPx := cfg.ThumbnailPx
	if thumbnailPx <= 0 {
		thumbnailPx = 100
	}
	presignExpiry := cfg.PresignExpiry
	if presignExpiry <= 0 {
		presignExpiry = time.Hour
	}
	syncConcurrency := cfg.SyncConcurrency
	if syncConcurrency <= 0 {
		syncConcurrency = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:           cfg.Store,
		gateway:         cfg.Gateway,
		renderer:        cfg.Renderer,
		mediaRoot:       cfg.MediaRoot,
		objectPrefix:    cfg.ObjectPrefix,
		sizePx:          sizePx,
		thumbnailPx:     thumbnailPx,
		presignExpiry:   presignExpiry,
		syncConcurrency: syncConcurrency,
		metrics:         cfg.Metrics,
		log:             logger,
	}
}

func (p *Pipeline) localPath(rel string) string {
	return filepath.Join(p.mediaRoot, filepath.FromSlash(rel))
}

func (p *Pipeline) objectKey(rel string) string {
	return mediapath.Abs(p.objectPrefix, rel)
}

// GenerateDocThumbnail renders and uploads the sm thumbnail of page 1 of
// the document's last version.
//
// The claim suppresses duplicate deliveries. Once claimed, a status is
// always recorded: the deferred finisher writes "failed" on every error
// path, and an upload failure is recorded without propagating so the
// queue does not retry an attempt whose outcome is already terminal.
func (p *Pipeline) GenerateDocThumbnail(ctx context.Context, docID uuid.UUID) (err error) {
	if cerr := p.store.ClaimDocPreview(ctx, docID); cerr != nil {
		if errors.Is(cerr, store.ErrAlreadyClaimed) {
			p.log.Debug("doc thumbnail already claimed", "doc_id", docID)
			return nil
		}
		return cerr
	}

	finished := false
	defer func() {
		if finished {
			return
		}
		msg := "preview generation aborted"
		if err != nil {
			msg = err.Error()
		}
		if ferr := p.store.FinishDocPreview(ctx, docID, domain.PreviewFailed, msg); ferr != nil {
			p.log.Error("record doc thumbnail failure", "doc_id", docID, "err", ferr)
		}
		p.metrics.PreviewFailed(kindDocument, string(domain.SizeSM))
	}()

	ver, err := p.store.GetLastVersion(ctx, docID)
	if err != nil {
		return err
	}
	srcPath, err := p.ensureSource(ctx, ver)
	if err != nil {
		return err
	}

	rel := mediapath.ThumbnailPath(docID, domain.SizeSM)
	outDir := p.localPath(mediapath.ThumbnailDir(docID))
	if _, rerr := p.renderer.Render(ctx, srcPath, outDir, p.thumbnailPx, string(domain.SizeSM), 1); rerr != nil {
		err = rerr
		return err
	}

	if uerr := p.gateway.Upload(ctx, p.localPath(rel), p.objectKey(rel)); uerr != nil {
		finished = true
		p.log.Error("upload doc thumbnail", "doc_id", docID, "err", uerr)
		if ferr := p.store.FinishDocPreview(ctx, docID, domain.PreviewFailed, uerr.Error()); ferr != nil {
			p.log.Error("record doc thumbnail failure", "doc_id", docID, "err", ferr)
		}
		p.metrics.PreviewFailed(kindDocument, string(domain.SizeSM))
		return nil
	}
	p.metrics.UploadDone()

	finished = true
	if ferr := p.store.FinishDocPreview(ctx, docID, domain.PreviewReady, ""); ferr != nil {
		return ferr
	}
	p.metrics.PreviewGenerated(kindDocument, string(domain.SizeSM))
	p.log.Info("doc thumbnail ready", "doc_id", docID, "key", p.objectKey(rel))
	return nil
}

// GeneratePagePreview renders and uploads all four preview sizes of one
// page. A page whose version cannot be resolved is not yet applicable:
// it is logged and skipped without any status transition.
//
// Sizes are claimed up front and generated in fixed order. The first
// failing size is recorded as failed and generation stops there, leaving
// later sizes pending.
func (p *Pipeline) GeneratePagePreview(ctx context.Context, pageID uuid.UUID) error {
	page, err := p.store.GetPage(ctx, pageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.log.Info("page not resolvable, skipping preview", "page_id", pageID)
			return nil
		}
		return err
	}
	ver, err := p.store.GetVersion(ctx, page.DocumentVersionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.log.Info("page has no resolvable version, skipping preview", "page_id", pageID)
			return nil
		}
		return err
	}

	claimed, err := p.store.ClaimAllPageSizes(ctx, pageID)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		p.log.Debug("page previews already claimed", "page_id", pageID)
		return nil
	}

	srcPath, err := p.ensureSource(ctx, ver)
	if err != nil {
		return err
	}

	outDir := p.localPath(mediapath.ThumbnailDir(pageID))
	for _, size := range claimed {
		rel := mediapath.PagePreviewPath(pageID, size)
		if _, rerr := p.renderer.Render(ctx, srcPath, outDir, p.sizePx[size], string(size), page.Number); rerr != nil {
			p.log.Error("render page preview", "page_id", pageID, "size", size, "err", rerr)
			if ferr := p.store.FinishPagePreview(ctx, pageID, size, domain.PreviewFailed, rerr.Error()); ferr != nil {
				p.log.Error("record page preview failure", "page_id", pageID, "size", size, "err", ferr)
			}
			p.metrics.PreviewFailed(kindPage, string(size))
			return nil
		}
		if uerr := p.gateway.Upload(ctx, p.localPath(rel), p.objectKey(rel)); uerr != nil {
			p.log.Error("upload page preview", "page_id", pageID, "size", size, "err", uerr)
			if ferr := p.store.FinishPagePreview(ctx, pageID, size, domain.PreviewFailed, uerr.Error()); ferr != nil {
				p.log.Error("record page preview failure", "page_id", pageID, "size", size, "err", ferr)
			}
			p.metrics.PreviewFailed(kindPage, string(size))
			return nil
		}
		p.metrics.UploadDone()
		if ferr := p.store.FinishPagePreview(ctx, pageID, size, domain.PreviewReady, ""); ferr != nil {
			return ferr
		}
		p.metrics.PreviewGenerated(kindPage, string(size))
	}
	p.log.Info("page previews ready", "page_id", pageID, "sizes", claimed)
	return nil
}

// ensureSource makes the version's source file available locally,
// downloading it from storage when the cache is cold.
func (p *Pipeline) ensureSource(ctx context.Context, ver domain.DocumentVersion) (string, error) {
	rel := mediapath.DocVerPath(ver.ID, ver.FileName)
	local := p.localPath(rel)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}
	key := p.objectKey(rel)
	if err := p.gateway.Download(ctx, key, local); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", fmt.Errorf("%s: %w", key, ErrSourceNotFound)
		}
		return "", err
	}
	return local, nil
}

// AddDocVers uploads the source file of each document version to storage.
// A version directory with no local file is logged and skipped.
func (p *Pipeline) AddDocVers(ctx context.Context, ids []string) error {
	for _, raw := range ids {
		verID, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse version id %q: %w", raw, err)
		}
		baseDir := p.localPath(mediapath.DocVerDir(verID))
		fileName, err := firstFileInDir(baseDir)
		if err != nil {
			return err
		}
		if fileName == "" {
			p.log.Error("no file in version directory, skipping upload", "version_id", verID, "dir", baseDir)
			continue
		}
		rel := mediapath.DocVerPath(verID, fileName)
		if err := p.gateway.Upload(ctx, p.localPath(rel), p.objectKey(rel)); err != nil {
			return err
		}
		p.metrics.UploadDone()
		pageCount, cerr := rasterize.PageCount(p.localPath(rel))
		if cerr != nil {
			pageCount = 0
		}
		p.log.Info("doc version uploaded", "version_id", verID, "file", fileName, "pages", pageCount)
	}
	return nil
}

// RemoveDocVers deletes everything stored under each version's prefix.
func (p *Pipeline) RemoveDocVers(ctx context.Context, ids []string) error {
	for _, raw := range ids {
		verID, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse version id %q: %w", raw, err)
		}
		if err := p.gateway.DeleteByPrefix(ctx, p.objectKey(mediapath.DocVerDir(verID))); err != nil {
			return err
		}
		p.log.Info("doc version removed from storage", "version_id", verID)
	}
	return nil
}

// RemoveDocThumbnail deletes every thumbnail size of one document.
func (p *Pipeline) RemoveDocThumbnail(ctx context.Context, id string) error {
	docID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("parse document id %q: %w", id, err)
	}
	return p.gateway.DeleteByPrefix(ctx, p.objectKey(mediapath.ThumbnailDir(docID)))
}

// RemoveDocsThumbnail deletes thumbnails of multiple documents.
func (p *Pipeline) RemoveDocsThumbnail(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := p.RemoveDocThumbnail(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RemovePageThumbnail deletes all preview sizes of the given pages.
func (p *Pipeline) RemovePageThumbnail(ctx context.Context, ids []string) error {
	for _, raw := range ids {
		pageID, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse page id %q: %w", raw, err)
		}
		if err := p.gateway.DeleteByPrefix(ctx, p.objectKey(mediapath.ThumbnailDir(pageID))); err != nil {
			return err
		}
	}
	return nil
}

// Sync walks the media root and uploads every file whose key is missing
// from storage. Re-runs are cheap: the exists-check skips everything
// already uploaded.
func (p *Pipeline) Sync(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(p.syncConcurrency)

	err := filepath.WalkDir(p.mediaRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.mediaRoot, path)
		if err != nil {
			return err
		}
		key := p.objectKey(filepath.ToSlash(rel))
		group.Go(func() error {
			exists, err := p.gateway.Exists(gctx, key)
			if err != nil {
				return err
			}
			if exists {
				p.metrics.UploadSkipped()
				p.log.Debug("sync skip, object exists", "key", key)
				return nil
			}
			if err := p.gateway.Upload(gctx, path, key); err != nil {
				return err
			}
			p.metrics.UploadDone()
			p.log.Debug("sync upload", "key", key)
			return nil
		})
		return nil
	})
	if werr := group.Wait(); werr != nil {
		return werr
	}
	return err
}

// UploadFile uploads a single file given its media-root-relative path.
func (p *Pipeline) UploadFile(ctx context.Context, rel string) error {
	local := p.localPath(rel)
	info, err := os.Stat(local)
	if err != nil {
		return fmt.Errorf("upload canceled, %s: %w", local, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("upload canceled, %s is not a regular file", local)
	}
	if err := p.gateway.Upload(ctx, local, p.objectKey(rel)); err != nil {
		return err
	}
	p.metrics.UploadDone()
	return nil
}

// PresignURL issues a time-limited GET URL for an object key. A zero
// expiry uses the configured default.
func (p *Pipeline) PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = p.presignExpiry
	}
	return p.gateway.PresignGet(ctx, key, expiry)
}

// firstFileInDir returns the name of the first regular file in dir, or ""
// when the directory is empty or missing. Version directories hold
// exactly one file by construction.
func firstFileInDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			return entry.Name(), nil
		}
	}
	return "", nil
}
