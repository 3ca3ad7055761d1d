package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/papermerge/s3-worker/pkg/domain"
)

// ErrNotFound is returned when a document, version or page row does not
// exist. It indicates a stale or invalid identifier and is never retried
// automatically.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyClaimed is returned when a claim finds a non-NULL preview
// status. It is the idempotency boundary for duplicate task deliveries and
// is treated as a silent no-op by callers, not as a failure.
var ErrAlreadyClaimed = errors.New("store: preview already claimed")

// PreviewStore persists documents, versions, pages and their preview state
// machines. A claim is the only way a status moves from NULL to "pending"
// and the backing transaction guarantees a single winner under concurrent
// duplicate deliveries.
type PreviewStore interface {
	GetDocument(ctx context.Context, id uuid.UUID) (domain.Document, error)
	// GetLastVersion returns the version with the highest number, or
	// ErrNotFound when the document has no versions at all.
	GetLastVersion(ctx context.Context, docID uuid.UUID) (domain.DocumentVersion, error)
	GetVersion(ctx context.Context, id uuid.UUID) (domain.DocumentVersion, error)
	GetPage(ctx context.Context, id uuid.UUID) (domain.Page, error)
	GetPages(ctx context.Context, versionID uuid.UUID) ([]domain.Page, error)
	GetFirstPage(ctx context.Context, versionID uuid.UUID) (domain.Page, error)

	// ClaimDocPreview transitions preview_status NULL -> "pending".
	// Any non-NULL status, including "failed", yields ErrAlreadyClaimed.
	ClaimDocPreview(ctx context.Context, docID uuid.UUID) error
	FinishDocPreview(ctx context.Context, docID uuid.UUID, status domain.PreviewStatus, errMsg string) error

	// ClaimPagePreview runs the same protocol for one (page, size) pair.
	ClaimPagePreview(ctx context.Context, pageID uuid.UUID, size domain.PreviewSize) error
	// ClaimAllPageSizes claims every still-NULL size of the page in one
	// transaction and reports which sizes were won.
	ClaimAllPageSizes(ctx context.Context, pageID uuid.UUID) ([]domain.PreviewSize, error)
	FinishPagePreview(ctx context.Context, pageID uuid.UUID, size domain.PreviewSize, status domain.PreviewStatus, errMsg string) error

	// Seed operations used by ingestion and tests. Documents and versions
	// are otherwise immutable from this worker's point of view.
	CreateDocument(ctx context.Context, doc domain.Document) error
	CreateVersion(ctx context.Context, ver domain.DocumentVersion) error
	CreatePages(ctx context.Context, pages []domain.Page) error
}
