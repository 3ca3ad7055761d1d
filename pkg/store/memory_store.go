package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/papermerge/s3-worker/pkg/domain"
)

// MemoryStore is an in-process PreviewStore twin used in tests. The mutex
// stands in for the database transaction: claims are atomic with respect
// to each other.
type MemoryStore struct {
	mu    sync.Mutex
	docs  map[uuid.UUID]*domain.Document
	vers  map[uuid.UUID]*domain.DocumentVersion
	pages map[uuid.UUID]*domain.Page
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[uuid.UUID]*domain.Document),
		vers:  make(map[uuid.UUID]*domain.DocumentVersion),
		pages: make(map[uuid.UUID]*domain.Page),
	}
}

func (m *MemoryStore) GetDocument(ctx context.Context, id uuid.UUID) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return domain.Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return copyDocument(doc), nil
}

func (m *MemoryStore) GetLastVersion(ctx context.Context, docID uuid.UUID) (domain.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var versions []*domain.DocumentVersion
	for _, ver := range m.vers {
		if ver.DocumentID == docID {
			versions = append(versions, ver)
		}
	}
	if len(versions) == 0 {
		return domain.DocumentVersion{}, fmt.Errorf("document %s has no versions: %w", docID, ErrNotFound)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Number > versions[j].Number })
	return *versions[0], nil
}

func (m *MemoryStore) GetVersion(ctx context.Context, id uuid.UUID) (domain.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ver, ok := m.vers[id]
	if !ok {
		return domain.DocumentVersion{}, fmt.Errorf("version %s: %w", id, ErrNotFound)
	}
	return *ver, nil
}

func (m *MemoryStore) GetPage(ctx context.Context, id uuid.UUID) (domain.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[id]
	if !ok {
		return domain.Page{}, fmt.Errorf("page %s: %w", id, ErrNotFound)
	}
	return copyPage(page), nil
}

func (m *MemoryStore) GetPages(ctx context.Context, versionID uuid.UUID) ([]domain.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pages []domain.Page
	for _, page := range m.pages {
		if page.DocumentVersionID == versionID {
			pages = append(pages, copyPage(page))
		}
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })
	return pages, nil
}

func (m *MemoryStore) GetFirstPage(ctx context.Context, versionID uuid.UUID) (domain.Page, error) {
	pages, err := m.GetPages(ctx, versionID)
	if err != nil {
		return domain.Page{}, err
	}
	if len(pages) == 0 {
		return domain.Page{}, fmt.Errorf("version %s has no pages: %w", versionID, ErrNotFound)
	}
	return pages[0], nil
}

func (m *MemoryStore) ClaimDocPreview(ctx context.Context, docID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docID]
	if !ok {
		return fmt.Errorf("document %s: %w", docID, ErrNotFound)
	}
	if doc.PreviewStatus != nil {
		return ErrAlreadyClaimed
	}
	pending := domain.PreviewPending
	doc.PreviewStatus = &pending
	doc.PreviewError = ""
	return nil
}

func (m *MemoryStore) FinishDocPreview(ctx context.Context, docID uuid.UUID, status domain.PreviewStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docID]
	if !ok {
		return fmt.Errorf("document %s: %w", docID, ErrNotFound)
	}
	doc.PreviewStatus = &status
	doc.PreviewError = errMsg
	return nil
}

func (m *MemoryStore) ClaimPagePreview(ctx context.Context, pageID uuid.UUID, size domain.PreviewSize) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageID]
	if !ok {
		return fmt.Errorf("page %s: %w", pageID, ErrNotFound)
	}
	if page.PreviewStatus[size] != nil {
		return ErrAlreadyClaimed
	}
	pending := domain.PreviewPending
	page.PreviewStatus[size] = &pending
	delete(page.PreviewError, size)
	return nil
}

func (m *MemoryStore) ClaimAllPageSizes(ctx context.Context, pageID uuid.UUID) ([]domain.PreviewSize, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("page %s: %w", pageID, ErrNotFound)
	}
	var claimed []domain.PreviewSize
	for _, size := range domain.Sizes() {
		if page.PreviewStatus[size] != nil {
			continue
		}
		pending := domain.PreviewPending
		page.PreviewStatus[size] = &pending
		delete(page.PreviewError, size)
		claimed = append(claimed, size)
	}
	return claimed, nil
}

func (m *MemoryStore) FinishPagePreview(ctx context.Context, pageID uuid.UUID, size domain.PreviewSize, status domain.PreviewStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageID]
	if !ok {
		return fmt.Errorf("page %s: %w", pageID, ErrNotFound)
	}
	page.PreviewStatus[size] = &status
	if errMsg != "" {
		page.PreviewError[size] = errMsg
	} else {
		delete(page.PreviewError, size)
	}
	return nil
}

func (m *MemoryStore) CreateDocument(ctx context.Context, doc domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := copyDocument(&doc)
	m.docs[doc.ID] = &copied
	return nil
}

func (m *MemoryStore) CreateVersion(ctx context.Context, ver domain.DocumentVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := ver
	m.vers[ver.ID] = &copied
	return nil
}

func (m *MemoryStore) CreatePages(ctx context.Context, pages []domain.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, page := range pages {
		copied := copyPage(&page)
		if copied.PreviewStatus == nil {
			copied.PreviewStatus = make(map[domain.PreviewSize]*domain.PreviewStatus)
		}
		if copied.PreviewError == nil {
			copied.PreviewError = make(map[domain.PreviewSize]string)
		}
		m.pages[page.ID] = &copied
	}
	return nil
}

func copyDocument(doc *domain.Document) domain.Document {
	copied := *doc
	if doc.PreviewStatus != nil {
		status := *doc.PreviewStatus
		copied.PreviewStatus = &status
	}
	return copied
}

func copyPage(page *domain.Page) domain.Page {
	copied := *page
	copied.PreviewStatus = make(map[domain.PreviewSize]*domain.PreviewStatus, len(page.PreviewStatus))
	for size, status := range page.PreviewStatus {
		if status != nil {
			s := *status
			copied.PreviewStatus[size] = &s
		}
	}
	copied.PreviewError = make(map[domain.PreviewSize]string, len(page.PreviewError))
	for size, msg := range page.PreviewError {
		copied.PreviewError[size] = msg
	}
	return copied
}
