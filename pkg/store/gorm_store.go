package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/papermerge/s3-worker/pkg/domain"
)

const migrateLockID int64 = 84218421

// GormStore implements PreviewStore on Postgres via GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory
// lock so parallel workers can start concurrently.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&DocumentModel{}, &DocumentVersionModel{}, &PageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// GetDocument returns the document row.
func (s *GormStore) GetDocument(ctx context.Context, id uuid.UUID) (domain.Document, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return domain.Document{}, err
	}
	return documentFromModel(model)
}

// GetLastVersion returns the version with the highest number.
func (s *GormStore) GetLastVersion(ctx context.Context, docID uuid.UUID) (domain.DocumentVersion, error) {
	var model DocumentVersionModel
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID.String()).
		Order("number DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.DocumentVersion{}, fmt.Errorf("document %s has no versions: %w", docID, ErrNotFound)
		}
		return domain.DocumentVersion{}, err
	}
	return versionFromModel(model)
}

// GetVersion returns a version by id.
func (s *GormStore) GetVersion(ctx context.Context, id uuid.UUID) (domain.DocumentVersion, error) {
	var model DocumentVersionModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.DocumentVersion{}, fmt.Errorf("version %s: %w", id, ErrNotFound)
		}
		return domain.DocumentVersion{}, err
	}
	return versionFromModel(model)
}

// GetPage returns a page by id.
func (s *GormStore) GetPage(ctx context.Context, id uuid.UUID) (domain.Page, error) {
	var model PageModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Page{}, fmt.Errorf("page %s: %w", id, ErrNotFound)
		}
		return domain.Page{}, err
	}
	return pageFromModel(model)
}

// GetPages returns all pages of a version ordered by page number.
func (s *GormStore) GetPages(ctx context.Context, versionID uuid.UUID) ([]domain.Page, error) {
	var models []PageModel
	err := s.db.WithContext(ctx).
		Where("document_version_id = ?", versionID.String()).
		Order("number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	pages := make([]domain.Page, 0, len(models))
	for _, model := range models {
		page, err := pageFromModel(model)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// GetFirstPage returns page number 1 of a version.
func (s *GormStore) GetFirstPage(ctx context.Context, versionID uuid.UUID) (domain.Page, error) {
	var model PageModel
	err := s.db.WithContext(ctx).
		Where("document_version_id = ?", versionID.String()).
		Order("number ASC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Page{}, fmt.Errorf("version %s has no pages: %w", versionID, ErrNotFound)
		}
		return domain.Page{}, err
	}
	return pageFromModel(model)
}

// ClaimDocPreview is the read-then-write claim. The row lock makes the
// NULL check and the "pending" write one atomic step, so of any number of
// concurrent duplicate deliveries exactly one wins.
func (s *GormStore) ClaimDocPreview(ctx context.Context, docID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model DocumentModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", docID.String()).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("document %s: %w", docID, ErrNotFound)
			}
			return err
		}
		if model.PreviewStatus != nil {
			return ErrAlreadyClaimed
		}
		pending := string(domain.PreviewPending)
		return tx.Model(&DocumentModel{}).
			Where("id = ?", docID.String()).
			Updates(map[string]any{"preview_status": pending, "preview_error": nil}).Error
	})
}

// FinishDocPreview records the terminal status of the current attempt.
func (s *GormStore) FinishDocPreview(ctx context.Context, docID uuid.UUID, status domain.PreviewStatus, errMsg string) error {
	updates := map[string]any{"preview_status": string(status)}
	if errMsg != "" {
		updates["preview_error"] = errMsg
	} else {
		updates["preview_error"] = nil
	}
	res := s.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("id = ?", docID.String()).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("document %s: %w", docID, ErrNotFound)
	}
	return nil
}

// ClaimPagePreview claims a single (page, size) machine.
func (s *GormStore) ClaimPagePreview(ctx context.Context, pageID uuid.UUID, size domain.PreviewSize) error {
	statusCol, errorCol, err := previewColumns(size)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model PageModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", pageID.String()).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("page %s: %w", pageID, ErrNotFound)
			}
			return err
		}
		if pageStatusField(&model, size) != nil {
			return ErrAlreadyClaimed
		}
		return tx.Model(&PageModel{}).
			Where("id = ?", pageID.String()).
			Updates(map[string]any{statusCol: string(domain.PreviewPending), errorCol: nil}).Error
	})
}

// ClaimAllPageSizes claims every still-NULL size in one transaction and
// returns the sizes won, in generation order.
func (s *GormStore) ClaimAllPageSizes(ctx context.Context, pageID uuid.UUID) ([]domain.PreviewSize, error) {
	var claimed []domain.PreviewSize
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model PageModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", pageID.String()).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("page %s: %w", pageID, ErrNotFound)
			}
			return err
		}
		updates := map[string]any{}
		for _, size := range domain.Sizes() {
			if pageStatusField(&model, size) != nil {
				continue
			}
			statusCol, errorCol, err := previewColumns(size)
			if err != nil {
				return err
			}
			updates[statusCol] = string(domain.PreviewPending)
			updates[errorCol] = nil
			claimed = append(claimed, size)
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&PageModel{}).
			Where("id = ?", pageID.String()).
			Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// FinishPagePreview records the terminal status of one (page, size).
func (s *GormStore) FinishPagePreview(ctx context.Context, pageID uuid.UUID, size domain.PreviewSize, status domain.PreviewStatus, errMsg string) error {
	statusCol, errorCol, err := previewColumns(size)
	if err != nil {
		return err
	}
	updates := map[string]any{statusCol: string(status)}
	if errMsg != "" {
		updates[errorCol] = errMsg
	} else {
		updates[errorCol] = nil
	}
	res := s.db.WithContext(ctx).Model(&PageModel{}).
		Where("id = ?", pageID.String()).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("page %s: %w", pageID, ErrNotFound)
	}
	return nil
}

// CreateDocument inserts a document row.
func (s *GormStore) CreateDocument(ctx context.Context, doc domain.Document) error {
	model := DocumentModel{ID: doc.ID.String()}
	if doc.PreviewStatus != nil {
		status := string(*doc.PreviewStatus)
		model.PreviewStatus = &status
	}
	if doc.PreviewError != "" {
		model.PreviewError = &doc.PreviewError
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// CreateVersion inserts a document version row.
func (s *GormStore) CreateVersion(ctx context.Context, ver domain.DocumentVersion) error {
	meta, _ := json.Marshal(ver.Metadata)
	model := DocumentVersionModel{
		ID:         ver.ID.String(),
		Number:     ver.Number,
		FileName:   ver.FileName,
		PageCount:  ver.PageCount,
		DocumentID: ver.DocumentID.String(),
		Metadata:   meta,
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// CreatePages inserts page rows.
func (s *GormStore) CreatePages(ctx context.Context, pages []domain.Page) error {
	if len(pages) == 0 {
		return nil
	}
	models := make([]PageModel, 0, len(pages))
	for _, page := range pages {
		models = append(models, PageModel{
			ID:                page.ID.String(),
			Number:            page.Number,
			DocumentVersionID: page.DocumentVersionID.String(),
		})
	}
	return s.db.WithContext(ctx).CreateInBatches(&models, 200).Error
}

func previewColumns(size domain.PreviewSize) (string, string, error) {
	switch size {
	case domain.SizeSM:
		return "preview_status_sm", "preview_error_sm", nil
	case domain.SizeMD:
		return "preview_status_md", "preview_error_md", nil
	case domain.SizeLG:
		return "preview_status_lg", "preview_error_lg", nil
	case domain.SizeXL:
		return "preview_status_xl", "preview_error_xl", nil
	}
	return "", "", fmt.Errorf("unknown preview size %q", size)
}

func pageStatusField(model *PageModel, size domain.PreviewSize) *string {
	switch size {
	case domain.SizeSM:
		return model.PreviewStatusSM
	case domain.SizeMD:
		return model.PreviewStatusMD
	case domain.SizeLG:
		return model.PreviewStatusLG
	case domain.SizeXL:
		return model.PreviewStatusXL
	}
	return nil
}

func pageErrorField(model *PageModel, size domain.PreviewSize) *string {
	switch size {
	case domain.SizeSM:
		return model.PreviewErrorSM
	case domain.SizeMD:
		return model.PreviewErrorMD
	case domain.SizeLG:
		return model.PreviewErrorLG
	case domain.SizeXL:
		return model.PreviewErrorXL
	}
	return nil
}

func documentFromModel(model DocumentModel) (domain.Document, error) {
	id, err := uuid.Parse(model.ID)
	if err != nil {
		return domain.Document{}, fmt.Errorf("parse document id: %w", err)
	}
	doc := domain.Document{ID: id}
	if model.PreviewStatus != nil {
		status, err := domain.ParsePreviewStatus(*model.PreviewStatus)
		if err != nil {
			return domain.Document{}, err
		}
		doc.PreviewStatus = &status
	}
	if model.PreviewError != nil {
		doc.PreviewError = *model.PreviewError
	}
	return doc, nil
}

func versionFromModel(model DocumentVersionModel) (domain.DocumentVersion, error) {
	id, err := uuid.Parse(model.ID)
	if err != nil {
		return domain.DocumentVersion{}, fmt.Errorf("parse version id: %w", err)
	}
	docID, err := uuid.Parse(model.DocumentID)
	if err != nil {
		return domain.DocumentVersion{}, fmt.Errorf("parse document id: %w", err)
	}
	var meta map[string]string
	if len(model.Metadata) > 0 {
		_ = json.Unmarshal(model.Metadata, &meta)
	}
	return domain.DocumentVersion{
		ID:         id,
		Number:     model.Number,
		FileName:   model.FileName,
		PageCount:  model.PageCount,
		DocumentID: docID,
		Metadata:   meta,
	}, nil
}

func pageFromModel(model PageModel) (domain.Page, error) {
	id, err := uuid.Parse(model.ID)
	if err != nil {
		return domain.Page{}, fmt.Errorf("parse page id: %w", err)
	}
	verID, err := uuid.Parse(model.DocumentVersionID)
	if err != nil {
		return domain.Page{}, fmt.Errorf("parse version id: %w", err)
	}
	page := domain.Page{
		ID:                id,
		Number:            model.Number,
		DocumentVersionID: verID,
		PreviewStatus:     make(map[domain.PreviewSize]*domain.PreviewStatus),
		PreviewError:      make(map[domain.PreviewSize]string),
	}
	for _, size := range domain.Sizes() {
		if raw := pageStatusField(&model, size); raw != nil {
			status, err := domain.ParsePreviewStatus(*raw)
			if err != nil {
				return domain.Page{}, err
			}
			page.PreviewStatus[size] = &status
		}
		if raw := pageErrorField(&model, size); raw != nil {
			page.PreviewError[size] = *raw
		}
	}
	return page, nil
}
