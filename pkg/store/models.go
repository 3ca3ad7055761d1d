package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Preview status columns are nullable
// on purpose: NULL is the "never considered" state of the machine.
type DocumentModel struct {
	ID            string  `gorm:"primaryKey;type:uuid"`
	PreviewStatus *string `gorm:"column:preview_status"`
	PreviewError  *string `gorm:"column:preview_error"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (DocumentModel) TableName() string { return "documents" }

type DocumentVersionModel struct {
	ID         string         `gorm:"primaryKey;type:uuid"`
	Number     int            `gorm:"not null;index:idx_docver_doc_number"`
	FileName   string         `gorm:"not null"`
	PageCount  int            `gorm:"not null;default:0"`
	DocumentID string         `gorm:"not null;type:uuid;index:idx_docver_doc_number"`
	Metadata   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time
}

func (DocumentVersionModel) TableName() string { return "document_versions" }

type PageModel struct {
	ID                string `gorm:"primaryKey;type:uuid"`
	Number            int    `gorm:"not null"`
	DocumentVersionID string `gorm:"not null;type:uuid;index"`

	PreviewStatusSM *string `gorm:"column:preview_status_sm"`
	PreviewErrorSM  *string `gorm:"column:preview_error_sm"`
	PreviewStatusMD *string `gorm:"column:preview_status_md"`
	PreviewErrorMD  *string `gorm:"column:preview_error_md"`
	PreviewStatusLG *string `gorm:"column:preview_status_lg"`
	PreviewErrorLG  *string `gorm:"column:preview_error_lg"`
	PreviewStatusXL *string `gorm:"column:preview_status_xl"`
	PreviewErrorXL  *string `gorm:"column:preview_error_xl"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PageModel) TableName() string { return "pages" }
