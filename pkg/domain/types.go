package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// PreviewStatus is the lifecycle of one preview artifact.
//
// A NULL database value means the preview was never considered; that case
// is represented here by a nil *PreviewStatus. "pending" means the work was
// claimed, "ready" and "failed" are terminal for the current attempt.
type PreviewStatus string

const (
	PreviewPending PreviewStatus = "pending"
	PreviewReady   PreviewStatus = "ready"
	PreviewFailed  PreviewStatus = "failed"
)

// ParsePreviewStatus rejects anything outside the closed set so a typo in
// the database never becomes a silent new state.
func ParsePreviewStatus(s string) (PreviewStatus, error) {
	switch PreviewStatus(s) {
	case PreviewPending, PreviewReady, PreviewFailed:
		return PreviewStatus(s), nil
	}
	return "", fmt.Errorf("unknown preview status %q", s)
}

// PreviewSize tags one of the four page preview variants.
type PreviewSize string

const (
	SizeSM PreviewSize = "sm"
	SizeMD PreviewSize = "md"
	SizeLG PreviewSize = "lg"
	SizeXL PreviewSize = "xl"
)

// Sizes returns all preview sizes in generation order.
func Sizes() []PreviewSize {
	return []PreviewSize{SizeSM, SizeMD, SizeLG, SizeXL}
}

// ParsePreviewSize validates a size tag.
func ParsePreviewSize(s string) (PreviewSize, error) {
	switch PreviewSize(s) {
	case SizeSM, SizeMD, SizeLG, SizeXL:
		return PreviewSize(s), nil
	}
	return "", fmt.Errorf("unknown preview size %q", s)
}

// Document is the whole-document thumbnail state. Rows are created by the
// ingestion side; this worker only ever touches the preview columns.
type Document struct {
	ID            uuid.UUID      `json:"id"`
	PreviewStatus *PreviewStatus `json:"previewStatus,omitempty"`
	PreviewError  string         `json:"previewError,omitempty"`
}

// DocumentVersion is immutable once written. FileName is the only file
// stored under the version's media directory.
type DocumentVersion struct {
	ID         uuid.UUID         `json:"id"`
	Number     int               `json:"number"`
	FileName   string            `json:"fileName"`
	PageCount  int               `json:"pageCount"`
	DocumentID uuid.UUID         `json:"documentId"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Page carries four independent preview state machines, one per size.
type Page struct {
	ID                uuid.UUID `json:"id"`
	Number            int       `json:"number"`
	DocumentVersionID uuid.UUID `json:"documentVersionId"`

	PreviewStatus map[PreviewSize]*PreviewStatus `json:"previewStatus,omitempty"`
	PreviewError  map[PreviewSize]string         `json:"previewError,omitempty"`
}
