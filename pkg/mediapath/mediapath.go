// Package mediapath derives the relative locations of media artifacts.
//
// A single UUID drives three coordinate systems: the database row, the
// local media directory and the object storage key. All three use the same
// relative path, so every function here is pure and callers prepend either
// the media root (local) or the object prefix (remote).
package mediapath

import (
	"path"

	"github.com/google/uuid"

	"github.com/papermerge/s3-worker/pkg/domain"
)

const (
	thumbnailsDir = "thumbnails"
	docversDir    = "docvers"
	jpg           = "jpg"
)

// ShardPrefix splits the UUID over two directory levels to bound fan-out:
// ab/cd/abcd1234-... for UUID abcd1234-....
func ShardPrefix(id uuid.UUID) string {
	s := id.String()
	return path.Join(s[0:2], s[2:4], s)
}

// ThumbnailDir is the relative directory holding all preview sizes of one
// document or page.
func ThumbnailDir(id uuid.UUID) string {
	return path.Join(thumbnailsDir, jpg, ShardPrefix(id))
}

// ThumbnailPath locates one preview image, e.g.
// thumbnails/jpg/ab/cd/abcd.../sm.jpg.
func ThumbnailPath(id uuid.UUID, size domain.PreviewSize) string {
	return path.Join(ThumbnailDir(id), string(size)+"."+jpg)
}

// PagePreviewPath locates a page preview. Pages reuse the thumbnail layout
// keyed by the page id, not the document id.
func PagePreviewPath(pageID uuid.UUID, size domain.PreviewSize) string {
	return ThumbnailPath(pageID, size)
}

// DocVerDir is the relative directory of a document version. It contains
// exactly one file: the version's source document.
func DocVerDir(id uuid.UUID) string {
	return path.Join(docversDir, ShardPrefix(id))
}

// DocVerPath locates a version's source file, e.g.
// docvers/ab/cd/abcd.../report.pdf.
func DocVerPath(id uuid.UUID, fileName string) string {
	return path.Join(DocVerDir(id), fileName)
}

// Abs joins a relative media path onto a root (media root or object
// prefix). An empty root returns rel unchanged.
func Abs(root, rel string) string {
	if root == "" {
		return rel
	}
	return path.Join(root, rel)
}
