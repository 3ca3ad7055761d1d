// Package rasterize renders preview JPEGs from source documents.
//
// PDF pages are rendered by shelling out to pdftoppm (poppler-utils),
// which is what document servers ship with anyway; plain image sources
// are resized in-process.
package rasterize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/ledongthuc/pdf"
)

// ErrRender marks a failed render: malformed source, out-of-range page
// number or a missing poppler installation. Terminal for the attempt.
var ErrRender = errors.New("rasterize: render failed")

// Renderer produces exactly one JPEG in outputDir named baseName.jpg,
// scaled to widthPx with the aspect ratio preserved. pageNumber is
// 1-based and only meaningful for multi-page sources.
type Renderer interface {
	Render(ctx context.Context, srcPath, outputDir string, widthPx int, baseName string, pageNumber int) (string, error)
}

// LocalRenderer renders PDFs via pdftoppm and images via imaging.
type LocalRenderer struct{}

func NewLocalRenderer() *LocalRenderer {
	return &LocalRenderer{}
}

// Render dispatches on the source extension. The output directory is
// created with parents before rendering.
func (r *LocalRenderer) Render(ctx context.Context, srcPath, outputDir string, widthPx int, baseName string, pageNumber int) (string, error) {
	if widthPx <= 0 {
		return "", fmt.Errorf("%w: width %d", ErrRender, widthPx)
	}
	if pageNumber < 1 {
		return "", fmt.Errorf("%w: page number %d", ErrRender, pageNumber)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	outPath := filepath.Join(outputDir, baseName+".jpg")

	switch strings.ToLower(filepath.Ext(srcPath)) {
	case ".pdf":
		if err := renderPDF(ctx, srcPath, outputDir, widthPx, baseName, pageNumber); err != nil {
			return "", err
		}
	case ".jpg", ".jpeg", ".png", ".gif", ".tif", ".tiff", ".bmp":
		if err := renderImage(srcPath, outPath, widthPx, pageNumber); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("%w: unsupported source %q", ErrRender, filepath.Base(srcPath))
	}
	return outPath, nil
}

func renderPDF(ctx context.Context, srcPath, outputDir string, widthPx int, baseName string, pageNumber int) error {
	if _, err := exec.LookPath("pdftoppm"); err != nil {
		return fmt.Errorf("%w: pdftoppm not found: %v", ErrRender, err)
	}
	args := pdftoppmArgs(srcPath, filepath.Join(outputDir, baseName), widthPx, pageNumber)
	cmd := exec.CommandContext(ctx, "pdftoppm", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: pdftoppm: %v: %s", ErrRender, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// pdftoppmArgs renders a single page as JPEG scaled to the target width,
// height following the aspect ratio.
func pdftoppmArgs(srcPath, outRoot string, widthPx, pageNumber int) []string {
	page := strconv.Itoa(pageNumber)
	return []string{
		"-jpeg",
		"-singlefile",
		"-f", page,
		"-l", page,
		"-scale-to-x", strconv.Itoa(widthPx),
		"-scale-to-y", "-1",
		srcPath,
		outRoot,
	}
}

func renderImage(srcPath, outPath string, widthPx, pageNumber int) error {
	if pageNumber != 1 {
		return fmt.Errorf("%w: image source has a single page, requested %d", ErrRender, pageNumber)
	}
	img, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("%w: open image: %v", ErrRender, err)
	}
	resized := imaging.Resize(img, widthPx, 0, imaging.Lanczos)
	if err := imaging.Save(resized, outPath, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("%w: save jpeg: %v", ErrRender, err)
	}
	return nil
}

// PageCount reports the number of pages in a PDF, or 1 for image sources.
func PageCount(path string) (int, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
	default:
		return 1, nil
	}
	file, reader, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()
	return reader.NumPage(), nil
}
