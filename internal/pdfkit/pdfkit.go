// Package pdfkit wraps the PDF primitives the pipeline depends on.
//
// DESIGN: The processor only sees the three narrow interfaces below. Text
// extraction and splitting ship with in-tree implementations; rasterization
// is provided by the hosting deployment (it requires a native renderer) and
// by fakes in tests.
package pdfkit

import (
	"context"
)

// RenderOptions tune page rasterization.
type RenderOptions struct {
	Scale    float64 // render scale factor, 2.0 for the vision pass
	MaxWidth int     // output width cap in pixels
	Quality  int     // encoder quality, 1-100
}

// DefaultRenderOptions are the vision-pass rendering parameters.
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{Scale: 2.0, MaxWidth: 1024, Quality: 85}
}

// Renderer rasterizes pages to PNG bytes.
type Renderer interface {
	// RenderPage renders one full page. pageIndex is 0-based.
	RenderPage(ctx context.Context, pdf []byte, pageIndex int, opts RenderOptions) ([]byte, error)

	// RenderHeaderCrop renders the top strip of a page. topFraction is the
	// portion of the page height to keep, e.g. 0.2 for the top 20%.
	RenderHeaderCrop(ctx context.Context, pdf []byte, pageIndex int, topFraction float64) ([]byte, error)
}

// TextExtractor reads the embedded text layer.
type TextExtractor interface {
	// PageCount returns the number of pages in the document.
	PageCount(pdf []byte) (int, error)

	// ExtractPageText returns the text layer of one page. pageIndex is
	// 0-based. An empty string means the page has no usable text layer.
	ExtractPageText(pdf []byte, pageIndex int) (string, error)
}

// Splitter extracts page ranges into standalone PDFs.
type Splitter interface {
	// SplitByRanges produces one PDF per 0-indexed inclusive range.
	SplitByRanges(ctx context.Context, pdf []byte, ranges [][2]int) ([][]byte, error)
}

// Toolkit bundles the three collaborators for wiring convenience.
type Toolkit struct {
	Renderer  Renderer
	Text      TextExtractor
	Splitter  Splitter
}
