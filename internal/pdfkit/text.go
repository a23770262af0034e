package pdfkit

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// LayerExtractor reads the embedded PDF text layer.
type LayerExtractor struct{}

// NewLayerExtractor creates a text-layer extractor.
func NewLayerExtractor() *LayerExtractor {
	return &LayerExtractor{}
}

// PageCount returns the number of pages.
func (e *LayerExtractor) PageCount(data []byte) (int, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse PDF: %w", err)
	}
	return reader.NumPage(), nil
}

// ExtractPageText returns the plain text of one page. Scanned documents
// typically yield an empty string here, which routes the pipeline to the
// header-crop fallback.
func (e *LayerExtractor) ExtractPageText(data []byte, pageIndex int) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to parse PDF: %w", err)
	}
	if pageIndex < 0 || pageIndex >= reader.NumPage() {
		return "", fmt.Errorf("page index %d out of range (%d pages)", pageIndex, reader.NumPage())
	}
	page := reader.Page(pageIndex + 1) // ledongthuc pages are 1-based
	if page.V.IsNull() {
		return "", nil
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		// A broken content stream on one page is not fatal to the document.
		return "", nil
	}
	return text, nil
}

var _ TextExtractor = (*LayerExtractor)(nil)
