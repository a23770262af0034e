package pdfkit

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// RangeSplitter extracts page ranges via pdfcpu.
type RangeSplitter struct{}

// NewRangeSplitter creates a pdfcpu-backed splitter.
func NewRangeSplitter() *RangeSplitter {
	return &RangeSplitter{}
}

// SplitByRanges produces one standalone PDF per 0-indexed inclusive range.
func (s *RangeSplitter) SplitByRanges(ctx context.Context, data []byte, ranges [][2]int) ([][]byte, error) {
	results := make([][]byte, 0, len(ranges))
	for _, r := range ranges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r[0] < 0 || r[1] < r[0] {
			return nil, fmt.Errorf("invalid page range [%d,%d]", r[0], r[1])
		}
		// pdfcpu selections are 1-based.
		selection := []string{fmt.Sprintf("%d-%d", r[0]+1, r[1]+1)}
		var out bytes.Buffer
		if err := api.Trim(bytes.NewReader(data), &out, selection, nil); err != nil {
			return nil, fmt.Errorf("failed to extract pages %d-%d: %w", r[0]+1, r[1]+1, err)
		}
		results = append(results, out.Bytes())
	}
	return results, nil
}

var _ Splitter = (*RangeSplitter)(nil)
