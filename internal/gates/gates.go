// Package gates evaluates the quality gates that permit autonomous commit.
//
// Pure predicate composition: no I/O, no clock, no randomness. The verdict's
// reasons are human-readable and end up in the session record for review.
package gates

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stavekit/partflow/internal/session"
)

// Input is everything the gates inspect.
type Input struct {
	Parts                  []session.ParsedPart
	Metadata               session.Metadata
	TotalPages             int
	MaxPagesPerPart        int
	SegmentationConfidence int
	// SegmentationUsed marks that deterministic segmentation contributed to
	// the result, which blends its confidence into the final score.
	SegmentationUsed bool
}

// Verdict is the gate outcome. Failed is false iff Reasons is empty.
type Verdict struct {
	Failed          bool
	Reasons         []string
	FinalConfidence int
}

var forbiddenLabels = map[string]bool{
	"unknown": true, "none": true, "n/a": true, "na": true, "-": true, "": true,
}

// Evaluate runs every gate and computes the final confidence.
func Evaluate(in Input) Verdict {
	var reasons []string

	if len(in.Parts) == 0 {
		reasons = append(reasons, "no parsed parts were produced")
	}

	for _, p := range in.Parts {
		if in.MaxPagesPerPart > 0 && p.PageCount > in.MaxPagesPerPart {
			reasons = append(reasons, fmt.Sprintf(
				"part %q spans %d pages, exceeding the %d-page limit", p.PartName, p.PageCount, in.MaxPagesPerPart))
		}
		if forbiddenLabels[strings.ToLower(strings.TrimSpace(p.Instrument))] {
			reasons = append(reasons, fmt.Sprintf("part %q has a forbidden instrument label", p.PartName))
		}
	}

	if msg := coverageGate(in.Parts, in.TotalPages); msg != "" {
		reasons = append(reasons, msg)
	}

	if strings.TrimSpace(in.Metadata.Title) == "" {
		reasons = append(reasons, "metadata is missing a title")
	}

	if len(in.Parts) > 0 {
		if !in.Metadata.IsMultiPart && len(in.Parts) != 1 {
			reasons = append(reasons, fmt.Sprintf(
				"metadata declares a single part but %d parts were produced", len(in.Parts)))
		}
		if in.Metadata.IsMultiPart && len(in.Parts) < 2 {
			reasons = append(reasons, "metadata declares multiple parts but only one was produced")
		}
	}

	return Verdict{
		Failed:          len(reasons) > 0,
		Reasons:         reasons,
		FinalConfidence: FinalConfidence(in.Metadata.ConfidenceScore, in.SegmentationConfidence, in.SegmentationUsed),
	}
}

// FinalConfidence blends the model confidence with the segmentation
// confidence when segmentation contributed, never raising the model's own
// score.
func FinalConfidence(modelConfidence, segmentationConfidence int, segmentationUsed bool) int {
	if !segmentationUsed {
		return clamp(modelConfidence)
	}
	blended := 0.7*float64(modelConfidence) + 0.3*float64(segmentationConfidence)
	final := float64(modelConfidence)
	if blended < final {
		final = blended
	}
	return clamp(int(final + 0.5))
}

// coverageGate requires the union of 1-indexed part ranges to equal
// [1, totalPages] with no gaps and no overlaps.
func coverageGate(parts []session.ParsedPart, totalPages int) string {
	if len(parts) == 0 || totalPages <= 0 {
		return ""
	}
	ranges := make([][2]int, len(parts))
	for i, p := range parts {
		ranges[i] = [2]int{p.PageStart, p.PageEnd}
	}
	sort.Slice(ranges, func(a, b int) bool { return ranges[a][0] < ranges[b][0] })

	next := 1
	for _, r := range ranges {
		if r[0] > next {
			return fmt.Sprintf("pages %d-%d are not covered by any part", next, r[0]-1)
		}
		if r[0] < next {
			return fmt.Sprintf("page ranges overlap at page %d", r[0])
		}
		next = r[1] + 1
	}
	if next != totalPages+1 {
		return fmt.Sprintf("pages %d-%d are not covered by any part", next, totalPages)
	}
	return ""
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
