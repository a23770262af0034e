// Package cutting validates and normalizes cutting instructions.
//
// Validate is a pure function: it never mutates its input and is idempotent
// over its own output. Internally everything is 0-indexed; the output
// boundary is 1-indexed.
package cutting

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stavekit/partflow/internal/session"
)

// UnlabelledName replaces forbidden instrument labels and names gap fillers.
const UnlabelledName = "Unlabelled"

// forbidden labels carry no information and are rewritten to Unlabelled.
var forbidden = map[string]bool{
	"unknown": true,
	"none":    true,
	"n/a":     true,
	"na":      true,
	"-":       true,
	"":        true,
}

// Options tune a validation run.
type Options struct {
	// OneIndexed marks the incoming ranges as 1-indexed (the external
	// convention). When false the input is already 0-indexed.
	OneIndexed bool

	// DetectGaps synthesizes Unlabelled instructions for uncovered pages.
	DetectGaps bool
}

// Outcome is the validation result. Instructions are always emitted
// 1-indexed regardless of the input convention.
type Outcome struct {
	IsValid      bool
	Instructions []session.CuttingInstruction
	Errors       []string
	Warnings     []string
}

type span struct {
	instr session.CuttingInstruction
	start int // 0-indexed inclusive
	end   int
	srcIdx int
}

// Validate normalizes, repairs, sorts, and checks a set of cutting
// instructions against the document's page count.
//
// Overlapping ranges are reported as errors but NOT merged; downstream may
// still split them, each producing its own part. Gaps invalidate nothing:
// with DetectGaps they are filled and warned about.
func Validate(instructions []session.CuttingInstruction, totalPages int, opts Options) Outcome {
	out := Outcome{IsValid: true}
	if totalPages <= 0 {
		out.IsValid = false
		out.Errors = append(out.Errors, fmt.Sprintf("document has no pages (totalPages=%d)", totalPages))
		return out
	}

	offset := 0
	if opts.OneIndexed {
		offset = 1
	}

	spans := make([]span, 0, len(instructions))
	for i, in := range instructions {
		s := span{instr: sanitizeLabels(in), srcIdx: i}
		s.start = in.PageStart - offset
		s.end = in.PageEnd - offset

		// Clamp into bounds; drop ranges that vanish entirely.
		clampedStart := max(0, s.start)
		clampedEnd := min(totalPages-1, s.end)
		if clampedStart != s.start || clampedEnd != s.end {
			out.IsValid = false
			out.Errors = append(out.Errors, fmt.Sprintf(
				"instruction %d (%s): page range out of bounds", i, s.instr.PartName))
		}
		if clampedStart > clampedEnd {
			out.IsValid = false
			out.Errors = append(out.Errors, fmt.Sprintf(
				"instruction %d (%s): empty page range after clamping, dropped", i, s.instr.PartName))
			continue
		}
		s.start, s.end = clampedStart, clampedEnd
		spans = append(spans, s)
	}

	sort.SliceStable(spans, func(a, b int) bool {
		if spans[a].start != spans[b].start {
			return spans[a].start < spans[b].start
		}
		return spans[a].end < spans[b].end
	})

	// Overlap detection over the sorted spans; each overlapping pair
	// produces one error per participant, referenced by source index.
	overlapping := map[int]bool{}
	for i := 1; i < len(spans); i++ {
		if spans[i].start <= spans[i-1].end {
			overlapping[spans[i-1].srcIdx] = true
			overlapping[spans[i].srcIdx] = true
		}
	}
	if len(overlapping) > 0 {
		out.IsValid = false
		idxs := make([]int, 0, len(overlapping))
		for idx := range overlapping {
			idxs = append(idxs, idx)
		}
		sort.Ints(idxs)
		for _, idx := range idxs {
			out.Errors = append(out.Errors, fmt.Sprintf(
				"instruction %d (%s): page range overlaps another instruction", idx, instructions[idx].PartName))
		}
	}

	if opts.DetectGaps {
		spans = fillGaps(spans, totalPages, &out)
		sort.SliceStable(spans, func(a, b int) bool { return spans[a].start < spans[b].start })
	}

	out.Instructions = make([]session.CuttingInstruction, 0, len(spans))
	for _, s := range spans {
		in := s.instr
		in.PageStart = s.start + 1
		in.PageEnd = s.end + 1
		out.Instructions = append(out.Instructions, in)
	}
	return out
}

// fillGaps computes the complement of the covered pages and synthesizes one
// Unlabelled instruction per uncovered run.
func fillGaps(spans []span, totalPages int, out *Outcome) []span {
	covered := make([]bool, totalPages)
	for _, s := range spans {
		for p := s.start; p <= s.end; p++ {
			covered[p] = true
		}
	}
	for p := 0; p < totalPages; p++ {
		if covered[p] {
			continue
		}
		start := p
		for p < totalPages && !covered[p] {
			p++
		}
		end := p - 1
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"pages %d-%d are not covered by any instruction; added an Unlabelled filler", start+1, end+1))
		spans = append(spans, span{
			instr: session.CuttingInstruction{
				PartName:      fmt.Sprintf("%s Pages %d-%d", UnlabelledName, start+1, end+1),
				Instrument:    UnlabelledName,
				Section:       "Other",
				Transposition: "C",
				PartNumber:    1,
			},
			start:  start,
			end:    end,
			srcIdx: -1,
		})
	}
	return spans
}

// sanitizeLabels rewrites forbidden instrument labels to Unlabelled.
func sanitizeLabels(in session.CuttingInstruction) session.CuttingInstruction {
	if forbidden[strings.ToLower(strings.TrimSpace(in.Instrument))] {
		in.Instrument = UnlabelledName
	}
	if strings.TrimSpace(in.PartName) == "" {
		in.PartName = in.Instrument
	}
	if in.PartNumber < 1 {
		in.PartNumber = 1
	}
	if strings.TrimSpace(in.Section) == "" {
		in.Section = "Other"
	}
	return in
}
