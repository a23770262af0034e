// Package segment implements deterministic page segmentation.
//
// The engine consumes per-page header texts (from the PDF text layer or from
// header-crop vision labelling), clusters contiguous pages by normalized
// instrument, and emits preliminary cutting instructions with a confidence
// score. Zero randomness: the same headers always produce the same segments.
package segment

import (
	"fmt"
)

// PageHeader is the header text observed on one page.
type PageHeader struct {
	PageIndex  int // 0-based
	HeaderText string
	HasText    bool
}

// Instruction is a preliminary cutting instruction with 0-indexed inclusive
// page range. The caller converts to 1-indexed when persisting.
type Instruction struct {
	Instrument    string
	PartName      string
	Section       string
	Transposition string
	PartNumber    int
	StartPage     int
	EndPage       int
}

// Result is the engine output.
type Result struct {
	Instructions []Instruction
	// Confidence in [0,100]. Zero when no page carried a usable label.
	Confidence   int
	LabeledPages int
	TotalPages   int
}

type segmentRun struct {
	inst       Instrument
	partNumber int
	start      int
	end        int
}

// confidence weights.
const (
	confidenceBase  = 50
	textLayerBonus  = 15
	coverageWeight  = 10
)

// Segment sweeps the pages in order and clusters them into contiguous
// instrument runs. Pages without text extend the current run; a header with
// a different normalized key opens a new run. fromTextLayer only weights the
// confidence, never the clustering.
func Segment(headers []PageHeader, totalPages int, fromTextLayer bool) Result {
	byIndex := make(map[int]PageHeader, len(headers))
	for _, h := range headers {
		byIndex[h.PageIndex] = h
	}

	var runs []segmentRun
	labeled := 0
	pendingStart := 0 // leading unlabeled pages attach to the first run

	for page := 0; page < totalPages; page++ {
		h, ok := byIndex[page]
		if !ok || !h.HasText {
			if len(runs) > 0 {
				runs[len(runs)-1].end = page
			}
			continue
		}
		name, partNum := NormalizeHeader(h.HeaderText)
		inst, usable := Lookup(name)
		if !usable {
			if len(runs) > 0 {
				runs[len(runs)-1].end = page
			}
			continue
		}
		labeled++

		if len(runs) > 0 {
			cur := &runs[len(runs)-1]
			if cur.inst.Canonical == inst.Canonical && cur.partNumber == partNum {
				cur.end = page
				continue
			}
		}
		start := page
		if len(runs) == 0 {
			start = pendingStart
		}
		runs = append(runs, segmentRun{inst: inst, partNumber: partNum, start: start, end: page})
	}

	if labeled == 0 {
		// No usable labels anywhere: single full-score segment, confidence 0.
		// The processor falls back to LLM-driven segmentation.
		return Result{
			Instructions: []Instruction{{
				Instrument:    "Full Score",
				PartName:      "Full Score",
				Section:       "Score",
				Transposition: "C",
				PartNumber:    1,
				StartPage:     0,
				EndPage:       totalPages - 1,
			}},
			Confidence: 0,
			TotalPages: totalPages,
		}
	}

	instructions := make([]Instruction, 0, len(runs))
	for _, run := range runs {
		instructions = append(instructions, Instruction{
			Instrument:    run.inst.Canonical,
			PartName:      partDisplayName(run.inst.Canonical, run.partNumber),
			Section:       run.inst.Section,
			Transposition: run.inst.Transposition,
			PartNumber:    max(run.partNumber, 1),
			StartPage:     run.start,
			EndPage:       run.end,
		})
	}
	// Trailing unlabeled pages already extended the last run; make sure the
	// final run reaches the end of the document.
	instructions[len(instructions)-1].EndPage = totalPages - 1

	confidence := confidenceBase
	if fromTextLayer {
		confidence += textLayerBonus
	}
	confidence += int(float64(coverageWeight) * float64(labeled) / float64(totalPages))
	if confidence > 100 {
		confidence = 100
	}

	return Result{
		Instructions: instructions,
		Confidence:   confidence,
		LabeledPages: labeled,
		TotalPages:   totalPages,
	}
}

func partDisplayName(canonical string, partNumber int) string {
	if partNumber > 0 {
		return fmt.Sprintf("%s %d", canonical, partNumber)
	}
	return canonical
}
