package gates

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stavekit/partflow/internal/session"
)

func part(name string, start, end int) session.ParsedPart {
	return session.ParsedPart{
		Instrument: name,
		PartName:   name,
		PageStart:  start,
		PageEnd:    end,
		PageCount:  end - start + 1,
	}
}

func multiPartInput() Input {
	return Input{
		Parts: []session.ParsedPart{
			part("Flute", 1, 4),
			part("Oboe", 5, 10),
		},
		Metadata: session.Metadata{
			Title:           "Suite in Eb",
			IsMultiPart:     true,
			ConfidenceScore: 90,
		},
		TotalPages:      10,
		MaxPagesPerPart: 50,
	}
}

func TestEvaluateAllGatesPass(t *testing.T) {
	v := Evaluate(multiPartInput())
	assert.False(t, v.Failed)
	assert.Empty(t, v.Reasons)
	assert.Equal(t, 90, v.FinalConfidence)
}

func TestEvaluateNoParts(t *testing.T) {
	in := multiPartInput()
	in.Parts = nil
	v := Evaluate(in)
	assert.True(t, v.Failed)
	assert.Contains(t, v.Reasons[0], "no parsed parts")
}

func TestEvaluatePageLimit(t *testing.T) {
	in := multiPartInput()
	in.MaxPagesPerPart = 5
	v := Evaluate(in)
	assert.True(t, v.Failed)
	assert.Contains(t, v.Reasons[0], "exceeding the 5-page limit")
}

func TestEvaluateCoverageGap(t *testing.T) {
	in := multiPartInput()
	in.Parts[1] = part("Oboe", 6, 10) // page 5 uncovered
	v := Evaluate(in)
	assert.True(t, v.Failed)
	assert.Contains(t, v.Reasons[0], "pages 5-5 are not covered")
}

func TestEvaluateCoverageOverlap(t *testing.T) {
	in := multiPartInput()
	in.Parts[1] = part("Oboe", 4, 10)
	v := Evaluate(in)
	assert.True(t, v.Failed)
	assert.Contains(t, v.Reasons[0], "overlap at page 4")
}

func TestEvaluateForbiddenLabel(t *testing.T) {
	in := multiPartInput()
	in.Parts[0].Instrument = "unknown"
	v := Evaluate(in)
	assert.True(t, v.Failed)
	assert.Contains(t, v.Reasons[0], "forbidden instrument label")
}

func TestEvaluateMissingTitle(t *testing.T) {
	in := multiPartInput()
	in.Metadata.Title = "  "
	v := Evaluate(in)
	assert.True(t, v.Failed)
	assert.Contains(t, v.Reasons[0], "missing a title")
}

func TestEvaluatePartCountCoherence(t *testing.T) {
	in := multiPartInput()
	in.Metadata.IsMultiPart = false
	v := Evaluate(in)
	assert.True(t, v.Failed)
	assert.Contains(t, v.Reasons[0], "declares a single part")

	in = Input{
		Parts:           []session.ParsedPart{part("Full Score", 1, 10)},
		Metadata:        session.Metadata{Title: "Suite", IsMultiPart: true, ConfidenceScore: 80},
		TotalPages:      10,
		MaxPagesPerPart: 50,
	}
	v = Evaluate(in)
	assert.True(t, v.Failed)
	assert.Contains(t, v.Reasons[0], "only one was produced")
}

func TestFinalConfidenceBlending(t *testing.T) {
	// no segmentation contribution: the model score stands
	assert.Equal(t, 80, FinalConfidence(80, 0, false))

	// blended score never raises the model's own confidence
	assert.Equal(t, 80, FinalConfidence(80, 100, true))

	// 0.7*80 + 0.3*50 = 71
	assert.Equal(t, 71, FinalConfidence(80, 50, true))

	// 0.7*100 + 0.3*75 = 92.5, rounds to 93
	assert.Equal(t, 93, FinalConfidence(100, 75, true))

	// clamped
	assert.Equal(t, 0, FinalConfidence(-5, 0, false))
	assert.Equal(t, 100, FinalConfidence(150, 0, false))
}
