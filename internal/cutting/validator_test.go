package cutting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stavekit/partflow/internal/session"
)

func instr(name string, start, end int) session.CuttingInstruction {
	return session.CuttingInstruction{
		PartName:   name,
		Instrument: name,
		Section:    "Woodwinds",
		PartNumber: 1,
		PageStart:  start,
		PageEnd:    end,
	}
}

func TestValidateCleanInput(t *testing.T) {
	out := Validate([]session.CuttingInstruction{
		instr("Flute", 1, 3),
		instr("Oboe", 4, 6),
	}, 6, Options{OneIndexed: true, DetectGaps: true})

	assert.True(t, out.IsValid)
	assert.Empty(t, out.Errors)
	assert.Empty(t, out.Warnings)
	require.Len(t, out.Instructions, 2)
	assert.Equal(t, 1, out.Instructions[0].PageStart)
	assert.Equal(t, 3, out.Instructions[0].PageEnd)
	assert.Equal(t, 4, out.Instructions[1].PageStart)
	assert.Equal(t, 6, out.Instructions[1].PageEnd)
}

func TestValidateClampsOutOfBounds(t *testing.T) {
	out := Validate([]session.CuttingInstruction{
		instr("Flute", 0, 4),
		instr("Oboe", 5, 99),
	}, 8, Options{OneIndexed: true})

	assert.False(t, out.IsValid)
	assert.Len(t, out.Errors, 2)
	require.Len(t, out.Instructions, 2)
	assert.Equal(t, 1, out.Instructions[0].PageStart)
	assert.Equal(t, 8, out.Instructions[1].PageEnd)
}

func TestValidateDropsEmptyRanges(t *testing.T) {
	out := Validate([]session.CuttingInstruction{
		instr("Flute", 20, 25), // entirely out of a 10-page document
		instr("Oboe", 1, 10),
	}, 10, Options{OneIndexed: true})

	assert.False(t, out.IsValid)
	require.Len(t, out.Instructions, 1)
	assert.Equal(t, "Oboe", out.Instructions[0].PartName)
}

func TestValidateSortsByStart(t *testing.T) {
	out := Validate([]session.CuttingInstruction{
		instr("Oboe", 4, 6),
		instr("Flute", 1, 3),
	}, 6, Options{OneIndexed: true})

	assert.True(t, out.IsValid)
	require.Len(t, out.Instructions, 2)
	assert.Equal(t, "Flute", out.Instructions[0].PartName)
	assert.Equal(t, "Oboe", out.Instructions[1].PartName)
}

func TestValidateOverlapsAreErrorsNotMerged(t *testing.T) {
	out := Validate([]session.CuttingInstruction{
		instr("Flute", 1, 4),
		instr("Oboe", 3, 6),
	}, 6, Options{OneIndexed: true})

	assert.False(t, out.IsValid)
	require.Len(t, out.Errors, 2)
	assert.Contains(t, out.Errors[0], "instruction 0")
	assert.Contains(t, out.Errors[1], "instruction 1")
	// both ranges survive untouched
	require.Len(t, out.Instructions, 2)
	assert.Equal(t, 4, out.Instructions[0].PageEnd)
	assert.Equal(t, 3, out.Instructions[1].PageStart)
}

func TestValidateFillsGaps(t *testing.T) {
	out := Validate([]session.CuttingInstruction{
		instr("Flute", 1, 2),
		instr("Oboe", 6, 8),
	}, 8, Options{OneIndexed: true, DetectGaps: true})

	assert.True(t, out.IsValid)
	require.Len(t, out.Warnings, 1)
	require.Len(t, out.Instructions, 3)
	filler := out.Instructions[1]
	assert.Equal(t, UnlabelledName, filler.Instrument)
	assert.Equal(t, "Unlabelled Pages 3-5", filler.PartName)
	assert.Equal(t, "Other", filler.Section)
	assert.Equal(t, 3, filler.PageStart)
	assert.Equal(t, 5, filler.PageEnd)
}

func TestValidateSanitizesForbiddenLabels(t *testing.T) {
	in := instr("part", 1, 2)
	in.Instrument = "n/a"
	in.PartName = ""

	out := Validate([]session.CuttingInstruction{in}, 2, Options{OneIndexed: true})

	require.Len(t, out.Instructions, 1)
	assert.Equal(t, UnlabelledName, out.Instructions[0].Instrument)
	assert.Equal(t, UnlabelledName, out.Instructions[0].PartName)
}

func TestValidateIdempotentOverOwnOutput(t *testing.T) {
	first := Validate([]session.CuttingInstruction{
		instr("Flute", 1, 2),
		instr("Oboe", 5, 8),
	}, 8, Options{OneIndexed: true, DetectGaps: true})
	require.True(t, first.IsValid)

	second := Validate(first.Instructions, 8, Options{OneIndexed: true, DetectGaps: true})
	assert.True(t, second.IsValid)
	assert.Empty(t, second.Errors)
	assert.Empty(t, second.Warnings)
	assert.Equal(t, first.Instructions, second.Instructions)
}

func TestValidateZeroPages(t *testing.T) {
	out := Validate(nil, 0, Options{})
	assert.False(t, out.IsValid)
	assert.NotEmpty(t, out.Errors)
}
