package processor

import "sort"

// MaxSampledPages caps how many rendered pages the primary vision call
// receives. Larger documents are sampled, not truncated: the first two
// pages, the last page, and evenly spaced interior pages.
const MaxSampledPages = 8

// SamplePageIndices returns the 0-based page indices to render for the
// primary vision pass, sorted ascending. Deterministic for a given count.
func SamplePageIndices(totalPages int) []int {
	if totalPages <= 0 {
		return nil
	}
	if totalPages <= MaxSampledPages {
		out := make([]int, totalPages)
		for i := range out {
			out[i] = i
		}
		return out
	}

	picked := map[int]struct{}{
		0:              {},
		1:              {},
		totalPages - 1: {},
	}
	interior := MaxSampledPages - len(picked)
	// Spread the remaining picks across (1, totalPages-1) exclusive.
	for i := 1; i <= interior; i++ {
		idx := 1 + i*(totalPages-2)/(interior+1)
		if idx <= 1 {
			idx = 2
		}
		if idx >= totalPages-1 {
			idx = totalPages - 2
		}
		picked[idx] = struct{}{}
	}

	out := make([]int, 0, len(picked))
	for idx := range picked {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
