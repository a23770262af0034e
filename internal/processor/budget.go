package processor

import (
	"errors"
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// ErrBudgetExhausted marks the per-session LLM budget as spent.
// Non-retriable within the session.
var ErrBudgetExhausted = errors.New("session LLM budget exhausted")

// imageTokenEstimate is the charge per attached image. Vision token pricing
// varies by provider; this is a deliberately conservative flat estimate.
const imageTokenEstimate = 1100

// Budget is the per-invocation call/token counter. Not shared across
// sessions; the processor creates one per job.
type Budget struct {
	maxCalls  int
	maxTokens int
	calls     int
	tokens    int
	encoder   *tiktoken.Tiktoken
}

// NewBudget creates a budget. Zero caps disable the corresponding check.
func NewBudget(maxCalls, maxTokens int) *Budget {
	// cl100k_base approximates most chat models well enough for budgeting.
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil // fall back to the bytes/4 heuristic
	}
	return &Budget{maxCalls: maxCalls, maxTokens: maxTokens, encoder: enc}
}

// Reserve performs the pre-send check and commits the charge. Called at the
// start of every LLM request; a failed reservation means the request must
// not be sent.
func (b *Budget) Reserve(prompt string, imageCount int) error {
	if b.maxCalls > 0 && b.calls+1 > b.maxCalls {
		return fmt.Errorf("%w: %d calls used of %d", ErrBudgetExhausted, b.calls, b.maxCalls)
	}
	estimate := b.estimateTokens(prompt) + imageCount*imageTokenEstimate
	if b.maxTokens > 0 && b.tokens+estimate > b.maxTokens {
		return fmt.Errorf("%w: %d input tokens used of %d", ErrBudgetExhausted, b.tokens, b.maxTokens)
	}
	b.calls++
	b.tokens += estimate
	return nil
}

// ReconcileUsage replaces the last reservation's token estimate with the
// provider-reported count when it is available.
func (b *Budget) ReconcileUsage(estimated, reported int) {
	if reported > 0 {
		b.tokens += reported - estimated
		if b.tokens < 0 {
			b.tokens = 0
		}
	}
}

// CallsUsed returns the committed call count.
func (b *Budget) CallsUsed() int { return b.calls }

// TokensUsed returns the committed token estimate.
func (b *Budget) TokensUsed() int { return b.tokens }

func (b *Budget) estimateTokens(text string) int {
	if b.encoder != nil {
		return len(b.encoder.Encode(text, nil, nil))
	}
	return len(text) / 4
}
