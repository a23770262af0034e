package processor

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetCallCap(t *testing.T) {
	b := NewBudget(2, 0)
	require.NoError(t, b.Reserve("p", 0))
	require.NoError(t, b.Reserve("p", 0))
	err := b.Reserve("p", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBudgetExhausted))
	assert.Equal(t, 2, b.CallsUsed())
}

func TestBudgetTokenCap(t *testing.T) {
	b := NewBudget(0, 2000)
	// one image alone charges over half the cap
	require.NoError(t, b.Reserve("short prompt", 1))
	err := b.Reserve("short prompt", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBudgetExhausted))
}

func TestBudgetFailedReserveDoesNotCharge(t *testing.T) {
	b := NewBudget(1, 0)
	require.NoError(t, b.Reserve("p", 0))
	require.Error(t, b.Reserve("p", 0))
	assert.Equal(t, 1, b.CallsUsed())
}

func TestBudgetTokenEstimateGrows(t *testing.T) {
	b := NewBudget(0, 0)
	require.NoError(t, b.Reserve(strings.Repeat("word ", 1000), 0))
	assert.Greater(t, b.TokensUsed(), 100)
}

func TestBudgetZeroCapsDisable(t *testing.T) {
	b := NewBudget(0, 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Reserve("p", 5))
	}
}
