package models

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePair(t *testing.T) {
	base, quote, err := ParsePair("eth/usdc")
	require.NoError(t, err)
	assert.Equal(t, "ETH", base)
	assert.Equal(t, "USDC", quote)

	for _, bad := range []string{"", "ETHUSDC", "ETH/", "/USDC", "A/B/C"} {
		_, _, err := ParsePair(bad)
		assert.ErrorIs(t, err, ErrInvalidConfig, "pair %q", bad)
	}
}

func TestGridConfigValidateNaN(t *testing.T) {
	cfg := GridConfig{Pair: "ETH/USDC", LowerPrice: math.NaN(), UpperPrice: 10, GridCount: 2, TotalAmount: 1}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = GridConfig{Pair: "ETH/USDC", LowerPrice: 1, UpperPrice: 10, GridCount: 2, TotalAmount: math.NaN()}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestCrosses(t *testing.T) {
	assert.True(t, Crosses(Buy, 1000, 990))
	assert.True(t, Crosses(Buy, 1000, 1000))
	assert.False(t, Crosses(Buy, 1000, 1010))
	assert.True(t, Crosses(Sell, 1000, 1010))
	assert.True(t, Crosses(Sell, 1000, 1000))
	assert.False(t, Crosses(Sell, 1000, 990))
	assert.False(t, Crosses(Side("HOLD"), 1000, 1000))
}

// TestOrderErrorKinds checks every failure kind reports as an execution failure
// while staying distinguishable.
func TestOrderErrorKinds(t *testing.T) {
	kinds := map[error]string{
		ErrInsufficientBalance: "insufficient_balance",
		ErrOrderSubmit:         "submit_failed",
		ErrOrderCancelled:      "cancelled",
		ErrOrderFailed:         "venue_failed",
		ErrOrderTimeout:        "timeout",
		ErrOrderStatus:         "status_error",
		ErrBalanceCheck:        "balance_check_failed",
	}
	for kind, reason := range kinds {
		wrapped := fmt.Errorf("order abc: %w", kind)
		assert.ErrorIs(t, wrapped, ErrOrderExecution)
		assert.Equal(t, reason, FailureReason(wrapped))
	}
	assert.NotErrorIs(t, ErrOrderTimeout, ErrOrderCancelled)
	assert.Equal(t, "", FailureReason(nil))
}

func TestStrategyStateMapping(t *testing.T) {
	assert.Equal(t, StatusActive, StateRunning.PersistedStatus())
	assert.Equal(t, StatusPaused, StatePaused.PersistedStatus())
	assert.Equal(t, StatusStopped, StateStopped.PersistedStatus())
	assert.Equal(t, StatusError, StateError.PersistedStatus())
	assert.True(t, StateError.IsTerminal())
	assert.False(t, StatePaused.IsTerminal())

	text, err := StatePaused.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "paused", string(text))
}

func TestStrategyStateTextRoundTrip(t *testing.T) {
	var s StrategyState
	require.NoError(t, s.UnmarshalText([]byte("error")))
	assert.Equal(t, StateError, s)
	assert.Error(t, s.UnmarshalText([]byte("sleeping")))
}
