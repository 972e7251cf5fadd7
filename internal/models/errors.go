package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned for a grid definition that fails validation.
	ErrInvalidConfig = errors.New("invalid grid config")
	// ErrStrategyNotFound is returned when no strategy has the requested identity.
	ErrStrategyNotFound = errors.New("strategy not found")
	// ErrStrategyNotActive is returned when pausing or resuming a stopped or errored executor.
	ErrStrategyNotActive = errors.New("strategy is not active")
	// ErrTooManyStrategies is returned once the concurrent strategy limit is reached.
	ErrTooManyStrategies = errors.New("too many concurrent strategies")
	// ErrPriceUnavailable is returned when neither a venue nor the cache can price a pair.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrOrderExecution is what every order lifecycle failure reports to callers.
	ErrOrderExecution = errors.New("order execution failed")
)

// Order failure kinds. All of them satisfy errors.Is(err, ErrOrderExecution).
var (
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", ErrOrderExecution)
	ErrBalanceCheck        = fmt.Errorf("%w: balance query failed", ErrOrderExecution)
	ErrOrderSubmit         = fmt.Errorf("%w: submission rejected", ErrOrderExecution)
	ErrOrderCancelled      = fmt.Errorf("%w: cancelled by venue", ErrOrderExecution)
	ErrOrderFailed         = fmt.Errorf("%w: failed at venue", ErrOrderExecution)
	ErrOrderTimeout        = fmt.Errorf("%w: still pending after polling", ErrOrderExecution)
	ErrOrderStatus         = fmt.Errorf("%w: status query failed", ErrOrderExecution)
)

// FailureReason returns a short label for an order failure, used in logs and metrics.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrBalanceCheck):
		return "balance_check_failed"
	case errors.Is(err, ErrOrderSubmit):
		return "submit_failed"
	case errors.Is(err, ErrOrderCancelled):
		return "cancelled"
	case errors.Is(err, ErrOrderFailed):
		return "venue_failed"
	case errors.Is(err, ErrOrderTimeout):
		return "timeout"
	case errors.Is(err, ErrOrderStatus):
		return "status_error"
	default:
		return "unknown"
	}
}
