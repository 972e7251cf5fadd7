package models

import (
	"fmt"
	"time"
)

// StrategyState is the executor's lifecycle tag.
type StrategyState int32

const (
	StateRunning StrategyState = iota
	StatePaused
	StateStopped
	StateError
)

func (s StrategyState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// IsTerminal reports whether the executor instance can never run again.
func (s StrategyState) IsTerminal() bool {
	return s == StateStopped || s == StateError
}

// MarshalText renders the state by name in JSON and YAML.
func (s StrategyState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *StrategyState) UnmarshalText(text []byte) error {
	for _, candidate := range []StrategyState{StateRunning, StatePaused, StateStopped, StateError} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown strategy state %q", text)
}

// Persisted strategy statuses. They mirror StrategyState in storage.
const (
	StatusActive  = "active"
	StatusPaused  = "paused"
	StatusStopped = "stopped"
	StatusError   = "error"
)

// PersistedStatus maps a live state onto the stored status string.
func (s StrategyState) PersistedStatus() string {
	switch s {
	case StatePaused:
		return StatusPaused
	case StateStopped:
		return StatusStopped
	case StateError:
		return StatusError
	default:
		return StatusActive
	}
}

// Statistics summarizes a strategy's fill history.
type Statistics struct {
	TotalOrders int     `json:"total_orders"`
	BuyOrders   int     `json:"buy_orders"`
	SellOrders  int     `json:"sell_orders"`
	TotalProfit float64 `json:"total_profit"`
	ActiveGrids int     `json:"active_grids"`
	FilledGrids int     `json:"filled_grids"`
}

// StrategyStatus is a point-in-time snapshot of one running strategy.
type StrategyStatus struct {
	ID           string        `json:"id"`
	Config       GridConfig    `json:"config"`
	Levels       []GridLevel   `json:"levels"`
	State        StrategyState `json:"state"`
	Reason       string        `json:"reason,omitempty"` // set in StateError
	LastPrice    float64       `json:"last_price"`
	ActiveOrders []LimitOrder  `json:"active_orders"`
	FilledOrders []LimitOrder  `json:"filled_orders"`
	Statistics   Statistics    `json:"statistics"`
	StartedAt    time.Time     `json:"started_at"`
}

// StrategyRecord is the persisted form of a strategy.
type StrategyRecord struct {
	ID          string      `json:"id"`
	Config      GridConfig  `json:"config"`
	Status      string      `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	Levels      []GridLevel `json:"levels,omitempty"`
	TotalProfit float64     `json:"total_profit"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TradeRecord is one entry of a strategy's trade history.
type TradeRecord struct {
	ID            string    `json:"id"`
	StrategyID    string    `json:"strategy_id"`
	OrderID       string    `json:"order_id"`
	Pair          string    `json:"pair"`
	Side          Side      `json:"side"`
	Price         float64   `json:"price"`
	Amount        float64   `json:"amount"`
	Profit        float64   `json:"profit"` // profit estimate delta caused by this fill
	SettlementRef string    `json:"settlement_ref,omitempty"`
	ExecutedAt    time.Time `json:"executed_at"`
}
