package models

import (
	"fmt"
	"strings"
	"time"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus 是订单在生命周期中的状态
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderFailed    OrderStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderFailed
}

// NoLevel marks an order that was not produced by a grid level.
const NoLevel = -1

// GridConfig is the immutable definition of one grid strategy.
type GridConfig struct {
	Pair        string  `json:"pair" yaml:"pair"` // BASE/QUOTE, e.g. "ETH/USDC"
	LowerPrice  float64 `json:"lower_price" yaml:"lower_price"`
	UpperPrice  float64 `json:"upper_price" yaml:"upper_price"`
	GridCount   int     `json:"grid_count" yaml:"grid_count"`
	TotalAmount float64 `json:"total_amount" yaml:"total_amount"`
	AccountRef  string  `json:"account_ref" yaml:"account_ref"` // credential/identity reference
	Exchange    string  `json:"exchange" yaml:"exchange"`       // adapter name, used again on recovery
}

// Validate rejects inverted or equal bounds, an empty grid and a non-positive amount.
// The comparisons are written so that NaN never passes.
func (c GridConfig) Validate() error {
	if _, _, err := ParsePair(c.Pair); err != nil {
		return err
	}
	if !(c.LowerPrice > 0) {
		return fmt.Errorf("%w: lower price must be positive, got %v", ErrInvalidConfig, c.LowerPrice)
	}
	if !(c.LowerPrice < c.UpperPrice) {
		return fmt.Errorf("%w: lower price %v must be below upper price %v", ErrInvalidConfig, c.LowerPrice, c.UpperPrice)
	}
	if c.GridCount < 1 {
		return fmt.Errorf("%w: grid count must be at least 1, got %d", ErrInvalidConfig, c.GridCount)
	}
	if !(c.TotalAmount > 0) {
		return fmt.Errorf("%w: total amount must be positive, got %v", ErrInvalidConfig, c.TotalAmount)
	}
	return nil
}

// AmountPerLevel is the base-asset quantity traded at each level.
func (c GridConfig) AmountPerLevel() float64 {
	return c.TotalAmount / float64(c.GridCount)
}

// BaseAsset returns the asset a Sell spends.
func (c GridConfig) BaseAsset() string {
	base, _, _ := ParsePair(c.Pair)
	return base
}

// QuoteAsset returns the asset a Buy spends.
func (c GridConfig) QuoteAsset() string {
	_, quote, _ := ParsePair(c.Pair)
	return quote
}

// ParsePair splits "BASE/QUOTE" into its two assets.
func ParsePair(pair string) (base, quote string, err error) {
	parts := strings.Split(pair, "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", fmt.Errorf("%w: pair %q must be in BASE/QUOTE form", ErrInvalidConfig, pair)
	}
	return strings.ToUpper(strings.TrimSpace(parts[0])), strings.ToUpper(strings.TrimSpace(parts[1])), nil
}

// GridLevel 代表网格中的一个价格档位
type GridLevel struct {
	Index     int     `json:"index"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
	OrderType Side    `json:"order_type"`
	Filled    bool    `json:"filled"`
}

// LimitOrder is a single trade intent and its lifecycle record.
type LimitOrder struct {
	ID            string      `json:"id"`
	StrategyID    string      `json:"strategy_id"`
	Pair          string      `json:"pair"`
	Side          Side        `json:"side"`
	Price         float64     `json:"price"`
	Amount        float64     `json:"amount"`
	Status        OrderStatus `json:"status"`
	LevelIndex    int         `json:"level_index"`              // NoLevel for manual intents
	VenueOrderID  string      `json:"venue_order_id,omitempty"` // set once the venue accepted it
	SettlementRef string      `json:"settlement_ref,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	FilledAt      *time.Time  `json:"filled_at,omitempty"`
}

// Notional is price times amount.
func (o LimitOrder) Notional() float64 {
	return o.Price * o.Amount
}

// Crosses applies the grid threshold test: a Buy fires at or below its price, a Sell at or above.
func (o LimitOrder) Crosses(price float64) bool {
	return Crosses(o.Side, o.Price, price)
}

// Crosses reports whether currentPrice triggers an order of the given side resting at limit.
func Crosses(side Side, limit, currentPrice float64) bool {
	switch side {
	case Buy:
		return currentPrice <= limit
	case Sell:
		return currentPrice >= limit
	default:
		return false
	}
}
