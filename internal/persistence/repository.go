package persistence

import (
	"errors"

	"grid-engine-go/internal/models"
)

// ErrNotFound is returned when a record with the requested identity does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the interface for strategy, order and trade persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, SQLite)
// from the rest of the application.
type Store interface {
	// SaveStrategy inserts or replaces a strategy record.
	SaveStrategy(rec *models.StrategyRecord) error
	// GetStrategy returns ErrNotFound if the strategy was never saved.
	GetStrategy(id string) (*models.StrategyRecord, error)
	// UpdateStrategyStatus mirrors a lifecycle transition.
	UpdateStrategyStatus(id, status, reason string) error
	// UpdateStrategyLevels stores the latest level snapshot and profit estimate.
	UpdateStrategyLevels(id string, levels []models.GridLevel, totalProfit float64) error
	// ListStrategies returns strategies with the given status, or all of them for "".
	ListStrategies(status string) ([]models.StrategyRecord, error)

	// SaveOrder inserts or replaces an order record.
	SaveOrder(order *models.LimitOrder) error
	// GetOrder returns ErrNotFound for an unknown order.
	GetOrder(id string) (*models.LimitOrder, error)
	// UpdateOrderStatus records a status transition and, for fills, the settlement reference.
	UpdateOrderStatus(id string, status models.OrderStatus, settlementRef string) error
	// ListOrdersByStatus returns orders across all strategies, oldest first.
	ListOrdersByStatus(status models.OrderStatus) ([]models.LimitOrder, error)
	// ListOrdersByStrategy returns one strategy's orders, oldest first.
	ListOrdersByStrategy(strategyID string) ([]models.LimitOrder, error)

	// AppendTrade adds an entry to a strategy's trade history.
	AppendTrade(trade *models.TradeRecord) error
	// ListTrades returns the most recent trades, newest first. limit <= 0 means all.
	ListTrades(strategyID string, limit int) ([]models.TradeRecord, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
