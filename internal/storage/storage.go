// Package storage implements persistence.Store on top of SQLite.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"grid-engine-go/internal/models"
	"grid-engine-go/internal/persistence"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// SQLiteStore keeps strategies, orders and trade history in relational tables.
// Configs and level snapshots are stored as JSON text.
type SQLiteStore struct {
	db *sql.DB
}

var _ persistence.Store = (*SQLiteStore)(nil)

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS strategies (
			id TEXT PRIMARY KEY,
			config TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			levels TEXT,
			total_profit REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_status ON strategies(status);`,
		// Orders table stores every grid or manual order. Pending rows drive the price monitor.
		`CREATE TABLE IF NOT EXISTS grid_orders (
			id TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			pair TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			amount REAL NOT NULL,
			status TEXT NOT NULL,
			level_index INTEGER NOT NULL,
			venue_order_id TEXT NOT NULL DEFAULT '',
			settlement_ref TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			filled_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_grid_orders_status ON grid_orders(status);`,
		`CREATE INDEX IF NOT EXISTS idx_grid_orders_strategy ON grid_orders(strategy_id);`,
		`CREATE TABLE IF NOT EXISTS trade_history (
			id TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			pair TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			amount REAL NOT NULL,
			profit REAL NOT NULL,
			settlement_ref TEXT NOT NULL DEFAULT '',
			executed_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_history_strategy ON trade_history(strategy_id, executed_at);`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) SaveStrategy(rec *models.StrategyRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	cfg, err := json.Marshal(rec.Config)
	if err != nil {
		return err
	}
	levels, err := json.Marshal(rec.Levels)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO strategies (id, config, status, reason, levels, total_profit, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		config = excluded.config,
		status = excluded.status,
		reason = excluded.reason,
		levels = excluded.levels,
		total_profit = excluded.total_profit,
		updated_at = excluded.updated_at;`

	_, err = s.db.Exec(query, rec.ID, string(cfg), rec.Status, rec.Reason, string(levels), rec.TotalProfit,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save strategy %s: %w", rec.ID, err)
	}
	return nil
}

const strategyColumns = `id, config, status, reason, levels, total_profit, created_at, updated_at`

func scanStrategy(row interface{ Scan(...any) error }) (*models.StrategyRecord, error) {
	var (
		rec                  models.StrategyRecord
		cfg                  string
		levels               sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&rec.ID, &cfg, &rec.Status, &rec.Reason, &levels, &rec.TotalProfit, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &rec.Config); err != nil {
		return nil, fmt.Errorf("failed to decode config of strategy %s: %w", rec.ID, err)
	}
	if levels.Valid && levels.String != "" && levels.String != "null" {
		if err := json.Unmarshal([]byte(levels.String), &rec.Levels); err != nil {
			return nil, fmt.Errorf("failed to decode levels of strategy %s: %w", rec.ID, err)
		}
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.UpdatedAt = time.Unix(0, updatedAt)
	return &rec, nil
}

func (s *SQLiteStore) GetStrategy(id string) (*models.StrategyRecord, error) {
	row := s.db.QueryRow(`SELECT `+strategyColumns+` FROM strategies WHERE id = ?`, id)
	rec, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) UpdateStrategyStatus(id, status, reason string) error {
	res, err := s.db.Exec(`UPDATE strategies SET status = ?, reason = ?, updated_at = ? WHERE id = ?`,
		status, reason, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update strategy %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) UpdateStrategyLevels(id string, levels []models.GridLevel, totalProfit float64) error {
	data, err := json.Marshal(levels)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE strategies SET levels = ?, total_profit = ?, updated_at = ? WHERE id = ?`,
		string(data), totalProfit, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update levels of strategy %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) ListStrategies(status string) ([]models.StrategyRecord, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()

	var out []models.StrategyRecord
	for rows.Next() {
		rec, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveOrder(order *models.LimitOrder) error {
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	var filledAt sql.NullInt64
	if order.FilledAt != nil {
		filledAt = sql.NullInt64{Int64: order.FilledAt.UnixNano(), Valid: true}
	}

	query := `
	INSERT INTO grid_orders (id, strategy_id, pair, side, price, amount, status, level_index, venue_order_id, settlement_ref, created_at, updated_at, filled_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		venue_order_id = excluded.venue_order_id,
		settlement_ref = excluded.settlement_ref,
		updated_at = excluded.updated_at,
		filled_at = excluded.filled_at;`

	_, err := s.db.Exec(query,
		order.ID, order.StrategyID, order.Pair, string(order.Side), order.Price, order.Amount,
		string(order.Status), order.LevelIndex, order.VenueOrderID, order.SettlementRef,
		order.CreatedAt.UnixNano(), order.UpdatedAt.UnixNano(), filledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", order.ID, err)
	}
	return nil
}

const orderColumns = `id, strategy_id, pair, side, price, amount, status, level_index, venue_order_id, settlement_ref, created_at, updated_at, filled_at`

func scanOrder(row interface{ Scan(...any) error }) (*models.LimitOrder, error) {
	var (
		o                    models.LimitOrder
		side, status         string
		createdAt, updatedAt int64
		filledAt             sql.NullInt64
	)
	if err := row.Scan(&o.ID, &o.StrategyID, &o.Pair, &side, &o.Price, &o.Amount, &status, &o.LevelIndex,
		&o.VenueOrderID, &o.SettlementRef, &createdAt, &updatedAt, &filledAt); err != nil {
		return nil, err
	}
	o.Side = models.Side(side)
	o.Status = models.OrderStatus(status)
	o.CreatedAt = time.Unix(0, createdAt)
	o.UpdatedAt = time.Unix(0, updatedAt)
	if filledAt.Valid {
		t := time.Unix(0, filledAt.Int64)
		o.FilledAt = &t
	}
	return &o, nil
}

func (s *SQLiteStore) GetOrder(id string) (*models.LimitOrder, error) {
	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM grid_orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	return o, err
}

// UpdateOrderStatus updates an existing order in the database.
func (s *SQLiteStore) UpdateOrderStatus(id string, status models.OrderStatus, settlementRef string) error {
	now := time.Now().UnixNano()
	query := `
	UPDATE grid_orders
	SET status = ?,
		settlement_ref = CASE WHEN ? = '' THEN settlement_ref ELSE ? END,
		filled_at = CASE WHEN ? = 'filled' AND filled_at IS NULL THEN ? ELSE filled_at END,
		updated_at = ?
	WHERE id = ?`

	res, err := s.db.Exec(query, string(status), settlementRef, settlementRef, string(status), now, now, id)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) ListOrdersByStatus(status models.OrderStatus) ([]models.LimitOrder, error) {
	return s.queryOrders(`WHERE status = ?`, string(status))
}

func (s *SQLiteStore) ListOrdersByStrategy(strategyID string) ([]models.LimitOrder, error) {
	return s.queryOrders(`WHERE strategy_id = ?`, strategyID)
}

func (s *SQLiteStore) queryOrders(where string, args ...any) ([]models.LimitOrder, error) {
	rows, err := s.db.Query(`SELECT `+orderColumns+` FROM grid_orders `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []models.LimitOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendTrade(trade *models.TradeRecord) error {
	if trade.ExecutedAt.IsZero() {
		trade.ExecutedAt = time.Now()
	}
	query := `
	INSERT INTO trade_history (id, strategy_id, order_id, pair, side, price, amount, profit, settlement_ref, executed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, trade.ID, trade.StrategyID, trade.OrderID, trade.Pair, string(trade.Side),
		trade.Price, trade.Amount, trade.Profit, trade.SettlementRef, trade.ExecutedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", trade.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListTrades(strategyID string, limit int) ([]models.TradeRecord, error) {
	query := `
	SELECT id, strategy_id, order_id, pair, side, price, amount, profit, settlement_ref, executed_at
	FROM trade_history WHERE strategy_id = ? ORDER BY executed_at DESC, id DESC`
	args := []any{strategyID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []models.TradeRecord
	for rows.Next() {
		var (
			t          models.TradeRecord
			side       string
			executedAt int64
		)
		if err := rows.Scan(&t.ID, &t.StrategyID, &t.OrderID, &t.Pair, &side, &t.Price, &t.Amount,
			&t.Profit, &t.SettlementRef, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.Side = models.Side(side)
		t.ExecutedAt = time.Unix(0, executedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close gracefully closes the connection to the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}
