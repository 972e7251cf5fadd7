package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"grid-engine-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const (
	strategyPrefix = "strategy:"
	orderPrefix    = "order:"
	tradePrefix    = "trade:"
)

// badgerStore is the BadgerDB implementation of the Store.
// Records are stored as JSON under prefixed keys.
type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates and returns a new store connected to a BadgerDB database at dbPath.
func NewBadgerStore(dbPath string) (Store, error) {
	return openBadger(badger.DefaultOptions(dbPath))
}

// NewInMemoryBadgerStore returns a store that keeps everything in memory.
// It is meant for tests and the paper trading mode.
func NewInMemoryBadgerStore() (Store, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (Store, error) {
	// Badger's own logging is disabled to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &badgerStore{db: db}, nil
}

func strategyKey(id string) []byte { return []byte(strategyPrefix + id) }
func orderKey(id string) []byte    { return []byte(orderPrefix + id) }

// tradeKey sorts a strategy's trades by execution time.
func tradeKey(t *models.TradeRecord) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", tradePrefix, t.StrategyID, t.ExecutedAt.UnixNano(), t.ID))
}

func (s *badgerStore) put(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// get decodes the value at key into v. A missing key maps to ErrNotFound.
func (s *badgerStore) get(key []byte, v interface{}) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("value is empty in database")
			}
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// mutate applies fn to the decoded record at key inside a single read-write transaction.
func mutate[T any](db *badger.DB, key []byte, fn func(*T)) error {
	err := db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		var rec T
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		fn(&rec)
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// scan decodes every value under prefix and hands it to fn.
func scan[T any](db *badger.DB, prefix []byte, fn func(T)) error {
	return db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec T
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			fn(rec)
		}
		return nil
	})
}

func (s *badgerStore) SaveStrategy(rec *models.StrategyRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return s.put(strategyKey(rec.ID), rec)
}

func (s *badgerStore) GetStrategy(id string) (*models.StrategyRecord, error) {
	var rec models.StrategyRecord
	if err := s.get(strategyKey(id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *badgerStore) UpdateStrategyStatus(id, status, reason string) error {
	return mutate(s.db, strategyKey(id), func(rec *models.StrategyRecord) {
		rec.Status = status
		rec.Reason = reason
		rec.UpdatedAt = time.Now()
	})
}

func (s *badgerStore) UpdateStrategyLevels(id string, levels []models.GridLevel, totalProfit float64) error {
	return mutate(s.db, strategyKey(id), func(rec *models.StrategyRecord) {
		rec.Levels = levels
		rec.TotalProfit = totalProfit
		rec.UpdatedAt = time.Now()
	})
}

func (s *badgerStore) ListStrategies(status string) ([]models.StrategyRecord, error) {
	var out []models.StrategyRecord
	err := scan(s.db, []byte(strategyPrefix), func(rec models.StrategyRecord) {
		if status == "" || rec.Status == status {
			out = append(out, rec)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *badgerStore) SaveOrder(order *models.LimitOrder) error {
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	return s.put(orderKey(order.ID), order)
}

func (s *badgerStore) GetOrder(id string) (*models.LimitOrder, error) {
	var order models.LimitOrder
	if err := s.get(orderKey(id), &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *badgerStore) UpdateOrderStatus(id string, status models.OrderStatus, settlementRef string) error {
	return mutate(s.db, orderKey(id), func(order *models.LimitOrder) {
		applyOrderStatus(order, status, settlementRef, time.Now())
	})
}

func (s *badgerStore) ListOrdersByStatus(status models.OrderStatus) ([]models.LimitOrder, error) {
	return s.listOrders(func(o models.LimitOrder) bool { return o.Status == status })
}

func (s *badgerStore) ListOrdersByStrategy(strategyID string) ([]models.LimitOrder, error) {
	return s.listOrders(func(o models.LimitOrder) bool { return o.StrategyID == strategyID })
}

func (s *badgerStore) listOrders(keep func(models.LimitOrder) bool) ([]models.LimitOrder, error) {
	var out []models.LimitOrder
	err := scan(s.db, []byte(orderPrefix), func(o models.LimitOrder) {
		if keep(o) {
			out = append(out, o)
		}
	})
	if err != nil {
		return nil, err
	}
	sortOrders(out)
	return out, nil
}

func (s *badgerStore) AppendTrade(trade *models.TradeRecord) error {
	if trade.ExecutedAt.IsZero() {
		trade.ExecutedAt = time.Now()
	}
	return s.put(tradeKey(trade), trade)
}

func (s *badgerStore) ListTrades(strategyID string, limit int) ([]models.TradeRecord, error) {
	var out []models.TradeRecord
	prefix := []byte(tradePrefix + strategyID + ":")
	if err := scan(s.db, prefix, func(t models.TradeRecord) {
		out = append(out, t)
	}); err != nil {
		return nil, err
	}
	// Keys sort oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close gracefully closes the connection to the database.
func (s *badgerStore) Close() error {
	return s.db.Close()
}

// applyOrderStatus is shared by every Store implementation.
func applyOrderStatus(order *models.LimitOrder, status models.OrderStatus, settlementRef string, now time.Time) {
	order.Status = status
	order.UpdatedAt = now
	if settlementRef != "" {
		order.SettlementRef = settlementRef
	}
	if status == models.OrderFilled && order.FilledAt == nil {
		filledAt := now
		order.FilledAt = &filledAt
	}
}

func sortOrders(orders []models.LimitOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
