// Package persistencetest holds a behavioural test suite shared by every
// persistence.Store implementation.
package persistencetest

import (
	"testing"
	"time"

	"grid-engine-go/internal/models"
	"grid-engine-go/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises open() against the Store contract. open must return an empty store.
func Run(t *testing.T, open func(t *testing.T) persistence.Store) {
	t.Run("strategies", func(t *testing.T) { testStrategies(t, open(t)) })
	t.Run("orders", func(t *testing.T) { testOrders(t, open(t)) })
	t.Run("trades", func(t *testing.T) { testTrades(t, open(t)) })
}

func sampleConfig() models.GridConfig {
	return models.GridConfig{
		Pair: "ETH/USDC", LowerPrice: 1000, UpperPrice: 1100, GridCount: 5, TotalAmount: 500, Exchange: "paper",
	}
}

func testStrategies(t *testing.T, store persistence.Store) {
	defer store.Close()

	_, err := store.GetStrategy("missing")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	assert.ErrorIs(t, store.UpdateStrategyStatus("missing", models.StatusStopped, ""), persistence.ErrNotFound)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"s1", "s2", "s3"} {
		rec := &models.StrategyRecord{
			ID:        id,
			Config:    sampleConfig(),
			Status:    models.StatusActive,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.SaveStrategy(rec))
	}

	require.NoError(t, store.UpdateStrategyStatus("s2", models.StatusError, "boom"))
	levels := []models.GridLevel{{Index: 0, Price: 1000, Amount: 100, OrderType: models.Sell}}
	require.NoError(t, store.UpdateStrategyLevels("s3", levels, 12.5))

	got, err := store.GetStrategy("s2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Equal(t, "boom", got.Reason)
	assert.Equal(t, sampleConfig(), got.Config)

	got, err = store.GetStrategy("s3")
	require.NoError(t, err)
	assert.Equal(t, levels, got.Levels)
	assert.Equal(t, 12.5, got.TotalProfit)

	active, err := store.ListStrategies(models.StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "s1", active[0].ID)
	assert.Equal(t, "s3", active[1].ID)

	all, err := store.ListStrategies("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testOrders(t *testing.T, store persistence.Store) {
	defer store.Close()

	base := time.Now().Add(-time.Hour)
	orders := []*models.LimitOrder{
		{ID: "o1", StrategyID: "s1", Pair: "ETH/USDC", Side: models.Buy, Price: 1000, Amount: 1, Status: models.OrderPending, LevelIndex: 0, CreatedAt: base},
		{ID: "o2", StrategyID: "s1", Pair: "ETH/USDC", Side: models.Sell, Price: 1100, Amount: 1, Status: models.OrderPending, LevelIndex: models.NoLevel, CreatedAt: base.Add(time.Second)},
		{ID: "o3", StrategyID: "s2", Pair: "BTC/USDC", Side: models.Buy, Price: 20000, Amount: 0.1, Status: models.OrderPending, LevelIndex: 2, VenueOrderID: "v-3", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, o := range orders {
		require.NoError(t, store.SaveOrder(o))
	}

	require.NoError(t, store.UpdateOrderStatus("o1", models.OrderFilled, "tx_v-1"))
	assert.ErrorIs(t, store.UpdateOrderStatus("nope", models.OrderFailed, ""), persistence.ErrNotFound)

	filled, err := store.GetOrder("o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, filled.Status)
	assert.Equal(t, "tx_v-1", filled.SettlementRef)
	require.NotNil(t, filled.FilledAt)

	pending, err := store.ListOrdersByStatus(models.OrderPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "o2", pending[0].ID)
	assert.Equal(t, models.NoLevel, pending[0].LevelIndex)
	assert.Equal(t, "o3", pending[1].ID)
	assert.Equal(t, "v-3", pending[1].VenueOrderID)

	byStrategy, err := store.ListOrdersByStrategy("s1")
	require.NoError(t, err)
	require.Len(t, byStrategy, 2)
	assert.Equal(t, "o1", byStrategy[0].ID)

	_, err = store.GetOrder("nope")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func testTrades(t *testing.T, store persistence.Store) {
	defer store.Close()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendTrade(&models.TradeRecord{
			ID:         string(rune('a' + i)),
			StrategyID: "s1",
			OrderID:    "o",
			Pair:       "ETH/USDC",
			Side:       models.Buy,
			Price:      1000 + float64(i),
			Amount:     1,
			ExecutedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.AppendTrade(&models.TradeRecord{ID: "z", StrategyID: "s2", ExecutedAt: base}))

	recent, err := store.ListTrades("s1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "e", recent[0].ID)
	assert.Equal(t, "d", recent[1].ID)

	all, err := store.ListTrades("s1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	other, err := store.ListTrades("s2", 0)
	require.NoError(t, err)
	assert.Len(t, other, 1)
}
