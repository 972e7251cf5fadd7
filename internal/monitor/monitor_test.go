package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"grid-engine-go/internal/exchange/exchangetest"
	"grid-engine-go/internal/executor"
	"grid-engine-go/internal/grid"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fillRecorder struct {
	mu    sync.Mutex
	fills []models.LimitOrder
}

func (r *fillRecorder) record(o models.LimitOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills = append(r.fills, o)
}

func (r *fillRecorder) all() []models.LimitOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.LimitOrder(nil), r.fills...)
}

func newTestMonitor(t *testing.T) (*PriceMonitor, persistence.Store, *fillRecorder) {
	store, err := persistence.NewInMemoryBadgerStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := &fillRecorder{}
	m := New(Options{
		Interval: 5 * time.Millisecond,
		Workers:  2,
		Poll:     executor.PollPolicy{Attempts: 2, Delay: time.Millisecond},
		Store:    store,
		Logger:   zap.NewNop(),
		OnFill:   rec.record,
	})
	t.Cleanup(m.Close)
	return m, store, rec
}

func intent(t *testing.T, store persistence.Store, id, strategyID, pair string, side models.Side, price float64) {
	require.NoError(t, store.SaveOrder(&models.LimitOrder{
		ID: id, StrategyID: strategyID, Pair: pair, Side: side, Price: price, Amount: 0.1,
		Status: models.OrderPending, LevelIndex: models.NoLevel, CreatedAt: time.Now(),
	}))
}

func TestTickExecutesCrossedIntent(t *testing.T) {
	m, store, rec := newTestMonitor(t)
	adapter := exchangetest.New("fake", 990)
	m.Register("s1", adapter)
	intent(t, store, "buy-1000", "s1", "ETH/USDC", models.Buy, 1000)
	intent(t, store, "buy-980", "s1", "ETH/USDC", models.Buy, 980)

	report := m.Tick(context.Background())
	assert.Equal(t, 1, report.Pairs)
	assert.Equal(t, 1, report.Executed)
	require.Len(t, adapter.Placed(), 1)

	filled, err := store.GetOrder("buy-1000")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, filled.Status)
	assert.NotEmpty(t, filled.VenueOrderID)
	assert.Equal(t, "tx_"+filled.VenueOrderID, filled.SettlementRef)

	untouched, err := store.GetOrder("buy-980")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, untouched.Status)

	fills := rec.all()
	require.Len(t, fills, 1)
	assert.Equal(t, "buy-1000", fills[0].ID)
}

func TestTickIgnoresGridOrders(t *testing.T) {
	m, store, _ := newTestMonitor(t)
	adapter := exchangetest.New("fake", 900)
	m.Register("s1", adapter)
	require.NoError(t, store.SaveOrder(&models.LimitOrder{
		ID: "grid", StrategyID: "s1", Pair: "ETH/USDC", Side: models.Buy, Price: 1000, Amount: 0.1,
		Status: models.OrderPending, LevelIndex: 0, VenueOrderID: "v1",
	}))

	report := m.Tick(context.Background())
	assert.Zero(t, report.Pairs)
	assert.Empty(t, adapter.Placed())
	assert.Zero(t, adapter.PriceCalls())
}

func TestTickWithoutPriceSkipsPair(t *testing.T) {
	m, store, _ := newTestMonitor(t)
	intent(t, store, "o1", "ghost", "ETH/USDC", models.Buy, 1000)

	report := m.Tick(context.Background())
	assert.Equal(t, 1, report.PriceErrors)
	assert.Zero(t, report.Executed)
}

func TestTickFallsBackToCachedPrice(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestMonitor(t)
	adapter := exchangetest.New("fake", 995)
	m.Register("s1", adapter)
	intent(t, store, "low", "s1", "ETH/USDC", models.Buy, 990)

	report := m.Tick(ctx)
	assert.Zero(t, report.Executed)

	adapter.SetPrice(0, errors.New("ticker down"))
	intent(t, store, "high", "s1", "ETH/USDC", models.Buy, 1000)

	report = m.Tick(ctx)
	assert.Zero(t, report.PriceErrors, "cached price covers the failed fetch")
	assert.Equal(t, 1, report.Executed)

	o, err := store.GetOrder("high")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, o.Status)
}

func TestTickUsesOrdersOwnAdapterForExecution(t *testing.T) {
	m, store, _ := newTestMonitor(t)
	pricer := exchangetest.New("pricer", 1100)
	executorVenue := exchangetest.New("other", 0)
	executorVenue.SetPrice(0, errors.New("unused"))
	m.Register("a", pricer)
	m.Register("b", executorVenue)

	intent(t, store, "a-sell", "a", "ETH/USDC", models.Sell, 1200)
	intent(t, store, "b-sell", "b", "ETH/USDC", models.Sell, 1050)

	report := m.Tick(context.Background())
	assert.Equal(t, 1, report.Executed)
	assert.Empty(t, pricer.Placed())
	require.Len(t, executorVenue.Placed(), 1)
	assert.Equal(t, "b-sell", executorVenue.Placed()[0].ID)
}

func TestTickFailedIntent(t *testing.T) {
	m, store, rec := newTestMonitor(t)
	adapter := exchangetest.New("fake", 990)
	adapter.SetBalance("USDC", 10)
	m.Register("s1", adapter)
	intent(t, store, "o1", "s1", "ETH/USDC", models.Buy, 1000)

	report := m.Tick(context.Background())
	assert.Equal(t, 1, report.Failed)

	o, err := store.GetOrder("o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFailed, o.Status)
	assert.Empty(t, rec.all())
}

func TestTimedOutIntentIsReconciled(t *testing.T) {
	ctx := context.Background()
	m, store, rec := newTestMonitor(t)
	adapter := exchangetest.New("fake", 990)
	adapter.SetStatuses(models.OrderPending)
	m.Register("s1", adapter)
	intent(t, store, "o1", "s1", "ETH/USDC", models.Buy, 1000)

	report := m.Tick(ctx)
	assert.Zero(t, report.Executed)
	o, err := store.GetOrder("o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, o.Status)
	require.NotEmpty(t, o.VenueOrderID)

	adapter.SetStatuses(models.OrderFilled)
	report = m.Tick(ctx)
	assert.Equal(t, 1, report.Reconciled)
	assert.Len(t, adapter.Placed(), 1, "not submitted twice")

	o, err = store.GetOrder("o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, o.Status)
	require.Len(t, rec.all(), 1)
}

func TestIntentKeepsVenueCancelledStatus(t *testing.T) {
	ctx := context.Background()
	m, store, rec := newTestMonitor(t)
	adapter := exchangetest.New("fake", 990)
	adapter.SetStatuses(models.OrderPending)
	m.Register("s1", adapter)
	intent(t, store, "late", "s1", "ETH/USDC", models.Buy, 1000)
	intent(t, store, "now", "s1", "ETH/USDC", models.Buy, 995)

	m.Tick(ctx)
	adapter.SetStatuses(models.OrderCancelled)
	report := m.Tick(ctx)
	assert.Equal(t, 2, report.Reconciled)

	for _, id := range []string{"late", "now"} {
		o, err := store.GetOrder(id)
		require.NoError(t, err)
		assert.Equal(t, models.OrderCancelled, o.Status, id)
	}
	assert.Empty(t, rec.all())

	intent(t, store, "direct", "s1", "ETH/USDC", models.Buy, 1000)
	report = m.Tick(ctx)
	assert.Equal(t, 1, report.Failed)
	o, err := store.GetOrder("direct")
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, o.Status)
}

func TestMissingAdapterLeavesIntentPending(t *testing.T) {
	m, store, _ := newTestMonitor(t)
	m.Register("s1", exchangetest.New("fake", 990))
	intent(t, store, "mine", "s1", "ETH/USDC", models.Buy, 1000)
	intent(t, store, "orphan", "gone", "ETH/USDC", models.Buy, 1000)

	report := m.Tick(context.Background())
	assert.Equal(t, 1, report.Executed)

	o, err := store.GetOrder("orphan")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, o.Status)
}

func TestGetPrice(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMonitor(t)

	_, err := m.GetPrice(ctx, "ETH/USDC")
	assert.ErrorIs(t, err, models.ErrPriceUnavailable)

	adapter := exchangetest.New("fake", 1234.5)
	m.Register("s1", adapter)
	assert.True(t, m.Registered("s1"))
	price, err := m.GetPrice(ctx, "ETH/USDC")
	require.NoError(t, err)
	assert.Equal(t, 1234.5, price)

	adapter.SetPrice(0, errors.New("down"))
	price, err = m.GetPrice(ctx, "ETH/USDC")
	require.NoError(t, err)
	assert.Equal(t, 1234.5, price, "served from cache")

	m.Unregister("s1")
	assert.False(t, m.Registered("s1"))
}

func TestRunTicksUntilCancelled(t *testing.T) {
	m, store, rec := newTestMonitor(t)
	m.Register("s1", exchangetest.New("fake", 990))
	intent(t, store, "o1", "s1", "ETH/USDC", models.Buy, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestTickDoesNotWaitForExecutorPolling(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewInMemoryBadgerStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	g, err := grid.New(models.GridConfig{Pair: "ETH/USDC", LowerPrice: 1000, UpperPrice: 1100, GridCount: 5, TotalAmount: 1})
	require.NoError(t, err)
	slow := exchangetest.New("slow", 1080)
	slow.SetStatuses(models.OrderPending)
	ex := executor.New("s1", g, slow, executor.Options{
		Poll:   executor.PollPolicy{Attempts: 20, Delay: 25 * time.Millisecond},
		Logger: zap.NewNop(),
	})

	m := New(Options{
		Poll:   executor.PollPolicy{Attempts: 2, Delay: time.Millisecond},
		Store:  store,
		Logger: zap.NewNop(),
		OnFill: ex.ApplyFill,
	})
	t.Cleanup(m.Close)
	m.Register("s1", exchangetest.New("fast", 990))
	intent(t, store, "manual", "s1", "ETH/USDC", models.Buy, 1000)

	cycleDone := make(chan struct{})
	go func() {
		defer close(cycleDone)
		_, err := ex.RunCycle(ctx)
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return len(slow.Placed()) >= 1 }, 5*time.Second, time.Millisecond)

	start := time.Now()
	report := m.Tick(ctx)
	elapsed := time.Since(start)

	assert.Equal(t, 1, report.Executed)
	assert.Less(t, elapsed, 250*time.Millisecond)
	select {
	case <-cycleDone:
		t.Fatal("tick only returned after the executor cycle")
	default:
	}
	<-cycleDone

	snap := ex.Snapshot()
	assert.Equal(t, models.Sell, snap.Levels[0].OrderType)
	require.Len(t, snap.FilledOrders, 1)
	assert.Equal(t, "manual", snap.FilledOrders[0].ID)
}
