package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"grid-engine-go/internal/exchange/exchangetest"
	"grid-engine-go/internal/grid"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Levels: 1000 B, 1025 B, 1050 S, 1075 S, 1100 S; 0.2 ETH each.
var testConfig = models.GridConfig{
	Pair:        "ETH/USDC",
	LowerPrice:  1000,
	UpperPrice:  1100,
	GridCount:   5,
	TotalAmount: 1,
	AccountRef:  "acct",
	Exchange:    "fake",
}

func newTestStore(t *testing.T) persistence.Store {
	store, err := persistence.NewInMemoryBadgerStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.SaveStrategy(&models.StrategyRecord{ID: "s1", Config: testConfig, Status: models.StatusActive}))
	return store
}

func newTestExecutor(t *testing.T, adapter *exchangetest.Adapter, store persistence.Store, opts Options) *StrategyExecutor {
	g, err := grid.New(testConfig)
	require.NoError(t, err)
	opts.Store = store
	opts.Logger = zap.NewNop()
	if opts.Poll.Attempts == 0 {
		opts.Poll = PollPolicy{Attempts: 3, Delay: time.Millisecond}
	}
	return New("s1", g, adapter, opts)
}

func TestRunCycleFillsCrossedLevel(t *testing.T) {
	ctx := context.Background()
	adapter := exchangetest.New("fake", 1010)
	store := newTestStore(t)
	e := newTestExecutor(t, adapter, store, Options{})

	report, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1010.0, report.Price)
	assert.Equal(t, 1, report.Fired)
	assert.Equal(t, 1, report.Filled)

	placed := adapter.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, models.Buy, placed[0].Side)
	assert.Equal(t, 1025.0, placed[0].Price)
	assert.Equal(t, 1, placed[0].LevelIndex)

	snap := e.Snapshot()
	assert.Equal(t, models.Sell, snap.Levels[1].OrderType, "filled level flips")
	assert.False(t, snap.Levels[1].Filled)
	require.Len(t, snap.FilledOrders, 1)
	assert.Equal(t, 1010.0, snap.LastPrice)
	assert.Equal(t, 1, snap.Statistics.BuyOrders)

	orders, err := store.ListOrdersByStrategy("s1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderFilled, orders[0].Status)
	assert.Equal(t, "tx_"+orders[0].VenueOrderID, orders[0].SettlementRef)

	trades, err := store.ListTrades("s1", 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.Buy, trades[0].Side)

	rec, err := store.GetStrategy("s1")
	require.NoError(t, err)
	require.Len(t, rec.Levels, 5)
	assert.Equal(t, models.Sell, rec.Levels[1].OrderType)

	// Same price again: the flipped level is a sell above the market now.
	report, err = e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Fired)
}

func TestRunCycleRoundTripProfit(t *testing.T) {
	ctx := context.Background()
	adapter := exchangetest.New("fake", 1010)
	e := newTestExecutor(t, adapter, nil, Options{})

	_, err := e.RunCycle(ctx)
	require.NoError(t, err)

	// 1040 crosses the re-armed sell at 1025 only.
	adapter.SetPrice(1040, nil)
	report, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Filled)

	snap := e.Snapshot()
	assert.Equal(t, models.Buy, snap.Levels[1].OrderType)
	assert.Equal(t, 1, snap.Statistics.SellOrders)
	assert.InDelta(t, 0.0, snap.Statistics.TotalProfit, 1e-9)
}

func TestRunCycleInsufficientBalanceReleasesLevel(t *testing.T) {
	adapter := exchangetest.New("fake", 1010)
	adapter.SetBalance("USDC", 1)
	store := newTestStore(t)
	e := newTestExecutor(t, adapter, store, Options{})

	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, adapter.Placed())

	snap := e.Snapshot()
	assert.False(t, snap.Levels[1].Filled, "level can fire again")
	assert.Equal(t, models.Buy, snap.Levels[1].OrderType)

	failed, err := store.ListOrdersByStatus(models.OrderFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestRunCycleSubmitFailure(t *testing.T) {
	adapter := exchangetest.New("fake", 1010)
	adapter.SetSubmitErr(errors.New("rejected"))
	e := newTestExecutor(t, adapter, nil, Options{})

	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, e.Snapshot().Levels[1].Filled)
}

func TestRunCycleCancelledOrder(t *testing.T) {
	adapter := exchangetest.New("fake", 1010)
	adapter.SetStatuses(models.OrderPending, models.OrderCancelled)
	store := newTestStore(t)
	e := newTestExecutor(t, adapter, store, Options{})

	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, e.Snapshot().Levels[1].Filled)

	cancelled, err := store.ListOrdersByStatus(models.OrderCancelled)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.NotEmpty(t, cancelled[0].VenueOrderID)
}

func TestTimedOutOrderIsReconciled(t *testing.T) {
	ctx := context.Background()
	adapter := exchangetest.New("fake", 1010)
	adapter.SetStatuses(models.OrderPending)
	store := newTestStore(t)
	e := newTestExecutor(t, adapter, store, Options{})

	report, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Held)

	placed := adapter.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, 3, adapter.StatusCalls(placed[0].VenueOrderID), "polled the configured number of times")

	snap := e.Snapshot()
	require.Len(t, snap.ActiveOrders, 1)
	assert.True(t, snap.Levels[1].Filled, "level stays held while the order is open")

	pending, err := store.ListOrdersByStatus(models.OrderPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.NotEmpty(t, pending[0].VenueOrderID)

	adapter.SetStatuses(models.OrderFilled)
	report, err = e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reconciled)
	assert.Zero(t, report.Fired)

	snap = e.Snapshot()
	assert.Empty(t, snap.ActiveOrders)
	assert.False(t, snap.Levels[1].Filled)
	assert.Equal(t, models.Sell, snap.Levels[1].OrderType)

	order, err := store.GetOrder(pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, order.Status)
}

func TestStatusErrorHoldsOrder(t *testing.T) {
	adapter := exchangetest.New("fake", 1010)
	adapter.SetStatusErr(errors.New("venue down"))
	e := newTestExecutor(t, adapter, nil, Options{})

	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Held)
	placed := adapter.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, 3, adapter.StatusCalls(placed[0].VenueOrderID), "query errors use the poll budget")

	adapter.SetStatusErr(nil)
	adapter.SetStatuses(models.OrderFailed)
	report, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reconciled)
	assert.Empty(t, e.Snapshot().ActiveOrders)
}

func TestBalanceQueryErrorBlocksSubmission(t *testing.T) {
	ctx := context.Background()
	adapter := exchangetest.New("fake", 1010)
	adapter.SetBalanceErr(errors.New("account endpoint down"))
	store := newTestStore(t)
	e := newTestExecutor(t, adapter, store, Options{})

	report, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, adapter.Placed())
	assert.False(t, e.Snapshot().Levels[1].Filled, "level can fire again")

	failed, err := store.ListOrdersByStatus(models.OrderFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	adapter.SetBalanceErr(nil)
	report, err = e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Filled)
}

func TestPriceFailureSkipsCycle(t *testing.T) {
	adapter := exchangetest.New("fake", 0)
	adapter.SetPrice(0, errors.New("no quote"))
	e := newTestExecutor(t, adapter, nil, Options{})

	for i := 0; i < 5; i++ {
		report, err := e.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Error(t, report.PriceErr)
	}
	assert.Empty(t, adapter.Placed())
	assert.Equal(t, models.StateRunning, e.State())
}

func TestPriceFailuresEscalateToError(t *testing.T) {
	adapter := exchangetest.New("fake", 0)
	adapter.SetPrice(0, errors.New("no quote"))
	store := newTestStore(t)
	e := newTestExecutor(t, adapter, store, Options{CycleInterval: time.Millisecond, MaxPriceFailures: 3})

	go e.Run(context.Background())
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not exit")
	}

	snap := e.Snapshot()
	assert.Equal(t, models.StateError, snap.State)
	assert.Contains(t, snap.Reason, "price unavailable")

	rec, err := store.GetStrategy("s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, rec.Status)
	assert.NotEmpty(t, rec.Reason)
}

func TestPriceSuccessResetsFailureCount(t *testing.T) {
	adapter := exchangetest.New("fake", 0)
	e := newTestExecutor(t, adapter, nil, Options{MaxPriceFailures: 2})

	adapter.SetPrice(0, errors.New("no quote"))
	_, err := e.RunCycle(context.Background())
	require.NoError(t, err)

	adapter.SetPrice(1060, nil)
	_, err = e.RunCycle(context.Background())
	require.NoError(t, err)

	adapter.SetPrice(0, errors.New("no quote"))
	_, err = e.RunCycle(context.Background())
	assert.NoError(t, err)
}

func TestLifecycleTransitions(t *testing.T) {
	e := newTestExecutor(t, exchangetest.New("fake", 1060), nil, Options{})

	require.NoError(t, e.Pause())
	require.NoError(t, e.Pause())
	assert.Equal(t, models.StatePaused, e.State())

	require.NoError(t, e.Resume())
	require.NoError(t, e.Resume())
	assert.Equal(t, models.StateRunning, e.State())

	e.Stop()
	e.Stop()
	assert.Equal(t, models.StateStopped, e.State())
	assert.ErrorIs(t, e.Pause(), models.ErrStrategyNotActive)
	assert.ErrorIs(t, e.Resume(), models.ErrStrategyNotActive)
}

func TestRunRespectsPauseAndStop(t *testing.T) {
	adapter := exchangetest.New("fake", 1200)
	e := newTestExecutor(t, adapter, nil, Options{CycleInterval: 5 * time.Millisecond})

	go e.Run(context.Background())
	require.Eventually(t, func() bool { return len(e.Snapshot().FilledOrders) == 3 }, 5*time.Second, time.Millisecond)

	// Every level is a buy now; at 990 they all fire and stay open.
	adapter.SetStatuses(models.OrderPending)
	adapter.SetPrice(990, nil)
	require.Eventually(t, func() bool { return len(e.Snapshot().ActiveOrders) == 5 }, 5*time.Second, time.Millisecond)

	require.NoError(t, e.Pause())
	// Let any in-flight cycle finish, then verify nothing else runs.
	time.Sleep(20 * time.Millisecond)
	calls := adapter.PriceCalls()
	paused := e.Snapshot()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, adapter.PriceCalls())

	snap := e.Snapshot()
	assert.Equal(t, models.StatePaused, snap.State)
	assert.Equal(t, paused.ActiveOrders, snap.ActiveOrders)
	assert.Equal(t, paused.FilledOrders, snap.FilledOrders)
	assert.Equal(t, paused.Levels, snap.Levels)
	assert.Len(t, snap.FilledOrders, 3)

	require.NoError(t, e.Resume())
	require.Eventually(t, func() bool { return adapter.PriceCalls() > calls+1 }, 5*time.Second, time.Millisecond)

	snap = e.Snapshot()
	assert.Equal(t, paused.ActiveOrders, snap.ActiveOrders, "resume keeps open orders")
	assert.Equal(t, paused.FilledOrders, snap.FilledOrders, "resume keeps fill history")
	assert.Equal(t, paused.Levels, snap.Levels, "resume keeps level fill state")
	for _, level := range snap.Levels {
		assert.True(t, level.Filled)
	}

	e.Stop()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not stop")
	}
	assert.Equal(t, models.StateStopped, e.State())
}

func TestRunExitsOnContextCancel(t *testing.T) {
	e := newTestExecutor(t, exchangetest.New("fake", 1060), nil, Options{CycleInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	cancel()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("executor ignored cancellation")
	}
	assert.Equal(t, models.StateRunning, e.State(), "shutdown is not a lifecycle transition")
}

func TestApplyFillFromMonitor(t *testing.T) {
	store := newTestStore(t)
	e := newTestExecutor(t, exchangetest.New("fake", 1060), store, Options{})

	e.ApplyFill(models.LimitOrder{
		ID: "manual-1", StrategyID: "s1", Pair: "ETH/USDC", Side: models.Sell,
		Price: 1050.0004, Amount: 0.2, LevelIndex: models.NoLevel, VenueOrderID: "v1",
	})

	snap := e.Snapshot()
	assert.Equal(t, models.Buy, snap.Levels[2].OrderType, "matched by price")
	require.Len(t, snap.FilledOrders, 1)

	trades, err := store.ListTrades("s1", 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "manual-1", trades[0].OrderID)
}

func TestApplyFillDoesNotWaitForPollingCycle(t *testing.T) {
	adapter := exchangetest.New("fake", 1060)
	adapter.SetStatuses(models.OrderPending)
	e := newTestExecutor(t, adapter, nil, Options{Poll: PollPolicy{Attempts: 20, Delay: 25 * time.Millisecond}})

	cycleDone := make(chan struct{})
	go func() {
		defer close(cycleDone)
		_, err := e.RunCycle(context.Background())
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return len(adapter.Placed()) == 1 }, 5*time.Second, time.Millisecond)

	applied := make(chan struct{})
	go func() {
		defer close(applied)
		e.ApplyFill(models.LimitOrder{
			ID: "manual-1", StrategyID: "s1", Pair: "ETH/USDC", Side: models.Buy,
			Price: 1000, Amount: 0.2, LevelIndex: models.NoLevel,
		})
	}()

	select {
	case <-applied:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("fill waited for the polling cycle")
	}
	select {
	case <-cycleDone:
		t.Fatal("cycle finished before the fill was applied")
	default:
	}
	assert.Equal(t, models.Sell, e.Snapshot().Levels[0].OrderType)
	<-cycleDone
}

func TestWithActiveOrdersKeepsSubmittedPending(t *testing.T) {
	e := newTestExecutor(t, exchangetest.New("fake", 1060), nil, Options{})
	e.WithActiveOrders([]models.LimitOrder{
		{ID: "a", Status: models.OrderPending, VenueOrderID: "v1", LevelIndex: 1},
		{ID: "b", Status: models.OrderPending},
		{ID: "c", Status: models.OrderFilled, VenueOrderID: "v3"},
	})
	active := e.Snapshot().ActiveOrders
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ID)
}
