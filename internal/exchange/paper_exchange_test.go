package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"grid-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPaper() *PaperExchange {
	return NewPaperExchange("paper", models.PaperConfig{
		Balances:     map[string]float64{"USDC": 10000, "ETH": 2},
		Prices:       map[string]float64{"ETH/USDC": 1050},
		MakerFeeRate: 0.001,
	}, zap.NewNop())
}

func buyOrder(price, amount float64) models.LimitOrder {
	return models.LimitOrder{ID: "o", Pair: "ETH/USDC", Side: models.Buy, Price: price, Amount: amount, LevelIndex: 0}
}

// TestPaperRestingOrderFillsOnCross checks a resting buy fills when price drops through it.
func TestPaperRestingOrderFillsOnCross(t *testing.T) {
	ctx := context.Background()
	e := newTestPaper()

	id, err := e.PlaceLimitOrder(ctx, buyOrder(1000, 1), "s1")
	require.NoError(t, err)
	status, err := e.GetOrderStatus(ctx, id, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, status)
	assert.Equal(t, 1, e.OpenOrders())

	e.SetPrice("ETH/USDC", 1001)
	status, _ = e.GetOrderStatus(ctx, id, "s1")
	assert.Equal(t, models.OrderPending, status)

	e.SetPrice("ETH/USDC", 999)
	status, _ = e.GetOrderStatus(ctx, id, "s1")
	assert.Equal(t, models.OrderFilled, status)
	assert.Equal(t, 0, e.OpenOrders())

	usdc, _ := e.GetBalance(ctx, "USDC")
	eth, _ := e.GetBalance(ctx, "ETH")
	assert.InDelta(t, 10000-1000-1, usdc, 1e-9, "cost plus maker fee")
	assert.InDelta(t, 3, eth, 1e-9)
	assert.InDelta(t, 1, e.TotalFees, 1e-9)

	fills := e.Fills()
	require.Len(t, fills, 1)
	assert.Equal(t, id, fills[0].VenueOrderID)
	assert.NotNil(t, fills[0].FilledAt)
}

// TestPaperMarketableOrderFillsImmediately checks a limit order through the book fills at once.
func TestPaperMarketableOrderFillsImmediately(t *testing.T) {
	ctx := context.Background()
	e := newTestPaper()

	id, err := e.PlaceLimitOrder(ctx, models.LimitOrder{Pair: "ETH/USDC", Side: models.Sell, Price: 1000, Amount: 1}, "s1")
	require.NoError(t, err)
	status, err := e.GetOrderStatus(ctx, id, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, status)
}

// TestPaperInsufficientFundsFails checks a fill that cannot be paid for ends as failed.
func TestPaperInsufficientFundsFails(t *testing.T) {
	ctx := context.Background()
	e := newTestPaper()

	id, err := e.PlaceLimitOrder(ctx, buyOrder(1060, 100), "s1")
	require.NoError(t, err)
	status, _ := e.GetOrderStatus(ctx, id, "s1")
	assert.Equal(t, models.OrderFailed, status)
	usdc, _ := e.GetBalance(ctx, "USDC")
	assert.Equal(t, 10000.0, usdc)
}

func TestPaperCancel(t *testing.T) {
	ctx := context.Background()
	e := newTestPaper()

	id, err := e.PlaceLimitOrder(ctx, buyOrder(900, 1), "s1")
	require.NoError(t, err)
	require.NoError(t, e.CancelOrder(ctx, id))
	assert.Error(t, e.CancelOrder(ctx, id))
	assert.Error(t, e.CancelOrder(ctx, "paper-unknown"))

	e.SetPrice("ETH/USDC", 800)
	status, _ := e.GetOrderStatus(ctx, id, "s1")
	assert.Equal(t, models.OrderCancelled, status)
}

func TestPaperRejectsInvalidOrders(t *testing.T) {
	ctx := context.Background()
	e := newTestPaper()

	_, err := e.PlaceLimitOrder(ctx, buyOrder(0, 1), "s1")
	assert.Error(t, err)
	_, err = e.PlaceLimitOrder(ctx, buyOrder(1000, -1), "s1")
	assert.Error(t, err)
	_, err = e.PlaceLimitOrder(ctx, models.LimitOrder{Pair: "ETHUSDC", Side: models.Buy, Price: 1, Amount: 1}, "s1")
	assert.Error(t, err)
	_, err = e.GetOrderStatus(ctx, "missing", "s1")
	assert.Error(t, err)
}

func TestPaperGetPrice(t *testing.T) {
	ctx := context.Background()
	e := newTestPaper()

	price, err := e.GetPrice(ctx, "ETH/USDC")
	require.NoError(t, err)
	assert.Equal(t, 1050.0, price)

	_, err = e.GetPrice(ctx, "BTC/USDC")
	assert.Error(t, err)
}

type stubSource struct {
	price float64
	err   error
}

func (s stubSource) GetPrice(context.Context, string) (float64, error) { return s.price, s.err }

// TestPaperUpstream checks upstream prices are returned and used for matching.
func TestPaperUpstream(t *testing.T) {
	ctx := context.Background()
	e := newTestPaper()
	id, err := e.PlaceLimitOrder(ctx, buyOrder(1000, 1), "s1")
	require.NoError(t, err)

	e.WithUpstream(stubSource{price: 990})
	price, err := e.GetPrice(ctx, "ETH/USDC")
	require.NoError(t, err)
	assert.Equal(t, 990.0, price)
	status, _ := e.GetOrderStatus(ctx, id, "s1")
	assert.Equal(t, models.OrderFilled, status)

	e.WithUpstream(stubSource{err: errors.New("feed down")})
	_, err = e.GetPrice(ctx, "ETH/USDC")
	assert.ErrorContains(t, err, "feed down")
}

// TestPaperApplyCandle checks intra-candle lows fill buys and equity is recorded.
func TestPaperApplyCandle(t *testing.T) {
	ctx := context.Background()
	e := newTestPaper()
	e.MakerFeeRate = 0
	_, err := e.PlaceLimitOrder(ctx, buyOrder(1000, 1), "s1")
	require.NoError(t, err)

	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	e.ApplyCandle("ETH/USDC", 1040, 1060, 995, 1020, ts)

	require.Len(t, e.Fills(), 1)
	assert.Equal(t, ts, *e.Fills()[0].FilledAt)
	require.Len(t, e.EquityCurve, 1)
	// 9000 USDC + 3 ETH at 1020
	assert.InDelta(t, 9000+3*1020, e.EquityCurve[0], 1e-9)
	assert.InDelta(t, 10000+2*1000, e.InitialEquity("ETH/USDC", 1000), 1e-9)
}
