package exchange

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"grid-engine-go/internal/models"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// PriceSource 提供外部价格, 例如真实交易所的行情。
type PriceSource interface {
	GetPrice(ctx context.Context, pair string) (float64, error)
}

type paperOrder struct {
	order      models.LimitOrder
	venueID    string
	strategyID string
	status     models.OrderStatus
}

// PaperExchange 实现了 Adapter 接口，用于模拟交易所行为 (模拟盘与回测)。
// 限价单在价格穿过挂单价时以挂单价成交, 成交时按挂单手续费率扣除计价货币。
type PaperExchange struct {
	name         string
	MakerFeeRate float64 // 挂单手续费率
	TotalFees    float64 // 累积总手续费
	CurrentTime  time.Time
	EquityCurve  []float64 // 每次 RecordEquity 追加一个点

	mu       sync.Mutex
	prices   map[string]float64
	balances map[string]float64
	initial  map[string]float64
	orders   map[string]*paperOrder
	sequence []string // 下单顺序, 保证撮合顺序确定
	fills    []models.LimitOrder
	nextID   uint64
	upstream PriceSource
	logger   *zap.Logger
}

// NewPaperExchange 创建一个新的 PaperExchange 实例。
func NewPaperExchange(name string, cfg models.PaperConfig, logger *zap.Logger) *PaperExchange {
	if name == "" {
		name = "paper"
	}
	e := &PaperExchange{
		name:         name,
		MakerFeeRate: cfg.MakerFeeRate,
		prices:       make(map[string]float64),
		balances:     make(map[string]float64),
		initial:      make(map[string]float64),
		orders:       make(map[string]*paperOrder),
		logger:       logger.Named("paper"),
	}
	for asset, amount := range cfg.Balances {
		e.balances[asset] = amount
		e.initial[asset] = amount
	}
	for pair, price := range cfg.Prices {
		e.prices[pair] = price
	}
	return e
}

// WithUpstream 让 GetPrice 从外部价格源取价, 并用取到的价格撮合挂单。
func (e *PaperExchange) WithUpstream(src PriceSource) *PaperExchange {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upstream = src
	return e
}

// Name returns the adapter name.
func (e *PaperExchange) Name() string { return e.name }

// SetPrice 更新交易对价格, 并检查是否有挂单可以在该价格成交。
func (e *PaperExchange) SetPrice(pair string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setPriceLocked(pair, price)
}

// ApplyCandle 按 O->L->H->C 的路径模拟K线内部的价格变动, 然后记录权益。
func (e *PaperExchange) ApplyCandle(pair string, open, high, low, close float64, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CurrentTime = ts
	for _, p := range []float64{open, low, high, close} {
		e.setPriceLocked(pair, p)
	}
	e.recordEquityLocked(pair)
}

// RecordEquity 以当前价格计算权益并追加到权益曲线。
func (e *PaperExchange) RecordEquity(pair string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recordEquityLocked(pair)
}

// 必须在持有锁的情况下调用。
func (e *PaperExchange) setPriceLocked(pair string, price float64) {
	e.prices[pair] = price
	for _, id := range e.sequence {
		o := e.orders[id]
		if o.status != models.OrderPending || o.order.Pair != pair {
			continue
		}
		if o.order.Crosses(price) {
			e.fillLocked(o)
		}
	}
	e.compactLocked()
}

// fillLocked 以挂单价成交。余额不足时订单被标记为失败。必须在持有锁的情况下调用。
func (e *PaperExchange) fillLocked(o *paperOrder) {
	base, quote, err := models.ParsePair(o.order.Pair)
	if err != nil {
		o.status = models.OrderFailed
		return
	}
	cost := o.order.Price * o.order.Amount
	fee := cost * e.MakerFeeRate

	switch o.order.Side {
	case models.Buy:
		if e.balances[quote] < cost+fee {
			e.logger.Warn("模拟成交失败: 计价货币余额不足",
				zap.String("venue_order_id", o.venueID), zap.Float64("need", cost+fee), zap.Float64("have", e.balances[quote]))
			o.status = models.OrderFailed
			return
		}
		e.balances[quote] -= cost + fee
		e.balances[base] += o.order.Amount
	case models.Sell:
		if e.balances[base] < o.order.Amount {
			e.logger.Warn("模拟成交失败: 基础货币余额不足",
				zap.String("venue_order_id", o.venueID), zap.Float64("need", o.order.Amount), zap.Float64("have", e.balances[base]))
			o.status = models.OrderFailed
			return
		}
		e.balances[base] -= o.order.Amount
		e.balances[quote] += cost - fee
	default:
		o.status = models.OrderFailed
		return
	}

	e.TotalFees += fee
	o.status = models.OrderFilled
	filled := o.order
	filled.Status = models.OrderFilled
	filled.VenueOrderID = o.venueID
	at := e.now()
	filled.FilledAt = &at
	e.fills = append(e.fills, filled)

	e.logger.Debug("模拟订单成交",
		zap.String("venue_order_id", o.venueID),
		zap.String("side", string(o.order.Side)),
		zap.Float64("price", o.order.Price),
		zap.Float64("amount", o.order.Amount),
		zap.Float64("fee", fee))
}

// compactLocked 从撮合队列中移除已结束的订单, 订单本身保留以便查询状态。
func (e *PaperExchange) compactLocked() {
	kept := e.sequence[:0]
	for _, id := range e.sequence {
		if e.orders[id].status == models.OrderPending {
			kept = append(kept, id)
		}
	}
	e.sequence = kept
}

func (e *PaperExchange) recordEquityLocked(pair string) float64 {
	equity := e.equityLocked(pair)
	e.EquityCurve = append(e.EquityCurve, equity)
	return equity
}

// equityLocked 以计价货币计算账户权益。
func (e *PaperExchange) equityLocked(pair string) float64 {
	base, quote, err := models.ParsePair(pair)
	if err != nil {
		return 0
	}
	return e.balances[quote] + e.balances[base]*e.prices[pair]
}

func (e *PaperExchange) now() time.Time {
	if !e.CurrentTime.IsZero() {
		return e.CurrentTime
	}
	return time.Now()
}

// --- Adapter 接口实现 ---

func (e *PaperExchange) GetPrice(ctx context.Context, pair string) (float64, error) {
	e.mu.Lock()
	upstream := e.upstream
	e.mu.Unlock()

	if upstream != nil {
		price, err := upstream.GetPrice(ctx, pair)
		if err != nil {
			return 0, fmt.Errorf("%s: upstream price for %s: %w", e.name, pair, err)
		}
		e.SetPrice(pair, price)
		return price, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	price, ok := e.prices[pair]
	if !ok {
		return 0, fmt.Errorf("%s: no price for %s", e.name, pair)
	}
	return price, nil
}

func (e *PaperExchange) PlaceLimitOrder(ctx context.Context, order models.LimitOrder, strategyID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !(order.Price > 0) || !(order.Amount > 0) {
		return "", fmt.Errorf("%s: invalid order price %v amount %v", e.name, order.Price, order.Amount)
	}
	if order.Side != models.Buy && order.Side != models.Sell {
		return "", fmt.Errorf("%s: invalid side %q", e.name, order.Side)
	}
	if _, _, err := models.ParsePair(order.Pair); err != nil {
		return "", fmt.Errorf("%s: %w", e.name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], e.nextID)
	venueID := e.name + "-" + base62.EncodeToString(buf[:])

	o := &paperOrder{order: order, venueID: venueID, strategyID: strategyID, status: models.OrderPending}
	e.orders[venueID] = o

	// 可立即成交的限价单直接成交
	if price, ok := e.prices[order.Pair]; ok && order.Crosses(price) {
		e.fillLocked(o)
	} else {
		e.sequence = append(e.sequence, venueID)
	}
	return venueID, nil
}

func (e *PaperExchange) CancelOrder(ctx context.Context, venueOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[venueOrderID]
	if !ok {
		return fmt.Errorf("%s: order %s not found", e.name, venueOrderID)
	}
	if o.status != models.OrderPending {
		return fmt.Errorf("%s: order %s is already %s", e.name, venueOrderID, o.status)
	}
	o.status = models.OrderCancelled
	e.compactLocked()
	return nil
}

func (e *PaperExchange) GetOrderStatus(ctx context.Context, venueOrderID, strategyID string) (models.OrderStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[venueOrderID]
	if !ok {
		return "", fmt.Errorf("%s: order %s not found", e.name, venueOrderID)
	}
	return o.status, nil
}

func (e *PaperExchange) GetBalance(ctx context.Context, asset string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[asset], nil
}

// --- 回测报告使用的只读访问 ---

// Balances 返回余额的副本
func (e *PaperExchange) Balances() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	cpy := make(map[string]float64, len(e.balances))
	for k, v := range e.balances {
		cpy[k] = v
	}
	return cpy
}

// InitialEquity 以给定价格计算初始权益。
func (e *PaperExchange) InitialEquity(pair string, price float64) float64 {
	base, quote, err := models.ParsePair(pair)
	if err != nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initial[quote] + e.initial[base]*price
}

// Fills 返回所有成交记录的副本
func (e *PaperExchange) Fills() []models.LimitOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.LimitOrder, len(e.fills))
	copy(out, e.fills)
	return out
}

// OpenOrders 返回仍在挂单中的订单数量
func (e *PaperExchange) OpenOrders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sequence)
}
