package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"grid-engine-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// 交易规则缺失时使用的默认精度
var defaultStep = decimal.New(1, -8)

type symbolFilters struct {
	tick decimal.Decimal // PRICE_FILTER
	step decimal.Decimal // LOT_SIZE
}

// BinanceExchange 实现了 Adapter 接口，用于与币安现货交易所进行交互。
// 交易所订单ID编码为 "SYMBOL-orderId", 以便只凭ID查询订单状态。
type BinanceExchange struct {
	client    *binance.Client
	limiter   *rate.Limiter
	stream    *PriceStream
	freshness time.Duration
	logger    *zap.Logger

	mu      sync.RWMutex
	filters map[string]symbolFilters
}

// NewBinanceExchange 创建一个新的 BinanceExchange 实例。
func NewBinanceExchange(cfg models.ExchangeConfig, logger *zap.Logger) *BinanceExchange {
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if base := cfg.BaseURL(); base != "" {
		client.BaseURL = base
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	return &BinanceExchange{
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		freshness: time.Duration(cfg.PriceFreshnessSec) * time.Second,
		logger:    logger.Named("binance"),
		filters:   make(map[string]symbolFilters),
	}
}

// WithPriceStream 让 GetPrice 优先使用 WebSocket 推送的新鲜价格。
func (e *BinanceExchange) WithPriceStream(stream *PriceStream, freshness time.Duration) *BinanceExchange {
	e.stream = stream
	if freshness > 0 {
		e.freshness = freshness
	}
	return e
}

// Name returns the adapter name.
func (e *BinanceExchange) Name() string { return "binance" }

func (e *BinanceExchange) wait(ctx context.Context) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("binance rate limiter: %w", err)
	}
	return nil
}

// GetPrice 获取指定交易对的当前价格。
func (e *BinanceExchange) GetPrice(ctx context.Context, pair string) (float64, error) {
	symbol := Symbol(pair)
	if e.stream != nil && e.freshness > 0 {
		if price, ok := e.stream.Latest(symbol, e.freshness); ok {
			return price, nil
		}
	}

	if err := e.wait(ctx); err != nil {
		return 0, err
	}
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance: get price %s: %w", symbol, err)
	}
	for _, p := range prices {
		if p.Symbol != symbol {
			continue
		}
		price, err := strconv.ParseFloat(p.Price, 64)
		if err != nil {
			return 0, fmt.Errorf("binance: parse price %q for %s: %w", p.Price, symbol, err)
		}
		return price, nil
	}
	return 0, fmt.Errorf("binance: no price returned for %s", symbol)
}

// PlaceLimitOrder 下一个 GTC 限价单, 价格和数量按交易规则截断。
func (e *BinanceExchange) PlaceLimitOrder(ctx context.Context, order models.LimitOrder, strategyID string) (string, error) {
	symbol := Symbol(order.Pair)
	filters, err := e.symbolFilters(ctx, symbol)
	if err != nil {
		return "", err
	}

	quantity := truncateToStep(order.Amount, filters.step)
	price := truncateToStep(order.Price, filters.tick)
	if !quantity.IsPositive() || !price.IsPositive() {
		return "", fmt.Errorf("binance: order %s rounds to zero (price %s, quantity %s)", order.ID, price, quantity)
	}

	side := binance.SideTypeBuy
	if order.Side == models.Sell {
		side = binance.SideTypeSell
	}

	if err := e.wait(ctx); err != nil {
		return "", err
	}
	resp, err := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(quantity.String()).
		Price(price.String()).
		NewClientOrderID(clientOrderID(order.ID)).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("binance: place order %s: %w", order.ID, err)
	}

	venueID := fmt.Sprintf("%s-%d", symbol, resp.OrderID)
	e.logger.Info("订单已提交",
		zap.String("strategy_id", strategyID),
		zap.String("venue_order_id", venueID),
		zap.String("side", string(side)),
		zap.String("price", price.String()),
		zap.String("quantity", quantity.String()),
		zap.String("status", string(resp.Status)))
	return venueID, nil
}

// CancelOrder 取消一个订单。
func (e *BinanceExchange) CancelOrder(ctx context.Context, venueOrderID string) error {
	symbol, orderID, err := parseVenueOrderID(venueOrderID)
	if err != nil {
		return err
	}
	if err := e.wait(ctx); err != nil {
		return err
	}
	if _, err := e.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx); err != nil {
		return fmt.Errorf("binance: cancel order %s: %w", venueOrderID, err)
	}
	return nil
}

// GetOrderStatus 查询订单状态并映射为引擎的订单状态。
func (e *BinanceExchange) GetOrderStatus(ctx context.Context, venueOrderID, strategyID string) (models.OrderStatus, error) {
	symbol, orderID, err := parseVenueOrderID(venueOrderID)
	if err != nil {
		return "", err
	}
	if err := e.wait(ctx); err != nil {
		return "", err
	}
	o, err := e.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return "", fmt.Errorf("binance: get order %s: %w", venueOrderID, err)
	}
	return mapOrderStatus(string(o.Status))
}

// GetBalance 返回资产的可用余额, 账户中没有该资产时为 0。
func (e *BinanceExchange) GetBalance(ctx context.Context, asset string) (float64, error) {
	if err := e.wait(ctx); err != nil {
		return 0, err
	}
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance: get account: %w", err)
	}
	for _, b := range account.Balances {
		if !strings.EqualFold(b.Asset, asset) {
			continue
		}
		free, err := strconv.ParseFloat(b.Free, 64)
		if err != nil {
			return 0, fmt.Errorf("binance: parse balance %q for %s: %w", b.Free, asset, err)
		}
		return free, nil
	}
	return 0, nil
}

// symbolFilters 获取并缓存交易对的价格与数量精度。
func (e *BinanceExchange) symbolFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	e.mu.RLock()
	f, ok := e.filters[symbol]
	e.mu.RUnlock()
	if ok {
		return f, nil
	}

	if err := e.wait(ctx); err != nil {
		return symbolFilters{}, err
	}
	info, err := e.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return symbolFilters{}, fmt.Errorf("binance: exchange info %s: %w", symbol, err)
	}

	f = symbolFilters{tick: defaultStep, step: defaultStep}
	found := false
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != symbol {
			continue
		}
		found = true
		if pf := s.PriceFilter(); pf != nil {
			if tick, err := decimal.NewFromString(pf.TickSize); err == nil && tick.IsPositive() {
				f.tick = tick
			}
		}
		if lf := s.LotSizeFilter(); lf != nil {
			if step, err := decimal.NewFromString(lf.StepSize); err == nil && step.IsPositive() {
				f.step = step
			}
		}
	}
	if !found {
		return symbolFilters{}, fmt.Errorf("binance: symbol %s not listed", symbol)
	}

	e.mu.Lock()
	e.filters[symbol] = f
	e.mu.Unlock()
	return f, nil
}

// truncateToStep 向下截断到步长的整数倍, 避免浮点数精度问题。
func truncateToStep(value float64, step decimal.Decimal) decimal.Decimal {
	d := decimal.NewFromFloat(value)
	if !step.IsPositive() {
		return d
	}
	return d.Div(step).Floor().Mul(step)
}

// clientOrderID 把订单UUID压缩为 base62, 满足币安 36 字符的限制。
func clientOrderID(orderID string) string {
	id, err := uuid.Parse(orderID)
	if err != nil {
		id = uuid.New()
	}
	return "g" + base62.EncodeToString(id[:])
}

func parseVenueOrderID(venueOrderID string) (string, int64, error) {
	idx := strings.LastIndex(venueOrderID, "-")
	if idx <= 0 || idx == len(venueOrderID)-1 {
		return "", 0, fmt.Errorf("binance: malformed venue order id %q", venueOrderID)
	}
	orderID, err := strconv.ParseInt(venueOrderID[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("binance: malformed venue order id %q: %w", venueOrderID, err)
	}
	return venueOrderID[:idx], orderID, nil
}

func mapOrderStatus(status string) (models.OrderStatus, error) {
	switch status {
	case "NEW", "PARTIALLY_FILLED", "PENDING_NEW", "PENDING_CANCEL":
		return models.OrderPending, nil
	case "FILLED":
		return models.OrderFilled, nil
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return models.OrderCancelled, nil
	case "REJECTED":
		return models.OrderFailed, nil
	default:
		return "", fmt.Errorf("binance: unknown order status %q", status)
	}
}
