// Package monitor runs the shared price loop that executes manual limit
// intents once their threshold is crossed.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/executor"
	"grid-engine-go/internal/metrics"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/persistence"
	"grid-engine-go/internal/registry"

	"github.com/alitto/pond"
	"go.uber.org/zap"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultWorkers  = 4
)

// FillHandler receives every order the monitor saw fill.
type FillHandler func(order models.LimitOrder)

// Options configure a PriceMonitor.
type Options struct {
	Interval time.Duration
	Workers  int
	Poll     executor.PollPolicy
	Store    persistence.Store
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	OnFill   FillHandler
}

// TickReport summarizes one tick.
type TickReport struct {
	Pairs       int
	PriceErrors int
	Executed    int
	Failed      int
	Reconciled  int
}

func (r *TickReport) add(o TickReport) {
	r.PriceErrors += o.PriceErrors
	r.Executed += o.Executed
	r.Failed += o.Failed
	r.Reconciled += o.Reconciled
}

// PriceMonitor polls prices for pairs with open manual intents. Pairs are
// processed concurrently on a bounded worker pool; each tick waits for all
// of its pair tasks before returning.
type PriceMonitor struct {
	opts     Options
	adapters *registry.Registry[string, exchange.Adapter] // by strategy id
	prices   *registry.Registry[string, float64]          // last known price by pair
	pool     *pond.WorkerPool
	logger   *zap.Logger

	closeOnce sync.Once
}

// New creates a monitor. Options.Store is required.
func New(opts Options) *PriceMonitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("price_monitor")

	pool := pond.New(
		opts.Workers,
		1000,
		pond.MinWorkers(1),
		pond.IdleTimeout(time.Minute),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("price monitor task panicked", zap.Any("panic", p))
		}),
	)

	return &PriceMonitor{
		opts:     opts,
		adapters: registry.New[string, exchange.Adapter](),
		prices:   registry.New[string, float64](),
		pool:     pool,
		logger:   logger,
	}
}

// Register makes a strategy's adapter available for pricing and execution.
func (m *PriceMonitor) Register(strategyID string, adapter exchange.Adapter) {
	m.adapters.Insert(strategyID, adapter)
}

// Unregister drops a strategy's adapter.
func (m *PriceMonitor) Unregister(strategyID string) {
	m.adapters.Remove(strategyID)
}

// Registered reports whether a strategy has an adapter registered.
func (m *PriceMonitor) Registered(strategyID string) bool {
	_, ok := m.adapters.Get(strategyID)
	return ok
}

// Run ticks until ctx is cancelled.
func (m *PriceMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.logger.Info("price monitor started", zap.Duration("interval", m.opts.Interval), zap.Int("workers", m.opts.Workers))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("price monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Close waits for queued tasks and releases the worker pool.
func (m *PriceMonitor) Close() {
	m.closeOnce.Do(m.pool.StopAndWait)
}

// Tick processes every pending manual intent once.
func (m *PriceMonitor) Tick(ctx context.Context) TickReport {
	defer m.opts.Metrics.TickCompleted()

	var report TickReport
	orders, err := m.opts.Store.ListOrdersByStatus(models.OrderPending)
	if err != nil {
		m.logger.Error("failed to load pending orders", zap.Error(err))
		return report
	}

	var pairs []string
	batches := make(map[string][]models.LimitOrder)
	for _, o := range orders {
		// Grid orders belong to their executor's reconciliation.
		if o.LevelIndex != models.NoLevel {
			continue
		}
		if _, ok := batches[o.Pair]; !ok {
			pairs = append(pairs, o.Pair)
		}
		batches[o.Pair] = append(batches[o.Pair], o)
	}
	report.Pairs = len(pairs)
	if len(pairs) == 0 {
		return report
	}

	var mu sync.Mutex
	group := m.pool.Group()
	for _, pair := range pairs {
		pair, batch := pair, batches[pair]
		group.Submit(func() {
			r := m.processPair(ctx, pair, batch)
			mu.Lock()
			report.add(r)
			mu.Unlock()
		})
	}
	group.Wait()

	if report.Executed+report.Failed+report.Reconciled > 0 || report.PriceErrors > 0 {
		m.logger.Info("price monitor tick",
			zap.Int("pairs", report.Pairs),
			zap.Int("executed", report.Executed),
			zap.Int("failed", report.Failed),
			zap.Int("reconciled", report.Reconciled),
			zap.Int("price_errors", report.PriceErrors))
	}
	return report
}

func (m *PriceMonitor) processPair(ctx context.Context, pair string, batch []models.LimitOrder) TickReport {
	var report TickReport
	logger := m.logger.With(zap.String("pair", pair))

	price, priceErr := m.resolvePrice(ctx, pair, batch)
	if priceErr != nil {
		report.PriceErrors++
		m.opts.Metrics.PriceFailure(metrics.SourceMonitor)
		logger.Warn("no price for pair, skipping its intents this tick", zap.Error(priceErr))
	}

	for _, order := range batch {
		if order.VenueOrderID != "" {
			if m.reconcileOrder(ctx, order) {
				report.Reconciled++
			}
			continue
		}
		if priceErr != nil || !order.Crosses(price) {
			continue
		}
		switch m.executeOrder(ctx, order) {
		case models.OrderFilled:
			report.Executed++
		case models.OrderFailed, models.OrderCancelled:
			report.Failed++
		}
	}
	return report
}

// resolvePrice asks the adapter of the first strategy in batch that has one
// registered. Strategies on the same pair are assumed to share a compatible
// price source. The cached price covers a missing adapter or a failed fetch.
func (m *PriceMonitor) resolvePrice(ctx context.Context, pair string, batch []models.LimitOrder) (float64, error) {
	var fetchErr error
	for _, o := range batch {
		adapter, ok := m.adapters.Get(o.StrategyID)
		if !ok {
			continue
		}
		price, err := adapter.GetPrice(ctx, pair)
		if err == nil {
			m.prices.Insert(pair, price)
			return price, nil
		}
		fetchErr = err
		break
	}
	if price, ok := m.prices.Get(pair); ok {
		return price, nil
	}
	if fetchErr != nil {
		return 0, fmt.Errorf("%w: %s: %w", models.ErrPriceUnavailable, pair, fetchErr)
	}
	return 0, fmt.Errorf("%w: %s: no adapter registered", models.ErrPriceUnavailable, pair)
}

// executeOrder submits a crossed intent through its own strategy's adapter.
// The returned status is the order's persisted status afterwards.
func (m *PriceMonitor) executeOrder(ctx context.Context, order models.LimitOrder) models.OrderStatus {
	adapter, ok := m.adapters.Get(order.StrategyID)
	if !ok {
		m.logger.Warn("no adapter for intent's strategy, leaving it pending",
			zap.String("order_id", order.ID), zap.String("strategy_id", order.StrategyID))
		return models.OrderPending
	}

	runner := executor.NewOrderRunner(adapter, m.opts.Poll, metrics.SourceMonitor, m.opts.Metrics, m.logger)
	res, err := runner.Execute(ctx, order, order.StrategyID, func(venueID string) {
		order.VenueOrderID = venueID
		order.UpdatedAt = time.Now()
		m.save(&order)
	})
	order.VenueOrderID = res.VenueOrderID

	switch {
	case err == nil:
		now := time.Now()
		order.Status = models.OrderFilled
		order.SettlementRef = res.SettlementRef
		order.FilledAt = &now
		order.UpdatedAt = now
		m.save(&order)
		m.notify(order)
		return models.OrderFilled
	case res.Submitted() && (errors.Is(err, models.ErrOrderTimeout) || errors.Is(err, models.ErrOrderStatus)):
		// Saved with its venue id on submission; reconciled on later ticks.
		return models.OrderPending
	default:
		order.Status = models.OrderFailed
		if errors.Is(err, models.ErrOrderCancelled) {
			order.Status = models.OrderCancelled
		}
		order.UpdatedAt = time.Now()
		m.save(&order)
		return order.Status
	}
}

// reconcileOrder checks an intent that was submitted on an earlier tick.
func (m *PriceMonitor) reconcileOrder(ctx context.Context, order models.LimitOrder) bool {
	adapter, ok := m.adapters.Get(order.StrategyID)
	if !ok {
		return false
	}
	status, err := adapter.GetOrderStatus(ctx, order.VenueOrderID, order.StrategyID)
	if err != nil {
		m.logger.Warn("intent status query failed",
			zap.String("order_id", order.ID), zap.String("venue_order_id", order.VenueOrderID), zap.Error(err))
		return false
	}

	switch status {
	case models.OrderPending:
		return false
	case models.OrderFilled:
		ref := executor.SettlementRef(order.VenueOrderID)
		if err := m.opts.Store.UpdateOrderStatus(order.ID, models.OrderFilled, ref); err != nil {
			m.logger.Error("failed to update intent status", zap.String("order_id", order.ID), zap.Error(err))
		}
		now := time.Now()
		order.Status = models.OrderFilled
		order.SettlementRef = ref
		order.FilledAt = &now
		m.opts.Metrics.OrderOutcome(metrics.SourceMonitor, "filled")
		m.notify(order)
	default:
		if err := m.opts.Store.UpdateOrderStatus(order.ID, status, ""); err != nil {
			m.logger.Error("failed to update intent status", zap.String("order_id", order.ID), zap.Error(err))
		}
		m.logger.Warn("intent ended without fill", zap.String("order_id", order.ID), zap.String("status", string(status)))
	}
	return true
}

// GetPrice returns a live price from any registered adapter, falling back to
// the cached price for pair.
func (m *PriceMonitor) GetPrice(ctx context.Context, pair string) (float64, error) {
	var fetchErr error
	for _, id := range m.adapters.SortedKeys(func(a, b string) bool { return a < b }) {
		adapter, ok := m.adapters.Get(id)
		if !ok {
			continue
		}
		price, err := adapter.GetPrice(ctx, pair)
		if err == nil {
			m.prices.Insert(pair, price)
			return price, nil
		}
		fetchErr = err
		break
	}
	if price, ok := m.prices.Get(pair); ok {
		return price, nil
	}
	if fetchErr != nil {
		return 0, fmt.Errorf("%w: %s: %w", models.ErrPriceUnavailable, pair, fetchErr)
	}
	return 0, fmt.Errorf("%w: %s", models.ErrPriceUnavailable, pair)
}

func (m *PriceMonitor) save(order *models.LimitOrder) {
	if err := m.opts.Store.SaveOrder(order); err != nil {
		m.logger.Error("failed to save intent", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (m *PriceMonitor) notify(order models.LimitOrder) {
	if m.opts.OnFill != nil {
		m.opts.OnFill(order)
	}
}
