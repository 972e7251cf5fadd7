// Package executor drives one grid strategy: it fetches the price each cycle,
// fires crossed levels, runs the resulting orders and reconciles orders that
// were still pending when polling gave up.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/grid"
	"grid-engine-go/internal/metrics"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/persistence"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultCycleInterval = 5 * time.Second

// Options tune an executor. Zero values fall back to defaults.
type Options struct {
	CycleInterval time.Duration
	Poll          PollPolicy
	// MaxPriceFailures moves the strategy to error after that many consecutive
	// failed price fetches. Zero never escalates.
	MaxPriceFailures int
	Store            persistence.Store
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	Price      float64
	PriceErr   error
	Fired      int
	Filled     int
	Failed     int
	Held       int // submitted but still pending, kept for reconciliation
	Reconciled int // pending orders from earlier cycles that reached a terminal state
}

// StrategyExecutor owns one strategy's grid and lifecycle.
type StrategyExecutor struct {
	id      string
	adapter exchange.Adapter
	runner  *OrderRunner
	opts    Options
	logger  *zap.Logger

	state atomic.Int32
	wake  chan struct{}
	done  chan struct{}

	cycleMu sync.Mutex // serializes cycles

	mu            sync.Mutex // guards the fields below
	grid          *grid.Grid
	active        []models.LimitOrder
	reason        string
	lastPrice     float64
	priceFailures int
	startedAt     time.Time
}

// New builds an executor over an existing grid. The executor starts Running.
func New(id string, g *grid.Grid, adapter exchange.Adapter, opts Options) *StrategyExecutor {
	if opts.CycleInterval <= 0 {
		opts.CycleInterval = DefaultCycleInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(zap.String("strategy_id", id), zap.String("pair", g.Config().Pair))

	e := &StrategyExecutor{
		id:        id,
		adapter:   adapter,
		runner:    NewOrderRunner(adapter, opts.Poll, metrics.SourceExecutor, opts.Metrics, logger),
		opts:      opts,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		grid:      g,
		startedAt: time.Now(),
	}
	e.state.Store(int32(models.StateRunning))
	return e
}

// WithActiveOrders seeds the reconciliation set, used when recovering a
// strategy whose submitted orders were still pending at shutdown.
func (e *StrategyExecutor) WithActiveOrders(orders []models.LimitOrder) *StrategyExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range orders {
		if o.Status == models.OrderPending && o.VenueOrderID != "" {
			e.active = append(e.active, o)
		}
	}
	return e
}

func (e *StrategyExecutor) ID() string { return e.id }

func (e *StrategyExecutor) Adapter() exchange.Adapter { return e.adapter }

func (e *StrategyExecutor) Config() models.GridConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.grid.Config()
}

func (e *StrategyExecutor) State() models.StrategyState {
	return models.StrategyState(e.state.Load())
}

// Done is closed when Run returns.
func (e *StrategyExecutor) Done() <-chan struct{} { return e.done }

// Pause stops new cycles. Pausing a paused strategy is a no-op.
func (e *StrategyExecutor) Pause() error {
	if e.state.CompareAndSwap(int32(models.StateRunning), int32(models.StatePaused)) {
		e.logger.Info("strategy paused")
		return nil
	}
	if e.State() == models.StatePaused {
		return nil
	}
	return fmt.Errorf("pause %s: %w (%s)", e.id, models.ErrStrategyNotActive, e.State())
}

// Resume restarts cycles on a paused strategy.
func (e *StrategyExecutor) Resume() error {
	if e.state.CompareAndSwap(int32(models.StatePaused), int32(models.StateRunning)) {
		e.logger.Info("strategy resumed")
		e.signal()
		return nil
	}
	if e.State() == models.StateRunning {
		return nil
	}
	return fmt.Errorf("resume %s: %w (%s)", e.id, models.ErrStrategyNotActive, e.State())
}

// Stop moves the strategy to Stopped. A cycle already in flight finishes.
// An errored strategy keeps its error state.
func (e *StrategyExecutor) Stop() {
	for {
		cur := e.state.Load()
		if models.StrategyState(cur).IsTerminal() {
			break
		}
		if e.state.CompareAndSwap(cur, int32(models.StateStopped)) {
			e.logger.Info("strategy stopped")
			break
		}
	}
	e.signal()
}

func (e *StrategyExecutor) fail(reason string) {
	for {
		cur := e.state.Load()
		if models.StrategyState(cur).IsTerminal() {
			e.logger.Warn("cycle failed after strategy ended", zap.String("reason", reason))
			return
		}
		if e.state.CompareAndSwap(cur, int32(models.StateError)) {
			break
		}
	}
	e.mu.Lock()
	e.reason = reason
	e.mu.Unlock()
	e.logger.Error("strategy moved to error state", zap.String("reason", reason))
	e.persistStatus()
	e.signal()
}

func (e *StrategyExecutor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run executes cycles until the strategy stops, errors or ctx is cancelled.
// The first cycle runs immediately.
func (e *StrategyExecutor) Run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.opts.CycleInterval)
	defer ticker.Stop()

	e.logger.Info("strategy executor started", zap.Duration("interval", e.opts.CycleInterval))
	for {
		if e.State() == models.StateRunning {
			e.safeCycle(ctx)
		}
		if e.State().IsTerminal() {
			e.logger.Info("strategy executor exited", zap.Stringer("state", e.State()))
			return
		}
		select {
		case <-ctx.Done():
			e.logger.Info("strategy executor interrupted", zap.Error(ctx.Err()))
			return
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

func (e *StrategyExecutor) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.opts.Metrics.CycleCompleted("fatal")
			e.fail(fmt.Sprintf("panic in cycle: %v", r))
		}
	}()
	if _, err := e.RunCycle(ctx); err != nil {
		e.fail(err.Error())
	}
}

// RunCycle performs one cycle. It returns an error only for failures that
// must end the strategy; a missing price is reported in CycleReport.PriceErr.
func (e *StrategyExecutor) RunCycle(ctx context.Context) (CycleReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	var report CycleReport
	cfg := e.Config()

	price, err := e.adapter.GetPrice(ctx, cfg.Pair)
	if err != nil {
		report.PriceErr = err
		e.opts.Metrics.PriceFailure(metrics.SourceExecutor)
		e.mu.Lock()
		e.priceFailures++
		failures := e.priceFailures
		e.mu.Unlock()

		e.logger.Warn("price fetch failed, skipping cycle", zap.Int("consecutive", failures), zap.Error(err))
		if e.opts.MaxPriceFailures > 0 && failures >= e.opts.MaxPriceFailures {
			e.opts.Metrics.CycleCompleted("fatal")
			return report, fmt.Errorf("%w: %d consecutive failures: %w", models.ErrPriceUnavailable, failures, err)
		}
		e.opts.Metrics.CycleCompleted("price_error")
		return report, nil
	}
	report.Price = price

	e.mu.Lock()
	e.priceFailures = 0
	e.lastPrice = price
	previous := append([]models.LimitOrder(nil), e.active...)
	fired := e.grid.LevelsCrossed(price)
	e.mu.Unlock()

	report.Fired = len(fired)
	if len(fired) > 0 {
		e.logger.Info("levels crossed", zap.Float64("price", price), zap.Int("count", len(fired)))
	}

	changed := len(fired) > 0
	for _, level := range fired {
		order := models.LimitOrder{
			ID:         uuid.NewString(),
			StrategyID: e.id,
			Pair:       cfg.Pair,
			Side:       level.OrderType,
			Price:      level.Price,
			Amount:     level.Amount,
			Status:     models.OrderPending,
			LevelIndex: level.Index,
			CreatedAt:  time.Now(),
		}
		switch e.executeOrder(ctx, order) {
		case models.OrderFilled:
			report.Filled++
		case models.OrderPending:
			report.Held++
		default:
			report.Failed++
		}
	}

	if len(previous) > 0 {
		n := e.reconcile(ctx, previous)
		report.Reconciled = n
		changed = changed || n > 0
	}

	if changed {
		e.persistLevels()
	}
	e.opts.Metrics.CycleCompleted("ok")
	return report, nil
}

// executeOrder runs one fired order and settles its level. It returns the
// order's final local status.
func (e *StrategyExecutor) executeOrder(ctx context.Context, order models.LimitOrder) models.OrderStatus {
	saved := false
	res, err := e.runner.Execute(ctx, order, e.id, func(venueID string) {
		order.VenueOrderID = venueID
		order.UpdatedAt = time.Now()
		e.saveOrder(&order)
		saved = true
	})
	order.VenueOrderID = res.VenueOrderID

	switch {
	case err == nil:
		order.SettlementRef = res.SettlementRef
		e.settleFill(order, saved)
		return models.OrderFilled

	case res.Submitted() && (errors.Is(err, models.ErrOrderTimeout) || errors.Is(err, models.ErrOrderStatus)):
		// The venue may still fill it; keep the level held and reconcile later.
		e.mu.Lock()
		e.active = append(e.active, order)
		e.mu.Unlock()
		return models.OrderPending

	default:
		status := models.OrderFailed
		if errors.Is(err, models.ErrOrderCancelled) {
			status = models.OrderCancelled
		}
		e.mu.Lock()
		e.grid.Release(order.LevelIndex)
		e.mu.Unlock()

		order.Status = status
		order.UpdatedAt = time.Now()
		if saved {
			e.updateOrderStatus(order.ID, status, "")
		} else {
			e.saveOrder(&order)
		}
		return status
	}
}

// reconcile polls each previously pending order once.
func (e *StrategyExecutor) reconcile(ctx context.Context, orders []models.LimitOrder) int {
	settled := 0
	for _, order := range orders {
		status, err := e.adapter.GetOrderStatus(ctx, order.VenueOrderID, e.id)
		if err != nil {
			e.logger.Warn("reconcile status query failed",
				zap.String("order_id", order.ID), zap.String("venue_order_id", order.VenueOrderID), zap.Error(err))
			continue
		}
		switch status {
		case models.OrderPending:
			continue
		case models.OrderFilled:
			e.removeActive(order.ID)
			order.SettlementRef = SettlementRef(order.VenueOrderID)
			e.settleFill(order, true)
			e.opts.Metrics.OrderOutcome(metrics.SourceExecutor, "filled")
		default:
			e.removeActive(order.ID)
			e.mu.Lock()
			e.grid.Release(order.LevelIndex)
			e.mu.Unlock()
			e.updateOrderStatus(order.ID, status, "")
			e.logger.Warn("pending order ended without fill",
				zap.String("order_id", order.ID), zap.String("status", string(status)))
		}
		settled++
	}
	return settled
}

func (e *StrategyExecutor) removeActive(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.active[:0]
	for _, o := range e.active {
		if o.ID != orderID {
			kept = append(kept, o)
		}
	}
	e.active = kept
}

// settleFill applies a filled order to the grid and records the trade.
func (e *StrategyExecutor) settleFill(order models.LimitOrder, saved bool) {
	now := time.Now()
	order.Status = models.OrderFilled
	order.FilledAt = &now
	order.UpdatedAt = now

	e.mu.Lock()
	before := e.grid.ProfitEstimate()
	if !e.grid.OnFilled(order) {
		e.logger.Warn("fill matched no level", zap.String("order_id", order.ID), zap.Float64("price", order.Price))
	}
	profit := e.grid.ProfitEstimate() - before
	e.mu.Unlock()

	if saved {
		e.updateOrderStatus(order.ID, models.OrderFilled, order.SettlementRef)
	} else {
		e.saveOrder(&order)
	}
	e.appendTrade(order, profit)
}

// ApplyFill feeds a fill observed outside the cycle, such as a manual order
// executed by the price monitor, back into the grid. It only takes the grid
// lock, so it never waits for a cycle that is polling orders.
func (e *StrategyExecutor) ApplyFill(order models.LimitOrder) {
	now := time.Now()
	order.Status = models.OrderFilled
	if order.FilledAt == nil {
		order.FilledAt = &now
	}

	e.mu.Lock()
	before := e.grid.ProfitEstimate()
	e.grid.OnFilled(order)
	profit := e.grid.ProfitEstimate() - before
	e.mu.Unlock()

	e.appendTrade(order, profit)
	e.persistLevels()
}

// Snapshot returns the strategy's current status without waiting for a cycle.
func (e *StrategyExecutor) Snapshot() models.StrategyStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.StrategyStatus{
		ID:           e.id,
		Config:       e.grid.Config(),
		Levels:       e.grid.Levels(),
		State:        e.State(),
		Reason:       e.reason,
		LastPrice:    e.lastPrice,
		ActiveOrders: append([]models.LimitOrder{}, e.active...),
		FilledOrders: e.grid.FilledOrders(),
		Statistics:   e.grid.Statistics(),
		StartedAt:    e.startedAt,
	}
}

// --- persistence, best effort ---

func (e *StrategyExecutor) saveOrder(order *models.LimitOrder) {
	if e.opts.Store == nil {
		return
	}
	if err := e.opts.Store.SaveOrder(order); err != nil {
		e.logger.Error("failed to save order", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (e *StrategyExecutor) updateOrderStatus(id string, status models.OrderStatus, ref string) {
	if e.opts.Store == nil {
		return
	}
	if err := e.opts.Store.UpdateOrderStatus(id, status, ref); err != nil {
		e.logger.Error("failed to update order status", zap.String("order_id", id), zap.Error(err))
	}
}

func (e *StrategyExecutor) appendTrade(order models.LimitOrder, profit float64) {
	if e.opts.Store == nil {
		return
	}
	executedAt := time.Now()
	if order.FilledAt != nil {
		executedAt = *order.FilledAt
	}
	trade := &models.TradeRecord{
		ID:            uuid.NewString(),
		StrategyID:    e.id,
		OrderID:       order.ID,
		Pair:          order.Pair,
		Side:          order.Side,
		Price:         order.Price,
		Amount:        order.Amount,
		Profit:        profit,
		SettlementRef: order.SettlementRef,
		ExecutedAt:    executedAt,
	}
	if err := e.opts.Store.AppendTrade(trade); err != nil {
		e.logger.Error("failed to append trade", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (e *StrategyExecutor) persistLevels() {
	if e.opts.Store == nil {
		return
	}
	e.mu.Lock()
	levels := e.grid.Levels()
	profit := e.grid.ProfitEstimate()
	e.mu.Unlock()
	if err := e.opts.Store.UpdateStrategyLevels(e.id, levels, profit); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		e.logger.Error("failed to persist levels", zap.Error(err))
	}
}

func (e *StrategyExecutor) persistStatus() {
	if e.opts.Store == nil {
		return
	}
	e.mu.Lock()
	reason := e.reason
	e.mu.Unlock()
	if err := e.opts.Store.UpdateStrategyStatus(e.id, e.State().PersistedStatus(), reason); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		e.logger.Error("failed to persist status", zap.Error(err))
	}
}
