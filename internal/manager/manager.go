// Package manager owns the set of live strategies and the shared price monitor.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/executor"
	"grid-engine-go/internal/grid"
	"grid-engine-go/internal/metrics"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/monitor"
	"grid-engine-go/internal/persistence"
	"grid-engine-go/internal/registry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultMaxStrategies = 10

// Options configure a Manager.
type Options struct {
	Engine models.EngineConfig
	Store  persistence.Store
	// Factory builds adapters for strategies started by venue name and for
	// recovery. Without it, persisted strategies are not recovered.
	Factory exchange.Factory
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Manager starts, controls and recovers strategies.
type Manager struct {
	opts      Options
	logger    *zap.Logger
	executors *registry.Registry[string, *executor.StrategyExecutor]
	monitor   *monitor.PriceMonitor

	ctx    context.Context // parent of every executor loop
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a manager. Call Start to launch the price monitor and recover
// persisted strategies.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Engine.MaxConcurrentStrategies <= 0 {
		opts.Engine.MaxConcurrentStrategies = DefaultMaxStrategies
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:      opts,
		logger:    opts.Logger.Named("manager"),
		executors: registry.New[string, *executor.StrategyExecutor](),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.monitor = monitor.New(monitor.Options{
		Interval: opts.Engine.MonitorInterval(),
		Workers:  opts.Engine.MonitorWorkers,
		Poll:     m.pollPolicy(),
		Store:    opts.Store,
		Metrics:  opts.Metrics,
		Logger:   opts.Logger,
		OnFill:   m.handleMonitorFill,
	})
	return m
}

func (m *Manager) pollPolicy() executor.PollPolicy {
	return executor.PollPolicy{
		Attempts: m.opts.Engine.OrderPollAttempts,
		Delay:    m.opts.Engine.OrderPollDelay(),
	}
}

func (m *Manager) executorOptions() executor.Options {
	return executor.Options{
		CycleInterval:    m.opts.Engine.CycleInterval(),
		Poll:             m.pollPolicy(),
		MaxPriceFailures: m.opts.Engine.MaxPriceFailures,
		Store:            m.opts.Store,
		Metrics:          m.opts.Metrics,
		Logger:           m.opts.Logger,
	}
}

// Start launches the price monitor and, when RecoverOnStart is set, rebuilds
// strategies persisted as active or paused.
func (m *Manager) Start(ctx context.Context) error {
	var err error
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.monitor.Run(m.ctx)
		}()
		if m.opts.Engine.RecoverOnStart {
			err = m.recover(ctx)
		}
	})
	return err
}

// Stop shuts the manager down. Executor loops are interrupted without a
// lifecycle transition so that their strategies are recovered on the next
// start. It waits for every loop to exit or for ctx to end.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.logger.Info("stopping strategy manager", zap.Int("strategies", m.executors.Len()))
		m.cancel()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("waiting for strategy loops: %w", ctx.Err())
			return
		}
		m.monitor.Close()
		m.logger.Info("strategy manager stopped")
	})
	return err
}

// StartStrategy validates cfg, persists a new strategy and launches its
// executor on adapter. Every call creates a new strategy id.
func (m *Manager) StartStrategy(cfg models.GridConfig, adapter exchange.Adapter) (string, error) {
	g, err := grid.New(cfg)
	if err != nil {
		return "", err
	}
	if cfg.Exchange == "" {
		cfg.Exchange = adapter.Name()
	}

	id := uuid.NewString()
	ex := executor.New(id, g, adapter, m.executorOptions())

	limit := m.opts.Engine.MaxConcurrentStrategies
	if !m.executors.InsertIf(id, ex, func(size int) bool { return size < limit }) {
		return "", fmt.Errorf("%w: limit is %d", models.ErrTooManyStrategies, limit)
	}

	now := time.Now()
	rec := &models.StrategyRecord{
		ID:        id,
		Config:    cfg,
		Status:    models.StatusActive,
		Levels:    g.Levels(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.opts.Store.SaveStrategy(rec); err != nil {
		m.executors.Remove(id)
		return "", fmt.Errorf("persist strategy: %w", err)
	}

	m.monitor.Register(id, adapter)
	m.launch(ex)
	m.logger.Info("strategy started",
		zap.String("strategy_id", id),
		zap.String("pair", cfg.Pair),
		zap.String("exchange", adapter.Name()),
		zap.Float64("lower", cfg.LowerPrice),
		zap.Float64("upper", cfg.UpperPrice),
		zap.Int("grids", cfg.GridCount))
	return id, nil
}

// StartStrategyOn starts a strategy on the venue named by cfg.Exchange,
// building the adapter through the configured factory.
func (m *Manager) StartStrategyOn(cfg models.GridConfig) (string, error) {
	if m.opts.Factory == nil {
		return "", errors.New("no exchange factory configured")
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	adapter, err := m.opts.Factory(cfg.Exchange, cfg)
	if err != nil {
		return "", fmt.Errorf("build adapter %q: %w", cfg.Exchange, err)
	}
	return m.StartStrategy(cfg, adapter)
}

func (m *Manager) launch(ex *executor.StrategyExecutor) {
	m.opts.Metrics.SetRunningStrategies(m.executors.Len())
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ex.Run(m.ctx)
	}()
}

// StopStrategy stops a strategy and records it as stopped. Stopping a
// strategy that is only known to storage is not an error.
func (m *Manager) StopStrategy(id string) error {
	ex, ok := m.executors.Remove(id)
	if !ok {
		rec, err := m.opts.Store.GetStrategy(id)
		if errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("%w: %s", models.ErrStrategyNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("load strategy %s: %w", id, err)
		}
		if rec.Status != models.StatusStopped {
			return m.persistStatus(id, models.StatusStopped, rec.Reason)
		}
		return nil
	}

	ex.Stop()
	m.monitor.Unregister(id)
	m.opts.Metrics.SetRunningStrategies(m.executors.Len())
	m.cancelOpenIntents(id)

	reason := ex.Snapshot().Reason
	if err := m.persistStatus(id, models.StatusStopped, reason); err != nil {
		return err
	}
	m.logger.Info("strategy stopped", zap.String("strategy_id", id))
	return nil
}

// cancelOpenIntents drops manual intents that were never submitted; nothing
// would execute them once the strategy's adapter is unregistered.
func (m *Manager) cancelOpenIntents(id string) {
	orders, err := m.opts.Store.ListOrdersByStrategy(id)
	if err != nil {
		m.logger.Warn("failed to list orders of stopped strategy", zap.String("strategy_id", id), zap.Error(err))
		return
	}
	for _, o := range orders {
		if o.Status != models.OrderPending || o.VenueOrderID != "" {
			continue
		}
		if err := m.opts.Store.UpdateOrderStatus(o.ID, models.OrderCancelled, ""); err != nil {
			m.logger.Warn("failed to cancel intent", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
}

// PauseStrategy stops new cycles for a live strategy.
func (m *Manager) PauseStrategy(id string) error {
	ex, err := m.live(id)
	if err != nil {
		return err
	}
	if err := ex.Pause(); err != nil {
		return err
	}
	return m.persistStatus(id, models.StatusPaused, "")
}

// ResumeStrategy restarts cycles for a paused strategy.
func (m *Manager) ResumeStrategy(id string) error {
	ex, err := m.live(id)
	if err != nil {
		return err
	}
	if err := ex.Resume(); err != nil {
		return err
	}
	return m.persistStatus(id, models.StatusActive, "")
}

// GetStrategyStatus returns a snapshot of a live strategy.
func (m *Manager) GetStrategyStatus(id string) (models.StrategyStatus, error) {
	ex, err := m.live(id)
	if err != nil {
		return models.StrategyStatus{}, err
	}
	return ex.Snapshot(), nil
}

// ListStrategies returns snapshots of all live strategies, oldest first.
func (m *Manager) ListStrategies() []models.StrategyStatus {
	executors := m.executors.Values()
	out := make([]models.StrategyStatus, 0, len(executors))
	for _, ex := range executors {
		out = append(out, ex.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// GetPrice returns the current price of pair through any registered venue.
func (m *Manager) GetPrice(ctx context.Context, pair string) (float64, error) {
	if _, _, err := models.ParsePair(pair); err != nil {
		return 0, err
	}
	return m.monitor.GetPrice(ctx, pair)
}

// TradeHistory returns a strategy's most recent trades, newest first.
func (m *Manager) TradeHistory(id string, limit int) ([]models.TradeRecord, error) {
	if _, ok := m.executors.Get(id); !ok {
		if _, err := m.opts.Store.GetStrategy(id); err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", models.ErrStrategyNotFound, id)
			}
			return nil, err
		}
	}
	return m.opts.Store.ListTrades(id, limit)
}

// PlaceLimitOrder records a manual limit intent for a live strategy. The price
// monitor submits it once the market crosses price.
func (m *Manager) PlaceLimitOrder(id string, side models.Side, price, amount float64) (models.LimitOrder, error) {
	ex, err := m.live(id)
	if err != nil {
		return models.LimitOrder{}, err
	}
	if ex.State().IsTerminal() {
		return models.LimitOrder{}, fmt.Errorf("%w: %s is %s", models.ErrStrategyNotActive, id, ex.State())
	}
	if side != models.Buy && side != models.Sell {
		return models.LimitOrder{}, fmt.Errorf("%w: side must be BUY or SELL, got %q", models.ErrInvalidConfig, side)
	}
	if !(price > 0) || !(amount > 0) {
		return models.LimitOrder{}, fmt.Errorf("%w: price and amount must be positive", models.ErrInvalidConfig)
	}

	now := time.Now()
	order := models.LimitOrder{
		ID:         uuid.NewString(),
		StrategyID: id,
		Pair:       ex.Config().Pair,
		Side:       side,
		Price:      price,
		Amount:     amount,
		Status:     models.OrderPending,
		LevelIndex: models.NoLevel,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.opts.Store.SaveOrder(&order); err != nil {
		return models.LimitOrder{}, fmt.Errorf("persist intent: %w", err)
	}
	m.logger.Info("limit intent placed",
		zap.String("strategy_id", id), zap.String("order_id", order.ID),
		zap.String("side", string(side)), zap.Float64("price", price), zap.Float64("amount", amount))
	return order, nil
}

// Wait blocks until the strategy's loop has exited.
func (m *Manager) Wait(ctx context.Context, id string) error {
	ex, err := m.live(id)
	if err != nil {
		return err
	}
	select {
	case <-ex.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) live(id string) (*executor.StrategyExecutor, error) {
	ex, ok := m.executors.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrStrategyNotFound, id)
	}
	return ex, nil
}

func (m *Manager) handleMonitorFill(order models.LimitOrder) {
	ex, ok := m.executors.Get(order.StrategyID)
	if !ok {
		m.logger.Warn("fill for a strategy that is no longer live",
			zap.String("strategy_id", order.StrategyID), zap.String("order_id", order.ID))
		return
	}
	ex.ApplyFill(order)
}

func (m *Manager) persistStatus(id, status, reason string) error {
	if err := m.opts.Store.UpdateStrategyStatus(id, status, reason); err != nil {
		return fmt.Errorf("persist status of %s: %w", id, err)
	}
	return nil
}
