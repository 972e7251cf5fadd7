package manager

import (
	"context"
	"fmt"

	"grid-engine-go/internal/executor"
	"grid-engine-go/internal/grid"
	"grid-engine-go/internal/models"

	"go.uber.org/zap"
)

// recover rebuilds executors for strategies persisted as active or paused.
// Each strategy gets its persisted level snapshot, its fill history and the
// grid orders that were still open at the venue. A strategy that cannot be
// rebuilt is logged and left in storage for a manual restart.
func (m *Manager) recover(ctx context.Context) error {
	records, err := m.opts.Store.ListStrategies("")
	if err != nil {
		return fmt.Errorf("list persisted strategies: %w", err)
	}

	recovered := 0
	for _, rec := range records {
		if rec.Status != models.StatusActive && rec.Status != models.StatusPaused {
			continue
		}
		logger := m.logger.With(zap.String("strategy_id", rec.ID), zap.String("pair", rec.Config.Pair))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.opts.Factory == nil {
			logger.Warn("persisted strategy needs a manual restart: no exchange factory configured")
			continue
		}
		if err := m.recoverOne(rec); err != nil {
			logger.Warn("failed to recover strategy, leaving it for a manual restart", zap.Error(err))
			continue
		}
		recovered++
		logger.Info("strategy recovered", zap.String("status", rec.Status))
	}
	if recovered > 0 {
		m.logger.Info("recovery finished", zap.Int("recovered", recovered))
	}
	return nil
}

func (m *Manager) recoverOne(rec models.StrategyRecord) error {
	orders, err := m.opts.Store.ListOrdersByStrategy(rec.ID)
	if err != nil {
		return fmt.Errorf("load orders: %w", err)
	}

	var filled, open []models.LimitOrder
	held := make(map[int]bool)
	for _, o := range orders {
		switch {
		case o.Status == models.OrderFilled:
			filled = append(filled, o)
		case o.Status == models.OrderPending && o.LevelIndex != models.NoLevel && o.VenueOrderID != "":
			open = append(open, o)
			held[o.LevelIndex] = true
		}
	}

	g, err := grid.Restore(rec.Config, rec.Levels, filled)
	if err != nil {
		return err
	}
	// A fired level without an open order lost its order in the shutdown.
	for _, level := range g.Levels() {
		if level.Filled && !held[level.Index] {
			g.Release(level.Index)
		}
	}

	adapter, err := m.opts.Factory(rec.Config.Exchange, rec.Config)
	if err != nil {
		return fmt.Errorf("build adapter %q: %w", rec.Config.Exchange, err)
	}

	ex := executor.New(rec.ID, g, adapter, m.executorOptions()).WithActiveOrders(open)
	if rec.Status == models.StatusPaused {
		if err := ex.Pause(); err != nil {
			return err
		}
	}

	limit := m.opts.Engine.MaxConcurrentStrategies
	if !m.executors.InsertIf(rec.ID, ex, func(size int) bool { return size < limit }) {
		return fmt.Errorf("%w: limit is %d", models.ErrTooManyStrategies, limit)
	}
	m.monitor.Register(rec.ID, adapter)
	m.launch(ex)
	return nil
}
