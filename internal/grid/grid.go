// Package grid holds the pure grid model: level derivation, threshold firing,
// re-arming on fills and the profit heuristic. It performs no I/O.
package grid

import (
	"fmt"
	"math"

	"grid-engine-go/internal/models"
)

// PriceEpsilon is the absolute tolerance used when a fill has to be matched to a
// level by price. Fills that carry their level index never use it.
const PriceEpsilon = 0.001

// ComputeLevels derives GridCount evenly spaced levels between the bounds.
// The lower floor(GridCount/2) indices are tagged Buy and the rest Sell,
// whatever the current market price is.
func ComputeLevels(cfg models.GridConfig) []models.GridLevel {
	n := cfg.GridCount
	if n < 1 {
		return nil
	}
	amount := cfg.AmountPerLevel()
	buys := n / 2

	levels := make([]models.GridLevel, n)
	step := 0.0
	if n > 1 {
		step = (cfg.UpperPrice - cfg.LowerPrice) / float64(n-1)
	}
	for i := 0; i < n; i++ {
		price := cfg.LowerPrice + float64(i)*step
		if n > 1 && i == n-1 {
			price = cfg.UpperPrice
		}
		side := models.Sell
		if i < buys {
			side = models.Buy
		}
		levels[i] = models.GridLevel{
			Index:     i,
			Price:     price,
			Amount:    amount,
			OrderType: side,
		}
	}
	return levels
}

// Grid owns one strategy's levels and fill history.
// It is not safe for concurrent use; the owning executor serializes access.
type Grid struct {
	config models.GridConfig
	levels []models.GridLevel
	filled []models.LimitOrder
}

// New validates cfg and computes its levels.
func New(cfg models.GridConfig) (*Grid, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Grid{
		config: cfg,
		levels: ComputeLevels(cfg),
	}, nil
}

// Restore rebuilds a grid from a persisted level snapshot and fill history.
// An empty snapshot falls back to freshly computed levels.
func Restore(cfg models.GridConfig, levels []models.GridLevel, filled []models.LimitOrder) (*Grid, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(levels) == 0 {
		levels = ComputeLevels(cfg)
	}
	if len(levels) != cfg.GridCount {
		return nil, fmt.Errorf("%w: snapshot has %d levels, config wants %d", models.ErrInvalidConfig, len(levels), cfg.GridCount)
	}
	g := &Grid{
		config: cfg,
		levels: make([]models.GridLevel, len(levels)),
		filled: make([]models.LimitOrder, len(filled)),
	}
	copy(g.levels, levels)
	copy(g.filled, filled)
	for i := range g.levels {
		g.levels[i].Index = i
	}
	return g, nil
}

// Config returns the grid definition.
func (g *Grid) Config() models.GridConfig {
	return g.config
}

// LevelsCrossed fires every unfilled level whose threshold is met at currentPrice.
// A fired level is marked filled and is not returned again until OnFilled or
// Release re-arms it. The result is in level index order.
func (g *Grid) LevelsCrossed(currentPrice float64) []models.GridLevel {
	var fired []models.GridLevel
	for i := range g.levels {
		level := &g.levels[i]
		if level.Filled {
			continue
		}
		if !models.Crosses(level.OrderType, level.Price, currentPrice) {
			continue
		}
		level.Filled = true
		fired = append(fired, *level)
	}
	return fired
}

// OnFilled re-arms the level that produced order and records the fill.
// The level is located by the order's level index when it has one, otherwise
// by price within PriceEpsilon, preferring a level that is currently filled.
// The matched level is un-filled and takes the side opposite to the fill. The fill is
// appended to the history even when no level matches; matched reports which.
func (g *Grid) OnFilled(order models.LimitOrder) (matched bool) {
	g.filled = append(g.filled, order)

	idx := g.locate(order)
	if idx < 0 {
		return false
	}
	level := &g.levels[idx]
	level.Filled = false
	level.OrderType = order.Side.Opposite()
	return true
}

func (g *Grid) locate(order models.LimitOrder) int {
	if order.LevelIndex >= 0 && order.LevelIndex < len(g.levels) {
		return order.LevelIndex
	}
	candidate := -1
	for i, level := range g.levels {
		if math.Abs(level.Price-order.Price) >= PriceEpsilon {
			continue
		}
		if level.Filled {
			return i
		}
		if candidate < 0 {
			candidate = i
		}
	}
	return candidate
}

// Release un-fills a fired level without flipping it, so it can fire again.
// It is used when the order for that level failed definitively.
func (g *Grid) Release(levelIndex int) bool {
	if levelIndex < 0 || levelIndex >= len(g.levels) {
		return false
	}
	if !g.levels[levelIndex].Filled {
		return false
	}
	g.levels[levelIndex].Filled = false
	return true
}

// ProfitEstimate pairs each filled Sell with the first unconsumed filled Buy of
// the same pair and exactly equal amount, and sums (sell - buy) * amount.
// Unpaired orders contribute nothing. This approximates lot accounting.
func (g *Grid) ProfitEstimate() float64 {
	return ProfitEstimate(g.filled)
}

// ProfitEstimate is the history-only form of Grid.ProfitEstimate.
func ProfitEstimate(filled []models.LimitOrder) float64 {
	consumed := make([]bool, len(filled))
	profit := 0.0
	for _, sell := range filled {
		if sell.Side != models.Sell {
			continue
		}
		for j, buy := range filled {
			if consumed[j] || buy.Side != models.Buy {
				continue
			}
			if buy.Pair != sell.Pair || buy.Amount != sell.Amount {
				continue
			}
			consumed[j] = true
			profit += (sell.Price - buy.Price) * sell.Amount
			break
		}
	}
	return profit
}

// Levels returns a copy of the current levels.
func (g *Grid) Levels() []models.GridLevel {
	out := make([]models.GridLevel, len(g.levels))
	copy(out, g.levels)
	return out
}

// FilledOrders returns a copy of the fill history.
func (g *Grid) FilledOrders() []models.LimitOrder {
	out := make([]models.LimitOrder, len(g.filled))
	copy(out, g.filled)
	return out
}

// Statistics summarizes fills and level occupancy.
func (g *Grid) Statistics() models.Statistics {
	stats := models.Statistics{
		TotalOrders: len(g.filled),
		TotalProfit: g.ProfitEstimate(),
	}
	for _, o := range g.filled {
		if o.Side == models.Buy {
			stats.BuyOrders++
		} else {
			stats.SellOrders++
		}
	}
	for _, level := range g.levels {
		if level.Filled {
			stats.FilledGrids++
		} else {
			stats.ActiveGrids++
		}
	}
	return stats
}
