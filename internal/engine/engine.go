// Package engine holds the per-bot decision logic. Every function here is pure:
// it reads a config and a state, and returns a new state or an action. Nothing
// in this package performs I/O or keeps state of its own.
package engine

import (
	"fmt"
	"time"

	"crypto-orchestrator-bots/internal/models"
)

const (
	// DefaultMaxSizeMultiple bounds martingale growth when a DCA config has no
	// explicit max_order_size.
	DefaultMaxSizeMultiple = 64.0
	// DefaultUpperAdjustmentPercent is used by infinity grids that leave
	// upper_adjustment_percent unset.
	DefaultUpperAdjustmentPercent = 5.0
	// DefaultMarginSafetyFactor keeps the liquidation threshold at the full
	// 1/leverage move.
	DefaultMarginSafetyFactor = 1.0
	// autoBoundPercent is used for grids created without explicit bounds.
	autoBoundPercent = 10.0
)

// NewState builds the initial CREATED state for a freshly validated config.
// Grid levels are precomputed when the bounds are known; they are armed on the
// first observed price.
func NewState(cfg models.BotConfig) *models.BotState {
	st := models.NewBotState(cfg.ID)
	if cfg.Strategy == models.StrategyGrid && cfg.Parameters.LowerPrice > 0 {
		p := cfg.Parameters
		st.GridLower, st.GridUpper = p.LowerPrice, p.UpperPrice
		st.GridLevels = buildLevels(ComputeLevels(p.LowerPrice, p.UpperPrice, p.GridCount, p.SpacingType))
	}
	return st
}

// Observe folds a freshly fetched price into the state: tick timestamp, grid
// arming and shifting, trailing extremes, futures opening position and the
// derived P&L fields.
func Observe(cfg models.BotConfig, st *models.BotState, price float64, now time.Time) *models.BotState {
	next := st.Clone()
	next.LastTickAt = now
	next.LastPrice = price

	switch cfg.Strategy {
	case models.StrategyGrid:
		observeGrid(cfg, next, price)
	case models.StrategyInfinityGrid:
		observeInfinityGrid(cfg, next, price)
	case models.StrategyTrailing:
		observeTrailing(next, price)
	case models.StrategyFutures:
		observeFutures(cfg, next)
	}

	recompute(next)
	return next
}

// Evaluate decides zero or one action for this tick. The caller guarantees
// the bot is RUNNING; the state should already include the current price via
// Observe. Errors returned here are never transient.
func Evaluate(cfg models.BotConfig, st *models.BotState, price float64, now time.Time) (models.Action, error) {
	if price <= 0 {
		return models.NoAction(), fmt.Errorf("%w: non-positive price %g", models.ErrValidation, price)
	}
	if st == nil {
		return models.NoAction(), fmt.Errorf("%w: nil state", models.ErrCorruptState)
	}
	if st.Status != models.StatusRunning {
		return models.NoAction(), fmt.Errorf("%w: bot %s is %s", models.ErrInvalidState, st.BotID, st.Status)
	}

	switch cfg.Strategy {
	case models.StrategyGrid, models.StrategyInfinityGrid:
		return evaluateGrid(cfg, st, price)
	case models.StrategyDCA:
		return evaluateDCA(cfg, st, price, now), nil
	case models.StrategyTrailing:
		return evaluateTrailing(cfg, st, price), nil
	case models.StrategyFutures:
		return evaluateFutures(cfg, st, price), nil
	default:
		return models.NoAction(), fmt.Errorf("%w: unknown strategy %q", models.ErrCorruptState, cfg.Strategy)
	}
}
