package engine

import (
	"fmt"
	"math"

	"crypto-orchestrator-bots/internal/models"

	"github.com/shopspring/decimal"
)

// ComputeLevels returns n prices from lower to upper inclusive.
// Arithmetic: lower + i*(upper-lower)/(n-1). Geometric: lower * ratio^i with
// ratio = (upper/lower)^(1/(n-1)).
func ComputeLevels(lower, upper float64, n int, spacing models.SpacingType) []float64 {
	if n < 2 || lower <= 0 || upper <= lower {
		return nil
	}
	levels := make([]float64, n)
	switch spacing {
	case models.SpacingGeometric:
		ratio := math.Pow(upper/lower, 1/float64(n-1))
		for i := range levels {
			levels[i] = roundPrice(lower * math.Pow(ratio, float64(i)))
		}
	default:
		step := (upper - lower) / float64(n-1)
		for i := range levels {
			levels[i] = roundPrice(lower + float64(i)*step)
		}
	}
	levels[n-1] = roundPrice(upper)
	return levels
}

func roundPrice(v float64) float64 {
	return decimal.NewFromFloat(v).Round(8).InexactFloat64()
}

func buildLevels(prices []float64) []models.GridLevel {
	levels := make([]models.GridLevel, len(prices))
	for i, p := range prices {
		levels[i] = models.GridLevel{Index: i, Price: p}
	}
	return levels
}

// armLevels assigns a side to every level relative to the reference price:
// below it buys, above it sells, a level sitting exactly on it stays idle
// until a neighbour fills.
func armLevels(st *models.BotState, ref float64) {
	for i := range st.GridLevels {
		lv := &st.GridLevels[i]
		switch {
		case lv.Price < ref:
			lv.Side = models.Buy
		case lv.Price > ref:
			lv.Side = models.Sell
		default:
			lv.Side = ""
		}
		lv.Filled = false
	}
	st.GridArmed = true
}

func observeGrid(cfg models.BotConfig, st *models.BotState, price float64) {
	if st.GridArmed {
		return
	}
	if len(st.GridLevels) == 0 {
		p := cfg.Parameters
		lower, upper := p.LowerPrice, p.UpperPrice
		if lower <= 0 || upper <= lower {
			lower = price * (1 - autoBoundPercent/100)
			upper = price * (1 + autoBoundPercent/100)
		}
		st.GridLower, st.GridUpper = roundPrice(lower), roundPrice(upper)
		st.GridLevels = buildLevels(ComputeLevels(st.GridLower, st.GridUpper, p.GridCount, p.SpacingType))
	}
	armLevels(st, price)
}

// infinityBounds centres a grid of n levels spaced by spacingPercent on price.
func infinityBounds(price, spacingPercent float64, n int) (float64, float64) {
	width := price * (spacingPercent / 100) * float64(n-1)
	return roundPrice(price - width/2), roundPrice(price + width/2)
}

func observeInfinityGrid(cfg models.BotConfig, st *models.BotState, price float64) {
	p := cfg.Parameters
	if !st.GridArmed {
		st.GridLower, st.GridUpper = infinityBounds(price, p.GridSpacingPercent, p.GridCount)
		st.GridLevels = buildLevels(ComputeLevels(st.GridLower, st.GridUpper, p.GridCount, models.SpacingArithmetic))
		armLevels(st, price)
		return
	}

	adjust := p.UpperAdjustmentPercent
	if adjust == 0 {
		adjust = DefaultUpperAdjustmentPercent
	}
	threshold := st.GridUpper * (1 - adjust/100)
	// 有挂单时不移动网格，避免挂单与档位脱节
	if price < threshold || len(st.OpenOrders) > 0 {
		return
	}
	lower, upper := infinityBounds(price, p.GridSpacingPercent, p.GridCount)
	if upper <= st.GridUpper {
		return
	}
	st.GridLower, st.GridUpper = lower, upper
	st.GridLevels = buildLevels(ComputeLevels(lower, upper, p.GridCount, models.SpacingArithmetic))
	armLevels(st, price)
	st.GridShifts++
}

// evaluateGrid places at most one order per tick. Among all armed levels the
// price has crossed, the one closest to the current price goes first; the
// others follow on later ticks.
func evaluateGrid(cfg models.BotConfig, st *models.BotState, price float64) (models.Action, error) {
	if !st.GridArmed {
		return models.NoAction(), nil
	}
	if len(st.GridLevels) < 2 {
		return models.NoAction(), fmt.Errorf("%w: armed grid with %d levels", models.ErrCorruptState, len(st.GridLevels))
	}

	best := -1
	bestDistance := math.Inf(1)
	for i, lv := range st.GridLevels {
		if lv.Filled || lv.OrderID != "" {
			continue
		}
		crossed := (lv.Side == models.Buy && price <= lv.Price) ||
			(lv.Side == models.Sell && price >= lv.Price)
		if !crossed {
			continue
		}
		if d := math.Abs(lv.Price - price); d < bestDistance {
			best, bestDistance = i, d
		}
	}
	if best < 0 {
		return models.NoAction(), nil
	}
	lv := st.GridLevels[best]
	return models.PlaceGridOrder(lv.Side, lv.Price, cfg.Parameters.OrderSize, lv.Index), nil
}

// pairLevel arms the opposite side on the level adjacent to a filled one.
func pairLevel(st *models.BotState, filled int, side models.Side) {
	next := filled + 1
	if side == models.Sell {
		next = filled - 1
	}
	if next < 0 || next >= len(st.GridLevels) {
		return
	}
	lv := &st.GridLevels[next]
	if lv.OrderID != "" {
		return
	}
	lv.Side = side.Opposite()
	lv.Filled = false
}
