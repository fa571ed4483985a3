package engine

import (
	"math"
	"time"

	"crypto-orchestrator-bots/internal/models"
)

// DCAOrderSize is baseSize * multiplier^n, clamped to the configured
// max_order_size (or DefaultMaxSizeMultiple * baseSize when unset).
func DCAOrderSize(p models.Parameters, n int) float64 {
	mult := p.Multiplier
	if mult == 0 {
		mult = 1
	}
	size := p.OrderSize * math.Pow(mult, float64(n))

	limit := p.MaxOrderSize
	if limit <= 0 {
		limit = p.OrderSize * DefaultMaxSizeMultiple
	}
	if size > limit {
		size = limit
	}
	return roundSize(size)
}

// countOrders counts distinct orders among fills; several partial fills of
// one order count once. An empty side counts both sides.
func countOrders(fills []models.Fill, side models.Side) int {
	seen := make(map[string]struct{}, len(fills))
	for _, f := range fills {
		if side == "" || f.Side == side {
			seen[f.ClientOrderID] = struct{}{}
		}
	}
	return len(seen)
}

func evaluateDCA(cfg models.BotConfig, st *models.BotState, price float64, now time.Time) models.Action {
	p := cfg.Parameters

	// 等待上一笔订单成交
	if len(st.OpenOrders) > 0 {
		return models.NoAction()
	}

	if st.PositionSize > 0 && st.EntryAverage > 0 {
		if p.TakeProfitPercent > 0 && price >= st.EntryAverage*(1+p.TakeProfitPercent/100) {
			return models.PlaceOrder(models.Sell, price, st.PositionSize, "take_profit")
		}
		if p.StopLossPercent > 0 && price <= st.EntryAverage*(1-p.StopLossPercent/100) {
			return models.PlaceOrder(models.Sell, price, st.PositionSize, "stop_loss")
		}
	}

	buys := countOrders(st.FilledOrders, models.Buy)
	if buys >= p.MaxOrders {
		return models.NoAction()
	}
	interval := time.Duration(p.IntervalSeconds) * time.Second
	if !st.LastOrderAt.IsZero() && now.Sub(st.LastOrderAt) < interval {
		return models.NoAction()
	}
	return models.PlaceOrder(models.Buy, price, DCAOrderSize(p, buys), "dca")
}
