package engine

import "crypto-orchestrator-bots/internal/models"

// LiquidationPrice = entry * (1 - direction * 1/leverage * marginSafetyFactor).
func LiquidationPrice(p models.Parameters) float64 {
	factor := p.MarginSafetyFactor
	if factor == 0 {
		factor = DefaultMarginSafetyFactor
	}
	return roundPrice(p.EntryPrice * (1 - p.Direction.Sign()*factor/float64(p.Leverage)))
}

func observeFutures(cfg models.BotConfig, st *models.BotState) {
	if st.Opening != nil {
		return
	}
	side := models.Buy
	if cfg.Parameters.Direction == models.Short {
		side = models.Sell
	}
	st.Opening = &models.OpeningPosition{
		Side:  side,
		Price: cfg.Parameters.EntryPrice,
		Size:  cfg.Parameters.OrderSize,
	}
}

// evaluateFutures never opens anything. It only closes the position when a
// liquidation, stop-loss or take-profit threshold is crossed, and only once.
func evaluateFutures(cfg models.BotConfig, st *models.BotState, price float64) models.Action {
	if st.PositionClosed || st.Opening == nil {
		return models.NoAction()
	}
	p := cfg.Parameters
	dir := p.Direction.Sign()
	closeSide := st.Opening.Side.Opposite()
	// 按成交历史推出的剩余仓位平仓，已经平掉的部分不再重复下单
	size := roundSize(dir * st.PositionSize)
	if size <= 0 {
		return models.NoAction()
	}

	// price at or beyond level on the losing side of the position
	against := func(level float64) bool { return dir*(level-price) >= 0 }

	if against(LiquidationPrice(p)) {
		return models.ForceClose(closeSide, price, size, "liquidation")
	}
	if p.StopLossPercent > 0 && against(p.EntryPrice*(1-dir*p.StopLossPercent/100)) {
		return models.ForceClose(closeSide, price, size, "stop_loss")
	}
	if p.TakeProfitPercent > 0 {
		target := p.EntryPrice * (1 + dir*p.TakeProfitPercent/100)
		if dir*(price-target) >= 0 {
			return models.ForceClose(closeSide, price, size, "take_profit")
		}
	}
	return models.NoAction()
}
