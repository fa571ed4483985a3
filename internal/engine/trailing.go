package engine

import "crypto-orchestrator-bots/internal/models"

func observeTrailing(st *models.BotState, price float64) {
	if st.HighWaterMark == 0 || price > st.HighWaterMark {
		st.HighWaterMark = price
	}
	if st.LowWaterMark == 0 || price < st.LowWaterMark {
		st.LowWaterMark = price
	}
}

// evaluateTrailing fires when price retraces trailing_percent from the tracked
// extreme: a trailing sell watches the high, a trailing buy watches the low.
func evaluateTrailing(cfg models.BotConfig, st *models.BotState, price float64) models.Action {
	p := cfg.Parameters
	if len(st.OpenOrders) > 0 {
		return models.NoAction()
	}
	if p.MaxOrders > 0 && countOrders(st.FilledOrders, "") >= p.MaxOrders {
		return models.NoAction()
	}

	pct := p.TrailingPercent / 100
	switch p.TrailingSide {
	case models.Sell:
		if st.HighWaterMark <= 0 || price > st.HighWaterMark*(1-pct) {
			return models.NoAction()
		}
		if p.MinPrice > 0 && price < p.MinPrice {
			return models.NoAction()
		}
		return models.PlaceOrder(models.Sell, price, p.OrderSize, "trailing_sell")
	case models.Buy:
		if st.LowWaterMark <= 0 || price < st.LowWaterMark*(1+pct) {
			return models.NoAction()
		}
		if p.MaxPrice > 0 && price > p.MaxPrice {
			return models.NoAction()
		}
		return models.PlaceOrder(models.Buy, price, p.OrderSize, "trailing_buy")
	}
	return models.NoAction()
}
