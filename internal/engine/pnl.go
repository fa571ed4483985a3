package engine

import (
	"crypto-orchestrator-bots/internal/models"

	"github.com/shopspring/decimal"
)

type lot struct {
	side  models.Side
	price decimal.Decimal
	size  decimal.Decimal
}

func roundSize(v float64) float64 {
	return decimal.NewFromFloat(v).Round(8).InexactFloat64()
}

// AverageCost = sum(price*size for buys) / sum(size for buys).
func AverageCost(fills []models.Fill) float64 {
	notional, qty := decimal.Zero, decimal.Zero
	for _, f := range fills {
		if f.Side != models.Buy {
			continue
		}
		size := decimal.NewFromFloat(f.Size)
		notional = notional.Add(decimal.NewFromFloat(f.Price).Mul(size))
		qty = qty.Add(size)
	}
	if qty.IsZero() {
		return 0
	}
	return notional.Div(qty).InexactFloat64()
}

// fifo replays the opening position and every fill, matching opposite-side
// fills against the oldest open lots.
func fifo(opening *models.OpeningPosition, fills []models.Fill) ([]lot, decimal.Decimal) {
	var lots []lot
	realized := decimal.Zero

	if opening != nil && opening.Size > 0 {
		lots = append(lots, lot{
			side:  opening.Side,
			price: decimal.NewFromFloat(opening.Price),
			size:  decimal.NewFromFloat(opening.Size),
		})
	}

	for _, f := range fills {
		price := decimal.NewFromFloat(f.Price)
		remaining := decimal.NewFromFloat(f.Size)
		realized = realized.Sub(decimal.NewFromFloat(f.Fee))

		for remaining.IsPositive() && len(lots) > 0 && lots[0].side != f.Side {
			head := &lots[0]
			qty := decimal.Min(head.size, remaining)
			gain := price.Sub(head.price).Mul(qty)
			if head.side == models.Sell {
				gain = gain.Neg()
			}
			realized = realized.Add(gain)
			head.size = head.size.Sub(qty)
			remaining = remaining.Sub(qty)
			if !head.size.IsPositive() {
				lots = lots[1:]
			}
		}
		if remaining.IsPositive() {
			lots = append(lots, lot{side: f.Side, price: price, size: remaining})
		}
	}
	return lots, realized
}

// recompute rebuilds every derived field from the fill history. It is the only
// writer of those fields.
func recompute(st *models.BotState) {
	st.AverageCost = AverageCost(st.FilledOrders)

	lots, realized := fifo(st.Opening, st.FilledOrders)
	st.RealizedPnl = realized.InexactFloat64()

	position, cost := decimal.Zero, decimal.Zero
	unrealized := decimal.Zero
	last := decimal.NewFromFloat(st.LastPrice)
	for _, l := range lots {
		signed := l.size
		if l.side == models.Sell {
			signed = signed.Neg()
		}
		position = position.Add(signed)
		cost = cost.Add(l.price.Mul(l.size))
		if st.LastPrice > 0 {
			unrealized = unrealized.Add(last.Sub(l.price).Mul(signed))
		}
	}
	st.PositionSize = position.InexactFloat64()
	if abs := position.Abs(); abs.IsPositive() {
		st.EntryAverage = cost.Div(abs).InexactFloat64()
	} else {
		st.EntryAverage = 0
	}
	st.UnrealizedPnl = unrealized.InexactFloat64()
}
