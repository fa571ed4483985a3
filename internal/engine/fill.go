package engine

import (
	"time"

	"crypto-orchestrator-bots/internal/models"
)

// ApplyPlaced records an order the gateway accepted.
func ApplyPlaced(st *models.BotState, a models.Action, clientOrderID, exchangeOrderID string, now time.Time) *models.BotState {
	next := st.Clone()
	next.OpenOrders[clientOrderID] = models.OpenOrder{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: exchangeOrderID,
		Side:            a.Side,
		Price:           a.Price,
		Size:            a.Size,
		PlacedAt:        now,
		LevelIndex:      a.LevelIndex,
	}
	if a.LevelIndex >= 0 && a.LevelIndex < len(next.GridLevels) {
		next.GridLevels[a.LevelIndex].OrderID = clientOrderID
	}
	next.LastOrderAt = now
	return next
}

// ApplyForceClose records the closing order and marks the position closed so
// the force-close is never emitted twice.
func ApplyForceClose(st *models.BotState, a models.Action, clientOrderID, exchangeOrderID string, now time.Time) *models.BotState {
	next := ApplyPlaced(st, a, clientOrderID, exchangeOrderID, now)
	next.PositionClosed = true
	next.CloseReason = a.Reason
	return next
}

// ApplyCancelled drops an order the gateway confirmed cancelled (or no longer
// knows about).
func ApplyCancelled(st *models.BotState, clientOrderID string) *models.BotState {
	next := st.Clone()
	order, ok := next.OpenOrders[clientOrderID]
	if !ok {
		return next
	}
	delete(next.OpenOrders, clientOrderID)
	if order.LevelIndex >= 0 && order.LevelIndex < len(next.GridLevels) {
		if lv := &next.GridLevels[order.LevelIndex]; lv.OrderID == clientOrderID {
			lv.OrderID = ""
		}
	}
	return next
}

// ApplyFill appends the fill to the history and updates open orders, grid
// levels, trailing extremes and derived P&L. Fills for orders no longer open
// are still recorded: they are executions that happened.
func ApplyFill(st *models.BotState, f models.Fill) *models.BotState {
	next := st.Clone()
	next.FilledOrders = append(next.FilledOrders, f)

	if order, ok := next.OpenOrders[f.ClientOrderID]; ok {
		order.FilledSize = roundSize(order.FilledSize + f.Size)
		if order.Remaining() > 0 {
			next.OpenOrders[f.ClientOrderID] = order
		} else {
			delete(next.OpenOrders, f.ClientOrderID)
			completeLevel(next, order)
		}
	}

	// 追踪策略在每次成交后以成交价重新开始追踪
	if next.HighWaterMark > 0 || next.LowWaterMark > 0 {
		next.HighWaterMark = f.Price
		next.LowWaterMark = f.Price
	}

	recompute(next)
	return next
}

func completeLevel(st *models.BotState, order models.OpenOrder) {
	if order.LevelIndex < 0 || order.LevelIndex >= len(st.GridLevels) {
		return
	}
	lv := &st.GridLevels[order.LevelIndex]
	if lv.OrderID != order.ClientOrderID {
		return
	}
	lv.OrderID = ""
	lv.Filled = true
	pairLevel(st, order.LevelIndex, order.Side)
}
