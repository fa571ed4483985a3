package supervisor

import (
	"crypto-orchestrator-bots/internal/engine"
	"crypto-orchestrator-bots/internal/models"
	"crypto-orchestrator-bots/internal/notify"

	"go.uber.org/zap"
)

// onFill is the fill handler registered with every gateway. It only queues
// the fill on the owning bot; the bot's own tick applies it.
func (s *Supervisor) onFill(symbol string, f models.Fill) {
	botID, ok := s.orders.Load(f.ClientOrderID)
	if !ok {
		s.logger.Warn("收到未知订单的成交", zap.String("symbol", symbol), zap.String("client_order_id", f.ClientOrderID))
		return
	}
	sl := s.slotFor(botID)
	sl.fillsMu.Lock()
	sl.fills = append(sl.fills, f)
	sl.fillsMu.Unlock()

	// 未运行的机器人没有 tick，单独结算
	if !sl.running.Load() {
		go s.settle(sl)
	}
}

// drain applies every queued fill to st. The fills stay parked on the slot
// until persist saves a state that contains them. Caller holds sl.tickMu.
func (s *Supervisor) drain(sl *slot, st *models.BotState) *models.BotState {
	sl.fillsMu.Lock()
	fills := sl.fills
	sl.fills = nil
	sl.unsaved = append(sl.unsaved, fills...)
	sl.fillsMu.Unlock()

	for _, f := range fills {
		st = engine.ApplyFill(st, f)
	}
	return st
}

// persist saves st. On success the drained fills are final: the index entries
// of finished orders are dropped and OrderFilled goes out. On failure they go
// back to the front of the queue so the next load applies them again.
func (s *Supervisor) persist(sl *slot, cfg *models.BotConfig, st *models.BotState) error {
	if err := s.store.Save(st); err != nil {
		s.requeue(sl)
		return err
	}

	sl.fillsMu.Lock()
	applied := sl.unsaved
	sl.unsaved = nil
	sl.fillsMu.Unlock()

	for _, f := range applied {
		if _, open := st.OpenOrders[f.ClientOrderID]; !open {
			s.orders.Delete(f.ClientOrderID)
		}
		fill := f
		s.notify(cfg, notify.OrderFilled, func(e *notify.Event) { e.Fill = &fill })
	}
	return nil
}

// requeue undoes drain for fills that never reached the store.
func (s *Supervisor) requeue(sl *slot) {
	sl.fillsMu.Lock()
	defer sl.fillsMu.Unlock()
	if len(sl.unsaved) == 0 {
		return
	}
	sl.fills = append(sl.unsaved, sl.fills...)
	sl.unsaved = nil
}

// settle records fills for a bot that is not ticking (stopped, errored, or
// between stop and its last cancel).
func (s *Supervisor) settle(sl *slot) {
	sl.tickMu.Lock()
	defer sl.tickMu.Unlock()

	sl.fillsMu.Lock()
	pending := len(sl.fills)
	sl.fillsMu.Unlock()
	if pending == 0 || sl.running.Load() {
		return
	}

	cfg, st, err := s.store.Get(sl.id)
	if err != nil {
		s.logger.Error("结算成交时加载机器人失败", zap.String("bot_id", sl.id), zap.Error(err))
		return
	}
	st = s.drain(sl, st)
	if err := s.persist(sl, cfg, st); err != nil {
		s.logger.Error("结算成交时保存失败，成交留在队列中", zap.String("bot_id", sl.id), zap.Error(err))
	}
}
