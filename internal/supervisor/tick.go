package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crypto-orchestrator-bots/internal/engine"
	"crypto-orchestrator-bots/internal/exchange"
	"crypto-orchestrator-bots/internal/idgen"
	"crypto-orchestrator-bots/internal/models"
	"crypto-orchestrator-bots/internal/notify"
	"crypto-orchestrator-bots/internal/statemanager"

	"go.uber.org/zap"
)

// TickNow runs one tick for a running bot synchronously and returns the error
// the tick hit, if any, after it has been handled (transient: skipped, fatal:
// bot moved to ERROR).
func (s *Supervisor) TickNow(ctx context.Context, id string) error {
	s.mu.Lock()
	sl, ok := s.slots[id]
	s.mu.Unlock()
	if !ok || !sl.running.Load() {
		return fmt.Errorf("%w: bot %s is not running", models.ErrInvalidState, id)
	}
	return s.tick(ctx, sl)
}

// tick is load -> apply pending fills -> price -> observe -> evaluate ->
// execute -> apply fills -> save, all under the slot lock.
func (s *Supervisor) tick(ctx context.Context, sl *slot) (tickErr error) {
	sl.tickMu.Lock()
	defer sl.tickMu.Unlock()
	if !sl.running.Load() {
		return nil
	}

	cfg, st, err := s.store.Get(sl.id)
	if err != nil {
		s.logger.Error("加载机器人失败", zap.String("bot_id", sl.id), zap.Error(err))
		return err
	}
	if st.Status != models.StatusRunning {
		sl.running.Store(false)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			tickErr = fmt.Errorf("%w: panic in tick: %v", models.ErrCorruptState, r)
			s.fail(sl, cfg, st, tickErr)
		}
	}()

	now := s.now()
	log := s.logger.With(zap.String("bot_id", cfg.ID), zap.String("symbol", cfg.Symbol))

	gw, ok := s.gateways[cfg.Mode]
	if !ok {
		err := fmt.Errorf("%w: no gateway for mode %s", models.ErrCorruptState, cfg.Mode)
		s.fail(sl, cfg, st, err)
		return err
	}

	st = s.drain(sl, st)

	pctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	price, err := s.feed.GetPrice(pctx, cfg.Symbol)
	cancel()
	if err == nil && price <= 0 {
		err = fmt.Errorf("%w: non-positive price %g", models.ErrUnavailable, price)
	}
	if err != nil {
		if models.IsTransient(err) {
			log.Warn("获取价格失败，跳过本次 tick", zap.Error(err))
			return s.saveLogged(log, sl, cfg, st, err)
		}
		s.fail(sl, cfg, st, err)
		return err
	}

	if obs, ok := gw.(exchange.PriceObserver); ok {
		obs.ObservePrice(cfg.Symbol, price, now)
		st = s.drain(sl, st)
	}

	st = engine.Observe(*cfg, st, price, now)
	action, err := engine.Evaluate(*cfg, st, price, now)
	if err != nil {
		s.fail(sl, cfg, st, err)
		return err
	}

	next, err := s.execute(ctx, gw, cfg, st, action, now)
	if err != nil {
		if models.IsTransient(err) {
			// 状态保持不变，下一次 tick 会重新评估出同样的动作
			log.Warn("下单失败，等待下次 tick 重试", zap.Stringer("action", action), zap.Error(err))
			return s.saveLogged(log, sl, cfg, s.drain(sl, st), err)
		}
		s.fail(sl, cfg, st, err)
		return err
	}
	if action.Kind != models.ActionNone {
		log.Info("执行动作", zap.Stringer("action", action), zap.Float64("price", price))
	}

	next = s.drain(sl, next)
	return s.saveLogged(log, sl, cfg, next, nil)
}

func (s *Supervisor) saveLogged(log *zap.Logger, sl *slot, cfg *models.BotConfig, st *models.BotState, cause error) error {
	if err := s.persist(sl, cfg, st); err != nil {
		log.Error("保存状态失败", zap.Error(err))
		return err
	}
	return cause
}

func (s *Supervisor) execute(ctx context.Context, gw exchange.OrderGateway, cfg *models.BotConfig, st *models.BotState,
	action models.Action, now time.Time) (*models.BotState, error) {
	switch action.Kind {
	case models.ActionNone:
		return st, nil

	case models.ActionPlaceOrder, models.ActionForceClose:
		oid := s.newOrderID(cfg.ID)
		// 先登记再下单：模拟盘可能在 PlaceOrder 返回前就回报成交
		s.orders.Store(oid, cfg.ID)
		gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
		exID, err := gw.PlaceOrder(gctx, exchange.OrderRequest{
			ClientOrderID: oid,
			Symbol:        cfg.Symbol,
			Side:          action.Side,
			Price:         action.Price,
			Size:          action.Size,
			Market:        action.Kind == models.ActionForceClose,
		})
		cancel()
		if err != nil {
			s.orders.Delete(oid)
			return st, err
		}
		if action.Kind == models.ActionForceClose {
			return engine.ApplyForceClose(st, action, oid, exID, now), nil
		}
		return engine.ApplyPlaced(st, action, oid, exID, now), nil

	case models.ActionCancelOrder:
		gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
		err := gw.CancelOrder(gctx, cfg.Symbol, action.OrderID)
		cancel()
		if err != nil && !errors.Is(err, models.ErrOrderNotFound) {
			return st, err
		}
		s.orders.Delete(action.OrderID)
		return engine.ApplyCancelled(st, action.OrderID), nil
	}
	return st, fmt.Errorf("%w: unknown action %v", models.ErrCorruptState, action.Kind)
}

// fail moves the bot to ERROR. Open orders are left as they are; the owner
// decides what to do with them after a reset.
func (s *Supervisor) fail(sl *slot, cfg *models.BotConfig, st *models.BotState, cause error) {
	sl.running.Store(false)
	if err := statemanager.Transition(st, models.StatusError); err != nil {
		s.logger.Error("无法迁移到 ERROR", zap.String("bot_id", cfg.ID), zap.Error(err))
	}
	st.LastError = cause.Error()
	if err := s.persist(sl, cfg, st); err != nil {
		s.logger.Error("保存 ERROR 状态失败", zap.String("bot_id", cfg.ID), zap.Error(err))
	}
	s.logger.Error("机器人进入 ERROR 状态",
		zap.String("bot_id", cfg.ID),
		zap.Int("open_orders", len(st.OpenOrders)),
		zap.Error(cause))
	s.notify(cfg, notify.BotErrored, func(e *notify.Event) { e.Reason = cause.Error() })
}

func (s *Supervisor) newOrderID(botID string) string {
	if s.opts.OrderIDs != nil {
		return s.opts.OrderIDs(botID)
	}
	return idgen.NewOrderID(orderPrefix(botID))
}

// orderPrefix keeps client order ids short while tying them to the bot.
func orderPrefix(botID string) string {
	if len(botID) > 8 {
		botID = botID[:8]
	}
	return botID + "-"
}
