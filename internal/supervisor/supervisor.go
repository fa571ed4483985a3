// Package supervisor 管理所有机器人的生命周期：状态机、节奏调度、
// 每个机器人同一时刻最多一个进行中的 tick，以及成交回报的路由。
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"crypto-orchestrator-bots/internal/engine"
	"crypto-orchestrator-bots/internal/exchange"
	"crypto-orchestrator-bots/internal/models"
	"crypto-orchestrator-bots/internal/notify"
	"crypto-orchestrator-bots/internal/statemanager"
	"crypto-orchestrator-bots/internal/syncmap"

	"go.uber.org/zap"
)

const (
	DefaultWorkers        = 8
	DefaultGatewayTimeout = 5 * time.Second
	workQueueSize         = 1024
)

// DefaultCadences 各策略的默认 tick 间隔
var DefaultCadences = map[models.Strategy]time.Duration{
	models.StrategyGrid:         15 * time.Second,
	models.StrategyDCA:          60 * time.Second,
	models.StrategyInfinityGrid: 30 * time.Second,
	models.StrategyTrailing:     10 * time.Second,
	models.StrategyFutures:      5 * time.Second,
}

// Options 控制调度与网关调用。
type Options struct {
	Workers        int
	GatewayTimeout time.Duration
	Cadences       map[models.Strategy]time.Duration
	// Now overrides the clock, e.g. for candle replay.
	Now func() time.Time
	// OrderIDs overrides client order id generation; nil means random ids.
	OrderIDs func(botID string) string
}

// OptionsFrom converts the file configuration, filling defaults.
func OptionsFrom(cfg models.SupervisorConfig) Options {
	opts := Options{
		Workers:        cfg.Workers,
		GatewayTimeout: time.Duration(cfg.GatewayTimeoutMs) * time.Millisecond,
		Cadences:       make(map[models.Strategy]time.Duration),
	}
	for k, v := range cfg.Cadences {
		if v > 0 {
			opts.Cadences[models.Strategy(k)] = time.Duration(v) * time.Second
		}
	}
	return opts.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.GatewayTimeout <= 0 {
		o.GatewayTimeout = DefaultGatewayTimeout
	}
	cadences := make(map[models.Strategy]time.Duration, len(DefaultCadences))
	for k, v := range DefaultCadences {
		cadences[k] = v
	}
	for k, v := range o.Cadences {
		if v > 0 {
			cadences[k] = v
		}
	}
	o.Cadences = cadences
	return o
}

// slot 是单个机器人的运行时句柄。tickMu 在整个 tick（以及 start/stop）
// 期间持有，保证同一机器人只有一个写入者。
type slot struct {
	id string

	tickMu sync.Mutex
	cfg    atomic.Pointer[models.BotConfig]

	running atomic.Bool
	queued  atomic.Bool

	fillsMu sync.Mutex
	fills   []models.Fill
	// applied to a state that is not saved yet
	unsaved []models.Fill
}

// Supervisor drives every registered bot. Bots never share a lock on the tick
// path; the supervisor-wide mutex only guards the slot table.
type Supervisor struct {
	store    *statemanager.StateManager
	feed     exchange.PriceFeed
	gateways map[models.Mode]exchange.OrderGateway
	notifier notify.Notifier
	logger   *zap.Logger
	opts     Options
	now      func() time.Time

	mu    sync.Mutex
	slots map[string]*slot

	// client order id -> bot id
	orders syncmap.Map[string, string]

	work chan *slot
}

func New(store *statemanager.StateManager, feed exchange.PriceFeed, gateways map[models.Mode]exchange.OrderGateway,
	notifier notify.Notifier, opts Options, logger *zap.Logger) *Supervisor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Supervisor{
		store:    store,
		feed:     feed,
		gateways: gateways,
		notifier: notifier,
		logger:   logger,
		opts:     opts.withDefaults(),
		now:      now,
		slots:    make(map[string]*slot),
		work:     make(chan *slot, workQueueSize),
	}
	for _, gw := range gateways {
		gw.SetFillHandler(s.onFill)
	}
	return s
}

func (s *Supervisor) slotFor(id string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if !ok {
		sl = &slot{id: id}
		s.slots[id] = sl
	}
	return sl
}

func (s *Supervisor) runningSlots(strategy models.Strategy) []*slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*slot
	for _, sl := range s.slots {
		if !sl.running.Load() {
			continue
		}
		if cfg := sl.cfg.Load(); cfg != nil && cfg.Strategy == strategy {
			out = append(out, sl)
		}
	}
	return out
}

func (s *Supervisor) notify(cfg *models.BotConfig, typ notify.EventType, mutate func(*notify.Event)) {
	if s.notifier == nil {
		return
	}
	e := notify.Event{Type: typ, BotID: cfg.ID, Owner: cfg.Owner, Symbol: cfg.Symbol, At: s.now().UTC()}
	if mutate != nil {
		mutate(&e)
	}
	s.notifier.Notify(e)
}

// Create validates and stores a new bot in CREATED.
func (s *Supervisor) Create(owner string, cfg models.BotConfig) (*models.BotConfig, *models.BotState, error) {
	return s.store.Create(owner, cfg)
}

// Seed creates the bots declared in the config file that are not stored yet.
// A seeded bot is matched by id, or by owner and name when it has no id, so
// seeding on every start is idempotent. It returns how many bots were created.
func (s *Supervisor) Seed(bots []models.BotConfig) (int, error) {
	created := 0
	for i, b := range bots {
		b.Name = strings.TrimSpace(b.Name)
		if b.ID == "" && b.Name == "" {
			return created, fmt.Errorf("%w: bots[%d] needs an id or a name", models.ErrValidation, i)
		}
		exists, err := s.seeded(b)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}
		cfg, _, err := s.store.Create(b.Owner, b)
		if err != nil {
			return created, fmt.Errorf("创建配置中的机器人 %q 失败: %w", b.Name, err)
		}
		created++
		s.logger.Info("已创建配置中的机器人", zap.String("bot_id", cfg.ID), zap.String("name", cfg.Name), zap.String("strategy", string(cfg.Strategy)))
	}
	return created, nil
}

func (s *Supervisor) seeded(b models.BotConfig) (bool, error) {
	if b.ID != "" {
		_, _, err := s.store.Load(b.Owner, b.ID)
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}
	existing, err := s.store.List(strings.TrimSpace(b.Owner))
	if err != nil {
		return false, err
	}
	for _, e := range existing {
		if e.Config.Name == b.Name {
			return true, nil
		}
	}
	return false, nil
}

// Get returns the owner's bot.
func (s *Supervisor) Get(owner, id string) (*models.BotConfig, *models.BotState, error) {
	return s.store.Load(owner, id)
}

// List returns the owner's bots.
func (s *Supervisor) List(owner string) ([]statemanager.Bot, error) {
	return s.store.List(owner)
}

// Replace swaps the config of a bot that is not running.
func (s *Supervisor) Replace(owner, id string, cfg models.BotConfig) (*models.BotConfig, *models.BotState, error) {
	sl := s.slotFor(id)
	sl.tickMu.Lock()
	defer sl.tickMu.Unlock()
	next, st, err := s.store.Replace(owner, id, cfg)
	if err != nil {
		return nil, nil, err
	}
	sl.cfg.Store(next)
	return next, st, nil
}

// Start moves a CREATED or STOPPED bot to RUNNING and registers it with the
// scheduler. Starting a running bot fails with ErrInvalidTransition and does
// not register it twice.
func (s *Supervisor) Start(ctx context.Context, owner, id string) error {
	sl := s.slotFor(id)
	sl.tickMu.Lock()
	defer sl.tickMu.Unlock()

	cfg, st, err := s.store.Load(owner, id)
	if err != nil {
		return err
	}
	if err := statemanager.Transition(st, models.StatusRunning); err != nil {
		return err
	}
	if _, ok := s.gateways[cfg.Mode]; !ok {
		return fmt.Errorf("%w: no gateway for mode %s", models.ErrValidation, cfg.Mode)
	}
	st.LastError = ""
	if err := s.store.Save(st); err != nil {
		return err
	}
	sl.cfg.Store(cfg)
	s.indexOrders(st)
	sl.running.Store(true)

	s.logger.Info("bot started", zap.String("bot_id", id), zap.String("strategy", string(cfg.Strategy)))
	s.notify(cfg, notify.BotStarted, nil)
	s.enqueue(sl)
	return nil
}

// Stop deregisters a RUNNING bot, waits for its in-flight tick, cancels its
// open orders best-effort and marks it STOPPED. Orders the gateway refuses to
// cancel stay recorded as open.
func (s *Supervisor) Stop(ctx context.Context, owner, id string) error {
	sl := s.slotFor(id)
	sl.tickMu.Lock()
	defer sl.tickMu.Unlock()

	cfg, st, err := s.store.Load(owner, id)
	if err != nil {
		return err
	}
	if st.Status != models.StatusRunning {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, st.Status, models.StatusStopped)
	}
	sl.running.Store(false)

	st = s.drain(sl, st)
	st = s.cancelAll(ctx, cfg, st)
	st = s.drain(sl, st)

	if err := statemanager.Transition(st, models.StatusStopped); err != nil {
		s.requeue(sl)
		return err
	}
	if err := s.persist(sl, cfg, st); err != nil {
		return err
	}
	s.logger.Info("bot stopped", zap.String("bot_id", id), zap.Int("open_orders_left", len(st.OpenOrders)))
	s.notify(cfg, notify.BotStopped, nil)
	return nil
}

func (s *Supervisor) cancelAll(ctx context.Context, cfg *models.BotConfig, st *models.BotState) *models.BotState {
	gw, ok := s.gateways[cfg.Mode]
	if !ok {
		return st
	}
	ids := make([]string, 0, len(st.OpenOrders))
	for id := range st.OpenOrders {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, oid := range ids {
		cctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
		err := gw.CancelOrder(cctx, cfg.Symbol, oid)
		cancel()
		if err != nil && !errors.Is(err, models.ErrOrderNotFound) {
			s.logger.Warn("撤单失败，订单保留为未完成",
				zap.String("bot_id", cfg.ID), zap.String("client_order_id", oid), zap.Error(err))
			continue
		}
		st = engine.ApplyCancelled(st, oid)
		s.orders.Delete(oid)
	}
	return st
}

// Reset moves an ERROR bot back to CREATED.
func (s *Supervisor) Reset(owner, id string) error {
	sl := s.slotFor(id)
	sl.tickMu.Lock()
	defer sl.tickMu.Unlock()

	_, st, err := s.store.Load(owner, id)
	if err != nil {
		return err
	}
	if err := statemanager.Transition(st, models.StatusCreated); err != nil {
		return err
	}
	st.LastError = ""
	return s.store.Save(st)
}

// Delete removes a bot that is not running.
func (s *Supervisor) Delete(owner, id string) error {
	sl := s.slotFor(id)
	sl.tickMu.Lock()
	defer sl.tickMu.Unlock()

	_, st, err := s.store.Load(owner, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(owner, id); err != nil {
		return err
	}
	for oid := range st.OpenOrders {
		s.orders.Delete(oid)
	}
	s.mu.Lock()
	delete(s.slots, id)
	s.mu.Unlock()
	return nil
}

// Restore re-registers bots persisted as RUNNING, rebuilds the order index and
// hands every open order back to gateways that track orders, so fills for
// orders placed before a restart still reach their bot.
func (s *Supervisor) Restore(ctx context.Context) (int, error) {
	bots, err := s.store.ListAll()
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, b := range bots {
		s.indexOrders(b.State)
		if tracker, ok := s.gateways[b.Config.Mode].(exchange.OrderTracker); ok {
			trackOrders(tracker, b.Config.Symbol, b.State)
		}
		if b.State.Status != models.StatusRunning {
			continue
		}
		if _, ok := s.gateways[b.Config.Mode]; !ok {
			s.logger.Warn("跳过恢复: 没有对应模式的网关", zap.String("bot_id", b.Config.ID), zap.String("mode", string(b.Config.Mode)))
			continue
		}
		sl := s.slotFor(b.Config.ID)
		sl.tickMu.Lock()
		sl.cfg.Store(b.Config)
		sl.running.Store(true)
		sl.tickMu.Unlock()
		s.enqueue(sl)
		restored++
	}
	s.logger.Info("恢复运行中的机器人", zap.Int("count", restored))
	return restored, nil
}

// Shutdown stops scheduling and waits for in-flight ticks. Persisted status
// is left untouched so Restore picks the bots up again.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	slots := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		sl.running.Store(false)
		slots = append(slots, sl)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, sl := range slots {
			sl.tickMu.Lock()
			sl.tickMu.Unlock()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func trackOrders(tracker exchange.OrderTracker, symbol string, st *models.BotState) {
	quote := make(map[string]float64, len(st.OpenOrders))
	for _, f := range st.FilledOrders {
		if _, open := st.OpenOrders[f.ClientOrderID]; open {
			quote[f.ClientOrderID] += f.Price * f.Size
		}
	}
	for oid, order := range st.OpenOrders {
		tracker.Track(symbol, order, quote[oid])
	}
}

func (s *Supervisor) indexOrders(st *models.BotState) {
	for oid := range st.OpenOrders {
		s.orders.Store(oid, st.BotID)
	}
}
