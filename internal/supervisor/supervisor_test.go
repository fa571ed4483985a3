package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crypto-orchestrator-bots/internal/exchange"
	"crypto-orchestrator-bots/internal/models"
	"crypto-orchestrator-bots/internal/notify"
	"crypto-orchestrator-bots/internal/persistence"
	"crypto-orchestrator-bots/internal/statemanager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeGateway records orders and only fills them when the test says so.
type fakeGateway struct {
	mu        sync.Mutex
	open      map[string]exchange.OrderRequest
	placed    []exchange.OrderRequest
	placeErr  error
	cancelErr error
	handler   exchange.FillHandler
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{open: make(map[string]exchange.OrderRequest)}
}

func (g *fakeGateway) SetFillHandler(h exchange.FillHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeErr != nil {
		return "", g.placeErr
	}
	g.open[req.ClientOrderID] = req
	g.placed = append(g.placed, req)
	return fmt.Sprintf("x-%d", len(g.placed)), nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	if _, ok := g.open[clientOrderID]; !ok {
		return models.ErrOrderNotFound
	}
	delete(g.open, clientOrderID)
	return nil
}

func (g *fakeGateway) openCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.open)
}

func (g *fakeGateway) placedOrders() []exchange.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]exchange.OrderRequest(nil), g.placed...)
}

func (g *fakeGateway) fillAll(price float64) {
	g.mu.Lock()
	var fills []models.Fill
	var symbols []string
	for id, req := range g.open {
		fills = append(fills, models.Fill{ClientOrderID: id, Side: req.Side, Price: price, Size: req.Size, FilledAt: time.Now()})
		symbols = append(symbols, req.Symbol)
		delete(g.open, id)
	}
	h := g.handler
	g.mu.Unlock()
	for i, f := range fills {
		h(symbols[i], f)
	}
}

// funcFeed delegates to a test-provided function.
type funcFeed func(ctx context.Context, symbol string) (float64, error)

func (f funcFeed) GetPrice(ctx context.Context, symbol string) (float64, error) { return f(ctx, symbol) }

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(e notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) types() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.EventType, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}

// flakyRepo fails the next failSaves state writes.
type flakyRepo struct {
	persistence.BotRepository
	failSaves atomic.Int32
}

func (r *flakyRepo) SaveState(st *models.BotState) error {
	if r.failSaves.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	r.failSaves.Store(0)
	return r.BotRepository.SaveState(st)
}

type harness struct {
	sup      *Supervisor
	store    *statemanager.StateManager
	repo     *flakyRepo
	gw       *fakeGateway
	feed     *exchange.StaticFeed
	notifier *recordingNotifier
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	inner, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })
	repo := &flakyRepo{BotRepository: inner}

	h := &harness{
		repo:     repo,
		store:    statemanager.NewStateManager(repo, zap.NewNop()),
		gw:       newFakeGateway(),
		feed:     exchange.NewStaticFeed(),
		notifier: &recordingNotifier{},
	}
	h.sup = New(h.store, h.feed, map[models.Mode]exchange.OrderGateway{models.ModePaper: h.gw}, h.notifier, opts, zap.NewNop())
	return h
}

func (h *harness) state(t *testing.T, id string) *models.BotState {
	t.Helper()
	_, st, err := h.sup.Get("alice", id)
	require.NoError(t, err)
	return st
}

func gridBot() models.BotConfig {
	return models.BotConfig{
		Strategy: models.StrategyGrid,
		Symbol:   "BTCUSDT",
		Parameters: models.Parameters{
			OrderSize:  0.1,
			GridCount:  5,
			LowerPrice: 90,
			UpperPrice: 110,
		},
	}
}

func dcaBot(symbol string) models.BotConfig {
	return models.BotConfig{
		Strategy: models.StrategyDCA,
		Symbol:   symbol,
		Parameters: models.Parameters{
			OrderSize:       1,
			IntervalSeconds: 60,
			MaxOrders:       5,
		},
	}
}

func TestCreateThenGet(t *testing.T) {
	h := newHarness(t, Options{})
	cfg, _, err := h.sup.Create("alice", gridBot())
	require.NoError(t, err)

	st := h.state(t, cfg.ID)
	assert.Equal(t, models.StatusCreated, st.Status)
	assert.Empty(t, st.FilledOrders)

	_, _, err = h.sup.Get("bob", cfg.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSeedIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	named := dcaBot("ETHUSDT")
	named.Owner, named.Name = "alice", "eth-dca"
	pinned := gridBot()
	pinned.Owner, pinned.ID = "alice", "grid-from-config"

	for i := 0; i < 3; i++ {
		n, err := h.sup.Seed([]models.BotConfig{named, pinned})
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, 2, n)
		} else {
			assert.Zero(t, n)
		}
	}
	bots, err := h.sup.List("alice")
	require.NoError(t, err)
	assert.Len(t, bots, 2)

	// 同名但属于另一个 owner 的机器人单独创建
	other := named
	other.Owner = "bob"
	n, err := h.sup.Seed([]models.BotConfig{other})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.sup.Seed([]models.BotConfig{dcaBot("ETHUSDT")})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestGridTickPlacesNearestLevel(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	cfg, _, err := h.sup.Create("alice", gridBot())
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))

	h.feed.Set("BTCUSDT", 100)
	require.NoError(t, h.sup.TickNow(ctx, cfg.ID))
	assert.Empty(t, h.gw.placedOrders())

	h.feed.Set("BTCUSDT", 94)
	require.NoError(t, h.sup.TickNow(ctx, cfg.ID))
	placed := h.gw.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, 95.0, placed[0].Price)
	assert.Equal(t, models.Buy, placed[0].Side)

	st := h.state(t, cfg.ID)
	require.Len(t, st.OpenOrders, 1)
	assert.Contains(t, st.OpenOrders, placed[0].ClientOrderID)
}

func TestStopCancelsOpenOrders(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	cfg, _, err := h.sup.Create("alice", gridBot())
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))

	for _, p := range []float64{100, 94, 89} {
		h.feed.Set("BTCUSDT", p)
		require.NoError(t, h.sup.TickNow(ctx, cfg.ID))
	}
	require.Equal(t, 2, h.gw.openCount())
	require.Len(t, h.state(t, cfg.ID).OpenOrders, 2)

	require.NoError(t, h.sup.Stop(ctx, "alice", cfg.ID))
	assert.Equal(t, 0, h.gw.openCount())
	st := h.state(t, cfg.ID)
	assert.Equal(t, models.StatusStopped, st.Status)
	assert.Empty(t, st.OpenOrders)

	assert.ErrorIs(t, h.sup.TickNow(ctx, cfg.ID), models.ErrInvalidState)
	assert.ErrorIs(t, h.sup.Stop(ctx, "alice", cfg.ID), models.ErrInvalidTransition)
	assert.Equal(t, []notify.EventType{notify.BotStarted, notify.BotStopped}, h.notifier.types())
}

func TestStopWaitsForInFlightTick(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	h := newHarness(t, Options{GatewayTimeout: 5 * time.Second})
	h.sup.feed = funcFeed(func(ctx context.Context, symbol string) (float64, error) {
		once.Do(func() { close(entered) })
		<-release
		return 100, nil
	})
	ctx := context.Background()
	cfg, _, err := h.sup.Create("alice", dcaBot("ETHUSDT"))
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))

	tickDone := make(chan error, 1)
	go func() { tickDone <- h.sup.TickNow(ctx, cfg.ID) }()
	<-entered

	stopDone := make(chan error, 1)
	go func() { stopDone <- h.sup.Stop(ctx, "alice", cfg.ID) }()
	select {
	case <-stopDone:
		t.Fatal("Stop returned while a tick was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-tickDone)
	select {
	case err := <-stopDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the tick finished")
	}

	// tick 下的单在 Stop 中被撤销
	require.Len(t, h.gw.placedOrders(), 1)
	assert.Equal(t, 0, h.gw.openCount())
	st := h.state(t, cfg.ID)
	assert.Equal(t, models.StatusStopped, st.Status)
	assert.Empty(t, st.OpenOrders)
	assert.False(t, st.LastOrderAt.IsZero())
}

func TestStopKeepsOrdersTheGatewayRefusesToCancel(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	cfg, _, err := h.sup.Create("alice", gridBot())
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))
	for _, p := range []float64{100, 94} {
		h.feed.Set("BTCUSDT", p)
		require.NoError(t, h.sup.TickNow(ctx, cfg.ID))
	}

	h.gw.cancelErr = models.ErrUnavailable
	require.NoError(t, h.sup.Stop(ctx, "alice", cfg.ID))
	st := h.state(t, cfg.ID)
	assert.Equal(t, models.StatusStopped, st.Status)
	assert.Len(t, st.OpenOrders, 1)
}

func TestDoubleStartIsRejected(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	cfg, _, err := h.sup.Create("alice", gridBot())
	require.NoError(t, err)

	require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))
	assert.ErrorIs(t, h.sup.Start(ctx, "alice", cfg.ID), models.ErrInvalidTransition)
	assert.Len(t, h.sup.runningSlots(models.StrategyGrid), 1)
	assert.Equal(t, []notify.EventType{notify.BotStarted}, h.notifier.types())
}

func TestDeleteRequiresStop(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	cfg, _, err := h.sup.Create("alice", gridBot())
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))

	assert.ErrorIs(t, h.sup.Delete("alice", cfg.ID), models.ErrInvalidState)
	require.NoError(t, h.sup.Stop(ctx, "alice", cfg.ID))
	require.NoError(t, h.sup.Delete("alice", cfg.ID))
	_, _, err = h.sup.Get("alice", cfg.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSlowBotDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	h := newHarness(t, Options{GatewayTimeout: 5 * time.Second})
	h.sup.feed = funcFeed(func(ctx context.Context, symbol string) (float64, error) {
		if symbol == "SLOWUSDT" {
			close(entered)
			<-release
		}
		return 100, nil
	})
	ctx := context.Background()

	a, _, err := h.sup.Create("alice", dcaBot("ETHUSDT"))
	require.NoError(t, err)
	b, _, err := h.sup.Create("alice", dcaBot("SLOWUSDT"))
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(ctx, "alice", a.ID))
	require.NoError(t, h.sup.Start(ctx, "alice", b.ID))

	slowDone := make(chan error, 1)
	go func() { slowDone <- h.sup.TickNow(ctx, b.ID) }()
	<-entered

	fastDone := make(chan error, 1)
	go func() { fastDone <- h.sup.TickNow(ctx, a.ID) }()
	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bot A was blocked by bot B's tick")
	}
	assert.Len(t, h.state(t, a.ID).OpenOrders, 1)

	close(release)
	require.NoError(t, <-slowDone)
}

func TestFatalErrorMovesBotToError(t *testing.T) {
	h := newHarness(t, Options{})
	h.sup.feed = funcFeed(func(ctx context.Context, symbol string) (float64, error) {
		return 0, errors.New("feed returned garbage")
	})
	ctx := context.Background()
	cfg, _, err := h.sup.Create("alice", gridBot())
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))

	assert.Error(t, h.sup.TickNow(ctx, cfg.ID))
	st := h.state(t, cfg.ID)
	assert.Equal(t, models.StatusError, st.Status)
	assert.Contains(t, st.LastError, "garbage")
	assert.Contains(t, h.notifier.types(), notify.BotErrored)
	assert.ErrorIs(t, h.sup.TickNow(ctx, cfg.ID), models.ErrInvalidState)

	assert.ErrorIs(t, h.sup.Start(ctx, "alice", cfg.ID), models.ErrInvalidTransition)
	require.NoError(t, h.sup.Reset("alice", cfg.ID))
	st = h.state(t, cfg.ID)
	assert.Equal(t, models.StatusCreated, st.Status)
	assert.Empty(t, st.LastError)
}

func TestPanicInTickIsFatal(t *testing.T) {
	h := newHarness(t, Options{})
	h.sup.feed = funcFeed(func(ctx context.Context, symbol string) (float64, error) {
		panic("boom")
	})
	ctx := context.Background()
	cfg, _, err := h.sup.Create("alice", gridBot())
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))

	err = h.sup.TickNow(ctx, cfg.ID)
	assert.ErrorIs(t, err, models.ErrCorruptState)
	assert.Equal(t, models.StatusError, h.state(t, cfg.ID).Status)
}

func TestTimeoutIsTransient(t *testing.T) {
	h := newHarness(t, Options{GatewayTimeout: 20 * time.Millisecond})
	h.sup.feed = funcFeed(func(ctx context.Context, symbol string) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	ctx := context.Background()
	cfg, _, err := h.sup.Create("alice", dcaBot("ETHUSDT"))
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))

	err = h.sup.TickNow(ctx, cfg.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	st := h.state(t, cfg.ID)
	assert.Equal(t, models.StatusRunning, st.Status)
	assert.Empty(t, st.OpenOrders)
}

func TestGatewayRejectionRetriesNextTick(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.feed.Set("ETHUSDT", 100)
	cfg, _, err := h.sup.Create("alice", dcaBot("ETHUSDT"))
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))

	h.gw.placeErr = fmt.Errorf("%w: exchange busy", models.ErrUnavailable)
	assert.ErrorIs(t, h.sup.TickNow(ctx, cfg.ID), models.ErrUnavailable)
	st := h.state(t, cfg.ID)
	assert.Equal(t, models.StatusRunning, st.Status)
	assert.Empty(t, st.OpenOrders)
	assert.True(t, st.LastOrderAt.IsZero())

	h.gw.placeErr = nil
	require.NoError(t, h.sup.TickNow(ctx, cfg.ID))
	assert.Len(t, h.state(t, cfg.ID).OpenOrders, 1)
}

func TestFillsAreRoutedToTheirBot(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.feed.Set("ETHUSDT", 100)
	cfg, _, err := h.sup.Create("alice", dcaBot("ETHUSDT"))
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))
	require.NoError(t, h.sup.TickNow(ctx, cfg.ID))

	h.gw.fillAll(99.5)
	require.NoError(t, h.sup.TickNow(ctx, cfg.ID))

	st := h.state(t, cfg.ID)
	assert.Empty(t, st.OpenOrders)
	require.Len(t, st.FilledOrders, 1)
	assert.Equal(t, 99.5, st.FilledOrders[0].Price)
	assert.Equal(t, 99.5, st.AverageCost)
	assert.Contains(t, h.notifier.types(), notify.OrderFilled)
}

// manualClock is a settable clock for Options.Now.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestFillSurvivesFailedSave(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	h := newHarness(t, Options{Now: clock.Now})
	ctx := context.Background()
	h.feed.Set("ETHUSDT", 100)
	cfg, _, err := h.sup.Create("alice", dcaBot("ETHUSDT"))
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))
	require.NoError(t, h.sup.TickNow(ctx, cfg.ID))
	require.Len(t, h.gw.placedOrders(), 1)

	h.gw.fillAll(99)
	h.repo.failSaves.Store(1)
	assert.Error(t, h.sup.TickNow(ctx, cfg.ID))
	st := h.state(t, cfg.ID)
	assert.Len(t, st.OpenOrders, 1)
	assert.Empty(t, st.FilledOrders)
	assert.NotContains(t, h.notifier.types(), notify.OrderFilled)

	// 下一次 tick 重新应用这笔成交，DCA 可以继续下单
	clock.Advance(61 * time.Second)
	require.NoError(t, h.sup.TickNow(ctx, cfg.ID))
	st = h.state(t, cfg.ID)
	require.Len(t, st.FilledOrders, 1)
	assert.Equal(t, 99.0, st.FilledOrders[0].Price)
	assert.Equal(t, 1.0, st.PositionSize)
	assert.Len(t, h.gw.placedOrders(), 2)
	require.Len(t, st.OpenOrders, 1)
	assert.Contains(t, st.OpenOrders, h.gw.placedOrders()[1].ClientOrderID)

	filled := 0
	for _, typ := range h.notifier.types() {
		if typ == notify.OrderFilled {
			filled++
		}
	}
	assert.Equal(t, 1, filled)
}

func TestFillAfterStopIsRecorded(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.feed.Set("ETHUSDT", 100)
	cfg, _, err := h.sup.Create("alice", dcaBot("ETHUSDT"))
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))
	require.NoError(t, h.sup.TickNow(ctx, cfg.ID))

	h.gw.cancelErr = models.ErrUnavailable
	require.NoError(t, h.sup.Stop(ctx, "alice", cfg.ID))
	h.gw.cancelErr = nil

	h.gw.fillAll(100)
	require.Eventually(t, func() bool {
		return len(h.state(t, cfg.ID).FilledOrders) == 1
	}, time.Second, 5*time.Millisecond)
	st := h.state(t, cfg.ID)
	assert.Equal(t, models.StatusStopped, st.Status)
	assert.Empty(t, st.OpenOrders)
}

func futuresBot() models.BotConfig {
	return models.BotConfig{
		Strategy: models.StrategyFutures,
		Symbol:   "BTCUSDT",
		Parameters: models.Parameters{
			OrderSize:  1,
			Leverage:   10,
			Direction:  models.Long,
			EntryPrice: 100,
		},
	}
}

func TestFuturesForceCloseOnce(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	cfg, _, err := h.sup.Create("alice", futuresBot())
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))

	h.feed.Set("BTCUSDT", 90)
	require.NoError(t, h.sup.TickNow(ctx, cfg.ID))
	require.NoError(t, h.sup.TickNow(ctx, cfg.ID))
	h.feed.Set("BTCUSDT", 85)
	require.NoError(t, h.sup.TickNow(ctx, cfg.ID))

	placed := h.gw.placedOrders()
	require.Len(t, placed, 1)
	assert.True(t, placed[0].Market)
	assert.Equal(t, models.Sell, placed[0].Side)
	st := h.state(t, cfg.ID)
	assert.True(t, st.PositionClosed)
	assert.Equal(t, "liquidation", st.CloseReason)
}

func TestFuturesReplaceDoesNotReopen(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	cfg, _, err := h.sup.Create("alice", futuresBot())
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))

	h.feed.Set("BTCUSDT", 89)
	require.NoError(t, h.sup.TickNow(ctx, cfg.ID))
	h.gw.fillAll(89)
	require.NoError(t, h.sup.TickNow(ctx, cfg.ID))
	require.Equal(t, 0.0, h.state(t, cfg.ID).PositionSize)

	require.NoError(t, h.sup.Stop(ctx, "alice", cfg.ID))
	_, replaced, err := h.sup.Replace("alice", cfg.ID, futuresBot())
	require.NoError(t, err)
	assert.True(t, replaced.PositionClosed)
	require.NotNil(t, replaced.Opening)

	require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))
	for i := 0; i < 3; i++ {
		require.NoError(t, h.sup.TickNow(ctx, cfg.ID))
		h.gw.fillAll(89)
	}
	require.NoError(t, h.sup.TickNow(ctx, cfg.ID))

	assert.Len(t, h.gw.placedOrders(), 1)
	st := h.state(t, cfg.ID)
	assert.Equal(t, 0.0, st.PositionSize)
	assert.Len(t, st.FilledOrders, 1)
	assert.True(t, st.PositionClosed)
	assert.Equal(t, "liquidation", st.CloseReason)
}

func TestPaperGatewayEndToEnd(t *testing.T) {
	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	defer repo.Close()
	store := statemanager.NewStateManager(repo, zap.NewNop())
	feed := exchange.NewStaticFeed()
	paper := exchange.NewPaperGateway(models.ExchangeConfig{}, zap.NewNop())
	sup := New(store, feed, map[models.Mode]exchange.OrderGateway{models.ModePaper: paper}, nil, Options{}, zap.NewNop())
	ctx := context.Background()

	cfg, _, err := sup.Create("alice", dcaBot("ETHUSDT"))
	require.NoError(t, err)
	require.NoError(t, sup.Start(ctx, "alice", cfg.ID))
	feed.Set("ETHUSDT", 100)
	require.NoError(t, sup.TickNow(ctx, cfg.ID))

	_, st, err := sup.Get("alice", cfg.ID)
	require.NoError(t, err)
	assert.Empty(t, st.OpenOrders)
	require.Len(t, st.FilledOrders, 1)
	assert.Equal(t, 1.0, st.PositionSize)
}

func TestRestoreResumesRunningBots(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.feed.Set("ETHUSDT", 100)
	running, _, err := h.sup.Create("alice", dcaBot("ETHUSDT"))
	require.NoError(t, err)
	idle, _, err := h.sup.Create("alice", dcaBot("ETHUSDT"))
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(ctx, "alice", running.ID))
	require.NoError(t, h.sup.TickNow(ctx, running.ID))
	require.NoError(t, h.sup.Shutdown(ctx))
	assert.Equal(t, models.StatusRunning, h.state(t, running.ID).Status)

	gw := newFakeGateway()
	restarted := New(h.store, h.feed, map[models.Mode]exchange.OrderGateway{models.ModePaper: gw}, nil, Options{}, zap.NewNop())
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, restarted.TickNow(ctx, idle.ID), models.ErrInvalidState)

	// 重启前挂的订单成交后仍能路由到原机器人
	st := h.state(t, running.ID)
	require.Len(t, st.OpenOrders, 1)
	for id := range st.OpenOrders {
		gw.handler("ETHUSDT", models.Fill{ClientOrderID: id, Side: models.Buy, Price: 100, Size: 1})
	}
	require.NoError(t, restarted.TickNow(ctx, running.ID))
	assert.Len(t, h.state(t, running.ID).FilledOrders, 1)
}

type trackedCall struct {
	symbol string
	order  models.OpenOrder
	quote  float64
}

// trackingGateway is a fakeGateway that also resumes order tracking.
type trackingGateway struct {
	*fakeGateway
	tracked []trackedCall
}

func (g *trackingGateway) Track(symbol string, order models.OpenOrder, filledQuote float64) {
	g.tracked = append(g.tracked, trackedCall{symbol: symbol, order: order, quote: filledQuote})
}

func TestRestoreTracksOpenOrders(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.feed.Set("ETHUSDT", 100)
	cfg, _, err := h.sup.Create("alice", dcaBot("ETHUSDT"))
	require.NoError(t, err)
	require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))
	require.NoError(t, h.sup.TickNow(ctx, cfg.ID))

	placed := h.gw.placedOrders()
	require.Len(t, placed, 1)
	oid := placed[0].ClientOrderID
	h.gw.handler("ETHUSDT", models.Fill{ClientOrderID: oid, Side: models.Buy, Price: 99, Size: 0.4})
	require.NoError(t, h.sup.TickNow(ctx, cfg.ID))
	require.NoError(t, h.sup.Shutdown(ctx))

	gw := &trackingGateway{fakeGateway: newFakeGateway()}
	restarted := New(h.store, h.feed, map[models.Mode]exchange.OrderGateway{models.ModePaper: gw}, nil, Options{}, zap.NewNop())
	_, err = restarted.Restore(ctx)
	require.NoError(t, err)

	require.Len(t, gw.tracked, 1)
	call := gw.tracked[0]
	assert.Equal(t, "ETHUSDT", call.symbol)
	assert.Equal(t, oid, call.order.ClientOrderID)
	assert.Equal(t, models.Buy, call.order.Side)
	assert.InDelta(t, 0.4, call.order.FilledSize, 1e-9)
	assert.InDelta(t, 39.6, call.quote, 1e-9)

	// 恢复后的成交回报照常进入原机器人
	gw.handler("ETHUSDT", models.Fill{ClientOrderID: oid, Side: models.Buy, Price: 99, Size: 0.6})
	require.NoError(t, restarted.TickNow(ctx, cfg.ID))
	st := h.state(t, cfg.ID)
	assert.Empty(t, st.OpenOrders)
	assert.Len(t, st.FilledOrders, 2)
}

// countingFeed tracks how many GetPrice calls run at once per symbol.
type countingFeed struct {
	mu      sync.Mutex
	active  map[string]int
	maxSeen map[string]int
	calls   atomic.Int64
}

func (f *countingFeed) GetPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	f.active[symbol]++
	if f.active[symbol] > f.maxSeen[symbol] {
		f.maxSeen[symbol] = f.active[symbol]
	}
	f.mu.Unlock()
	f.calls.Add(1)

	time.Sleep(3 * time.Millisecond)

	f.mu.Lock()
	f.active[symbol]--
	f.mu.Unlock()
	return 100, nil
}

func TestSchedulerRunsAtMostOneTickPerBot(t *testing.T) {
	feed := &countingFeed{active: map[string]int{}, maxSeen: map[string]int{}}
	h := newHarness(t, Options{
		Workers:  4,
		Cadences: map[models.Strategy]time.Duration{models.StrategyTrailing: time.Millisecond},
	})
	h.sup.feed = feed

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sup.Run(ctx)
		close(done)
	}()

	var ids []string
	for _, symbol := range []string{"AAAUSDT", "BBBUSDT"} {
		cfg, _, err := h.sup.Create("alice", models.BotConfig{
			Strategy: models.StrategyTrailing,
			Symbol:   symbol,
			Parameters: models.Parameters{
				OrderSize:       1,
				TrailingPercent: 5,
				TrailingSide:    models.Sell,
			},
		})
		require.NoError(t, err)
		require.NoError(t, h.sup.Start(ctx, "alice", cfg.ID))
		ids = append(ids, cfg.ID)
	}

	require.Eventually(t, func() bool { return feed.calls.Load() >= 20 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	feed.mu.Lock()
	defer feed.mu.Unlock()
	symbols := make([]string, 0, len(feed.maxSeen))
	for s, n := range feed.maxSeen {
		symbols = append(symbols, s)
		assert.Equal(t, 1, n, "symbol %s had concurrent ticks", s)
	}
	sort.Strings(symbols)
	assert.Equal(t, []string{"AAAUSDT", "BBBUSDT"}, symbols)

	for _, id := range ids {
		assert.False(t, h.state(t, id).LastTickAt.IsZero())
	}
}

func TestOptionsFrom(t *testing.T) {
	opts := OptionsFrom(models.SupervisorConfig{
		Workers:          3,
		GatewayTimeoutMs: 250,
		Cadences:         map[string]int{"GRID": 7},
	})
	assert.Equal(t, 3, opts.Workers)
	assert.Equal(t, 250*time.Millisecond, opts.GatewayTimeout)
	assert.Equal(t, 7*time.Second, opts.Cadences[models.StrategyGrid])
	assert.Equal(t, 60*time.Second, opts.Cadences[models.StrategyDCA])

	def := OptionsFrom(models.SupervisorConfig{})
	assert.Equal(t, DefaultWorkers, def.Workers)
	assert.Equal(t, DefaultGatewayTimeout, def.GatewayTimeout)
	assert.Equal(t, 15*time.Second, def.Cadences[models.StrategyGrid])
}
