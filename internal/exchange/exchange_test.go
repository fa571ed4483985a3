package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"crypto-orchestrator-bots/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fillRecorder struct {
	mu    sync.Mutex
	fills []models.Fill
}

func (r *fillRecorder) handle(_ string, f models.Fill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills = append(r.fills, f)
}

func (r *fillRecorder) all() []models.Fill {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Fill(nil), r.fills...)
}

func newPaper(t *testing.T) (*PaperGateway, *fillRecorder) {
	t.Helper()
	g := NewPaperGateway(models.ExchangeConfig{MakerFeeRate: 0.001, TakerFeeRate: 0.002}, zap.NewNop())
	rec := &fillRecorder{}
	g.SetFillHandler(rec.handle)
	return g, rec
}

func TestPaperGatewayRestingOrderFillsAtLimit(t *testing.T) {
	g, rec := newPaper(t)
	ctx := context.Background()
	g.ObservePrice("BTCUSDT", 100, time.Unix(0, 0))

	id, err := g.PlaceOrder(ctx, OrderRequest{ClientOrderID: "c1", Symbol: "BTCUSDT", Side: models.Buy, Price: 95, Size: 2})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "paper-"))
	assert.Empty(t, rec.all())
	assert.Len(t, g.OpenOrders("BTCUSDT"), 1)

	g.ObservePrice("BTCUSDT", 96, time.Unix(1, 0))
	assert.Empty(t, rec.all())

	g.ObservePrice("BTCUSDT", 94, time.Unix(2, 0))
	fills := rec.all()
	require.Len(t, fills, 1)
	assert.Equal(t, "c1", fills[0].ClientOrderID)
	assert.Equal(t, 95.0, fills[0].Price)
	assert.InDelta(t, 0.19, fills[0].Fee, 1e-9)
	assert.Empty(t, g.OpenOrders("BTCUSDT"))
}

func TestPaperGatewayMarketableOrderFillsImmediately(t *testing.T) {
	g, rec := newPaper(t)
	g.ObservePrice("ETHUSDT", 100, time.Time{})

	_, err := g.PlaceOrder(context.Background(), OrderRequest{ClientOrderID: "c1", Symbol: "ETHUSDT", Side: models.Buy, Price: 101, Size: 1})
	require.NoError(t, err)
	fills := rec.all()
	require.Len(t, fills, 1)
	assert.Equal(t, 100.0, fills[0].Price)
	assert.InDelta(t, 0.2, fills[0].Fee, 1e-9)

	_, err = g.PlaceOrder(context.Background(), OrderRequest{ClientOrderID: "c2", Symbol: "ETHUSDT", Side: models.Sell, Market: true, Size: 1})
	require.NoError(t, err)
	assert.Len(t, rec.all(), 2)
	assert.Equal(t, 2, g.FillCount())
}

func TestPaperGatewayCandlePath(t *testing.T) {
	g, rec := newPaper(t)
	ctx := context.Background()
	g.ObservePrice("BTCUSDT", 100, time.Time{})
	_, err := g.PlaceOrder(ctx, OrderRequest{ClientOrderID: "buy", Symbol: "BTCUSDT", Side: models.Buy, Price: 95, Size: 1})
	require.NoError(t, err)
	_, err = g.PlaceOrder(ctx, OrderRequest{ClientOrderID: "sell", Symbol: "BTCUSDT", Side: models.Sell, Price: 105, Size: 1})
	require.NoError(t, err)

	g.ObserveCandle("BTCUSDT", 100, 106, 94, 100, time.Unix(60, 0))
	fills := rec.all()
	require.Len(t, fills, 2)
	assert.Equal(t, "buy", fills[0].ClientOrderID, "low is visited before high")
	assert.Equal(t, "sell", fills[1].ClientOrderID)
}

func TestPaperGatewayCancel(t *testing.T) {
	g, _ := newPaper(t)
	ctx := context.Background()
	_, err := g.PlaceOrder(ctx, OrderRequest{ClientOrderID: "c1", Symbol: "BTCUSDT", Side: models.Buy, Price: 95, Size: 1})
	require.NoError(t, err)

	require.NoError(t, g.CancelOrder(ctx, "BTCUSDT", "c1"))
	assert.ErrorIs(t, g.CancelOrder(ctx, "BTCUSDT", "c1"), models.ErrOrderNotFound)
	assert.Empty(t, g.OpenOrders("BTCUSDT"))
}

func TestPaperGatewayRejects(t *testing.T) {
	g, _ := newPaper(t)
	ctx := context.Background()
	_, err := g.PlaceOrder(ctx, OrderRequest{ClientOrderID: "c1", Symbol: "BTCUSDT", Side: models.Buy, Price: 95})
	assert.ErrorIs(t, err, models.ErrRejected)

	_, err = g.PlaceOrder(ctx, OrderRequest{ClientOrderID: "c1", Symbol: "BTCUSDT", Side: models.Buy, Price: 95, Size: 1})
	require.NoError(t, err)
	_, err = g.PlaceOrder(ctx, OrderRequest{ClientOrderID: "c1", Symbol: "BTCUSDT", Side: models.Buy, Price: 95, Size: 1})
	assert.ErrorIs(t, err, models.ErrRejected)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = g.PlaceOrder(cancelled, OrderRequest{ClientOrderID: "c2", Symbol: "BTCUSDT", Side: models.Buy, Price: 95, Size: 1})
	assert.True(t, models.IsTransient(err))
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(&common.APIError{Code: -2011, Message: "Unknown order sent."}), models.ErrOrderNotFound)
	assert.ErrorIs(t, classify(&common.APIError{Code: -1013, Message: "Filter failure"}), models.ErrRejected)

	auth := classify(&common.APIError{Code: -2015, Message: "Invalid API-key"})
	assert.False(t, models.IsTransient(auth))

	netErr := classify(errors.New("connection reset by peer"))
	assert.ErrorIs(t, netErr, models.ErrUnavailable)
	assert.ErrorIs(t, classify(context.DeadlineExceeded), context.DeadlineExceeded)
}

func TestDeltaFill(t *testing.T) {
	tr := &trackedOrder{symbol: "BTCUSDT", side: models.Buy}
	f, ok := deltaFill(tr, "c1", 0.4, 40, time.Unix(0, 0))
	require.True(t, ok)
	assert.Equal(t, 0.4, f.Size)
	assert.InDelta(t, 100, f.Price, 1e-9)

	_, ok = deltaFill(tr, "c1", 0.4, 40, time.Unix(1, 0))
	assert.False(t, ok)

	f, ok = deltaFill(tr, "c1", 1, 103, time.Unix(2, 0))
	require.True(t, ok)
	assert.InDelta(t, 0.6, f.Size, 1e-9)
	assert.InDelta(t, 105, f.Price, 1e-9)
}

func TestBinanceGatewayTrackResumesPolling(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "bot-1-c1", r.URL.Query().Get("origClientOrderId"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol":"ETHUSDT","orderId":42,"clientOrderId":"bot-1-c1","price":"100","origQty":"1.5",` +
			`"executedQty":"1.5","cummulativeQuoteQty":"150.5","status":"FILLED","type":"LIMIT","side":"BUY","updateTime":1700000000000}`))
	}))
	defer srv.Close()

	client := binance.NewClient("key", "secret")
	client.BaseURL = srv.URL
	g := newBinanceGateway(client, models.ExchangeConfig{}, zap.NewNop())
	rec := &fillRecorder{}
	g.SetFillHandler(rec.handle)

	var _ OrderTracker = g
	// 重启前已记录 0.5 @ 100
	g.Track("ETHUSDT", models.OpenOrder{ClientOrderID: "bot-1-c1", Side: models.Buy, Price: 100, Size: 1.5, FilledSize: 0.5}, 50)
	g.pollOne(context.Background(), "bot-1-c1")

	fills := rec.all()
	require.Len(t, fills, 1)
	assert.Equal(t, "bot-1-c1", fills[0].ClientOrderID)
	assert.Equal(t, models.Buy, fills[0].Side)
	assert.InDelta(t, 1.0, fills[0].Size, 1e-9)
	assert.InDelta(t, 100.5, fills[0].Price, 1e-9)
	assert.Equal(t, time.UnixMilli(1700000000000), fills[0].FilledAt)

	// 订单已完成，不再轮询
	g.pollOne(context.Background(), "bot-1-c1")
	mu.Lock()
	assert.Equal(t, 1, hits)
	mu.Unlock()
	assert.Len(t, rec.all(), 1)
}

func TestStaticFeed(t *testing.T) {
	f := NewStaticFeed()
	_, err := f.GetPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, models.ErrUnavailable)

	f.Set("BTCUSDT", 42)
	p, err := f.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 42.0, p)
}

func TestStreamFeedStaleness(t *testing.T) {
	now := time.Unix(1000, 0)
	f := NewStreamFeed(models.ExchangeConfig{StaleAfterSec: 10}, nil, zap.NewNop())
	f.now = func() time.Time { return now }

	require.NoError(t, f.handleMessage([]byte(`{"stream":"btcusdt@aggTrade","data":{"s":"BTCUSDT","p":"101.5","T":1}}`)))
	p, err := f.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 101.5, p)

	now = now.Add(11 * time.Second)
	_, err = f.GetPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, models.ErrUnavailable)

	fallback := NewStaticFeed()
	fallback.Set("BTCUSDT", 99)
	f.fallback = fallback
	p, err = f.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 99.0, p)

	assert.Error(t, f.handleMessage([]byte(`{"stream":"x","data":{}}`)))
}

func TestStreamFeedRun(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "btcusdt@aggTrade/ethusdt@aggTrade", r.URL.Query().Get("streams"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"btcusdt@aggTrade","data":{"s":"BTCUSDT","p":"64000.1"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"ethusdt@aggTrade","data":{"s":"ETHUSDT","p":"3100"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	f := NewStreamFeed(models.ExchangeConfig{
		StreamURL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		StreamSymbols: []string{"BTCUSDT", "ETHUSDT"},
	}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		p, err := f.GetPrice(context.Background(), "ETHUSDT")
		return err == nil && p == 3100
	}, 2*time.Second, 10*time.Millisecond)
	p, err := f.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 64000.1, p)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream feed did not stop")
	}
}
