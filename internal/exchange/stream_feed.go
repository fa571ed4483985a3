package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"crypto-orchestrator-bots/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultStreamURL  = "wss://stream.binance.com:9443"
	defaultStaleAfter = 30 * time.Second
	reconnectDelay    = 5 * time.Second
	pongWait          = 60 * time.Second
)

type quote struct {
	price float64
	at    time.Time
}

// StreamFeed 订阅币安 aggTrade 组合流并缓存每个交易对的最新价格。
// 缓存过期或缺失时回退到 fallback（通常是 REST 接口）。
type StreamFeed struct {
	url        string
	symbols    []string
	staleAfter time.Duration
	pingPeriod time.Duration
	fallback   PriceFeed
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.RWMutex
	quotes map[string]quote
}

func NewStreamFeed(cfg models.ExchangeConfig, fallback PriceFeed, logger *zap.Logger) *StreamFeed {
	url := cfg.StreamURL
	if url == "" {
		url = defaultStreamURL
	}
	stale := time.Duration(cfg.StaleAfterSec) * time.Second
	if stale <= 0 {
		stale = defaultStaleAfter
	}
	ping := time.Duration(cfg.PingIntervalSec) * time.Second
	if ping <= 0 {
		ping = (pongWait * 9) / 10
	}
	return &StreamFeed{
		url:        strings.TrimRight(url, "/"),
		symbols:    cfg.StreamSymbols,
		staleAfter: stale,
		pingPeriod: ping,
		fallback:   fallback,
		logger:     logger,
		now:        time.Now,
		quotes:     make(map[string]quote),
	}
}

func (f *StreamFeed) GetPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.RLock()
	q, ok := f.quotes[symbol]
	f.mu.RUnlock()
	if ok && f.now().Sub(q.at) <= f.staleAfter {
		return q.price, nil
	}
	if f.fallback != nil {
		return f.fallback.GetPrice(ctx, symbol)
	}
	if !ok {
		return 0, fmt.Errorf("%w: no streamed price for %s", models.ErrUnavailable, symbol)
	}
	return 0, fmt.Errorf("%w: streamed price for %s is stale", models.ErrUnavailable, symbol)
}

func (f *StreamFeed) streamURL() string {
	streams := make([]string, len(f.symbols))
	for i, s := range f.symbols {
		streams[i] = strings.ToLower(s) + "@aggTrade"
	}
	return fmt.Sprintf("%s/stream?streams=%s", f.url, strings.Join(streams, "/"))
}

// Run 负责维持WebSocket的连接和重连，直到 ctx 结束。
func (f *StreamFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		<-ctx.Done()
		return nil
	}
	for {
		if err := f.session(ctx); err != nil {
			f.logger.Warn("WebSocket连接中断", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// session 为一个已建立的连接处理消息，并实现心跳机制
func (f *StreamFeed) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("WebSocket连接失败: %w", err)
	}
	defer conn.Close()
	f.logger.Info("WebSocket连接成功", zap.Strings("symbols", f.symbols))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(f.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case <-ctx.Done():
				// 优雅关闭，同时让阻塞的 ReadMessage 返回
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("读取消息失败: %w", err)
		}
		if err := f.handleMessage(message); err != nil {
			f.logger.Debug("忽略无法解析的消息", zap.Error(err))
		}
	}
}

type aggTradeEnvelope struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol    string      `json:"s"`
		Price     json.Number `json:"p"`
		TradeTime int64       `json:"T"`
	} `json:"data"`
}

func (f *StreamFeed) handleMessage(message []byte) error {
	var env aggTradeEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return err
	}
	if env.Data.Symbol == "" {
		return fmt.Errorf("message without symbol on stream %q", env.Stream)
	}
	price, err := env.Data.Price.Float64()
	if err != nil {
		return fmt.Errorf("转换价格失败: %w", err)
	}
	f.mu.Lock()
	f.quotes[env.Data.Symbol] = quote{price: price, at: f.now()}
	f.mu.Unlock()
	return nil
}
