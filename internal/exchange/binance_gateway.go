package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"crypto-orchestrator-bots/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// 币安错误码
const (
	codeUnknownOrder    = -2011
	codeNoSuchOrder     = -2013
	codeRejectedAPIKey  = -2014
	codeInvalidAPIKey   = -2015
	defaultPollInterval = 2 * time.Second
)

type trackedOrder struct {
	symbol     string
	side       models.Side
	executed   float64
	quoteSpent float64
}

// BinanceGateway 通过 go-binance 在现货账户上下单。成交通过轮询订单状态获得，
// 每次轮询把新增成交量作为一笔 Fill 推送给 handler。
type BinanceGateway struct {
	client       *binance.Client
	limiter      *rate.Limiter
	logger       *zap.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	tracked map[string]*trackedOrder
	handler FillHandler
}

func NewBinanceGateway(cfg models.ExchangeConfig, logger *zap.Logger) *BinanceGateway {
	binance.UseTestnet = cfg.IsTestnet
	return newBinanceGateway(binance.NewClient(cfg.APIKey, cfg.SecretKey), cfg, logger)
}

func newBinanceGateway(client *binance.Client, cfg models.ExchangeConfig, logger *zap.Logger) *BinanceGateway {
	poll := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &BinanceGateway{
		client:       client,
		limiter:      newLimiter(cfg.RequestsPerSec),
		logger:       logger,
		pollInterval: poll,
		tracked:      make(map[string]*trackedOrder),
	}
}

func newLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSec), 1)
}

func (g *BinanceGateway) SetFillHandler(h FillHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

func (g *BinanceGateway) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	svc := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		NewClientOrderID(req.ClientOrderID).
		Quantity(formatFloat(req.Size))
	if req.Market {
		svc = svc.Type(binance.OrderTypeMarket)
	} else {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatFloat(req.Price))
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return "", classify(err)
	}

	g.mu.Lock()
	g.tracked[req.ClientOrderID] = &trackedOrder{symbol: req.Symbol, side: req.Side}
	g.mu.Unlock()

	g.logger.Info("订单已提交",
		zap.String("symbol", req.Symbol),
		zap.String("client_order_id", req.ClientOrderID),
		zap.Int64("order_id", res.OrderID),
		zap.String("status", string(res.Status)))
	return strconv.FormatInt(res.OrderID, 10), nil
}

func (g *BinanceGateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := g.client.NewCancelOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		err = classify(err)
		if !errors.Is(err, models.ErrOrderNotFound) {
			return err
		}
	}
	// 撤单前可能已部分成交，最后再轮询一次
	g.pollOne(ctx, clientOrderID)
	g.mu.Lock()
	delete(g.tracked, clientOrderID)
	g.mu.Unlock()
	return err
}

// Track 重启后恢复对已挂订单的轮询
func (g *BinanceGateway) Track(symbol string, order models.OpenOrder, filledQuote float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tracked[order.ClientOrderID]; ok {
		return
	}
	g.tracked[order.ClientOrderID] = &trackedOrder{
		symbol:     symbol,
		side:       order.Side,
		executed:   order.FilledSize,
		quoteSpent: filledQuote,
	}
}

// Run polls tracked orders until ctx is done.
func (g *BinanceGateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.mu.Lock()
			ids := make([]string, 0, len(g.tracked))
			for id := range g.tracked {
				ids = append(ids, id)
			}
			g.mu.Unlock()
			for _, id := range ids {
				g.pollOne(ctx, id)
			}
		}
	}
}

func (g *BinanceGateway) pollOne(ctx context.Context, clientOrderID string) {
	g.mu.Lock()
	t, ok := g.tracked[clientOrderID]
	g.mu.Unlock()
	if !ok {
		return
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return
	}
	order, err := g.client.NewGetOrderService().
		Symbol(t.symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		g.logger.Warn("查询订单状态失败", zap.String("client_order_id", clientOrderID), zap.Error(err))
		return
	}
	executed, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	quote, _ := strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)

	g.mu.Lock()
	fill, hasFill := deltaFill(t, clientOrderID, executed, quote, time.UnixMilli(order.UpdateTime))
	if done(order.Status) {
		delete(g.tracked, clientOrderID)
	}
	handler := g.handler
	g.mu.Unlock()

	if hasFill && handler != nil {
		handler(t.symbol, fill)
	}
}

// deltaFill turns cumulative executed quantities into the fill since the last
// poll, priced at the average of the newly spent quote amount.
func deltaFill(t *trackedOrder, clientOrderID string, executed, quote float64, at time.Time) (models.Fill, bool) {
	qty := executed - t.executed
	if qty <= 0 {
		return models.Fill{}, false
	}
	spent := quote - t.quoteSpent
	t.executed, t.quoteSpent = executed, quote
	return models.Fill{
		ClientOrderID: clientOrderID,
		Side:          t.side,
		Price:         spent / qty,
		Size:          qty,
		FilledAt:      at,
	}, true
}

func done(s binance.OrderStatusType) bool {
	switch s {
	case binance.OrderStatusTypeFilled, binance.OrderStatusTypeCanceled,
		binance.OrderStatusTypeExpired, binance.OrderStatusTypeRejected:
		return true
	}
	return false
}

// classify maps go-binance errors onto the gateway error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeUnknownOrder, codeNoSuchOrder:
			return fmt.Errorf("%w: %s", models.ErrOrderNotFound, apiErr.Message)
		case codeRejectedAPIKey, codeInvalidAPIKey:
			return fmt.Errorf("binance credentials rejected: %s", apiErr.Message)
		}
		return fmt.Errorf("%w: code %d %s", models.ErrRejected, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("%w: %w", models.ErrUnavailable, err)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
