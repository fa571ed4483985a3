package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"crypto-orchestrator-bots/internal/idgen"
	"crypto-orchestrator-bots/internal/models"

	"go.uber.org/zap"
)

type paperOrder struct {
	req      OrderRequest
	seq      int64
	placedAt time.Time
}

// PaperGateway 模拟撮合：可立即成交的订单按最新价成交（吃单手续费），
// 其余挂单在后续价格穿越挂单价时按挂单价成交（挂单手续费）。
type PaperGateway struct {
	mu      sync.Mutex
	orders  map[string]*paperOrder
	prices  map[string]float64
	nextSeq int64
	now     time.Time
	handler FillHandler
	logger  *zap.Logger

	TakerFeeRate float64
	MakerFeeRate float64
	SlippageRate float64

	totalFees float64
	fillCount int
}

func NewPaperGateway(cfg models.ExchangeConfig, logger *zap.Logger) *PaperGateway {
	return &PaperGateway{
		orders:       make(map[string]*paperOrder),
		prices:       make(map[string]float64),
		logger:       logger,
		TakerFeeRate: cfg.TakerFeeRate,
		MakerFeeRate: cfg.MakerFeeRate,
		SlippageRate: cfg.SlippageRate,
	}
}

func (g *PaperGateway) SetFillHandler(h FillHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

// PlaceOrder accepts any order with a positive size. Orders that are
// marketable against the last observed price fill before it returns.
func (g *PaperGateway) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Size <= 0 || (!req.Market && req.Price <= 0) {
		return "", fmt.Errorf("%w: size %g price %g", models.ErrRejected, req.Size, req.Price)
	}

	g.mu.Lock()
	if _, dup := g.orders[req.ClientOrderID]; dup {
		g.mu.Unlock()
		return "", fmt.Errorf("%w: duplicate client order id %s", models.ErrRejected, req.ClientOrderID)
	}
	g.nextSeq++
	g.orders[req.ClientOrderID] = &paperOrder{req: req, seq: g.nextSeq, placedAt: g.now}

	var fills []models.Fill
	if last, ok := g.prices[req.Symbol]; ok {
		fills = g.matchLocked(req.Symbol, last, true)
	}
	handler := g.handler
	g.mu.Unlock()

	g.deliver(handler, req.Symbol, fills)
	return "paper-" + idgen.NewOrderID(""), nil
}

func (g *PaperGateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[clientOrderID]
	if !ok || o.req.Symbol != symbol {
		return fmt.Errorf("%w: %s", models.ErrOrderNotFound, clientOrderID)
	}
	delete(g.orders, clientOrderID)
	return nil
}

// ObservePrice 记录最新价并撮合被穿越的挂单。
func (g *PaperGateway) ObservePrice(symbol string, price float64, at time.Time) {
	g.mu.Lock()
	g.prices[symbol] = price
	if !at.IsZero() {
		g.now = at
	}
	fills := g.matchLocked(symbol, price, false)
	handler := g.handler
	g.mu.Unlock()

	g.deliver(handler, symbol, fills)
}

// ObserveCandle 按 O->L->H->C 的路径模拟K线内部的价格变动。
func (g *PaperGateway) ObserveCandle(symbol string, open, high, low, close float64, at time.Time) {
	for _, p := range []float64{open, low, high, close} {
		g.ObservePrice(symbol, p, at)
	}
}

// matchLocked fills every order crossed by price, oldest first. taker marks
// fills happening at placement time.
func (g *PaperGateway) matchLocked(symbol string, price float64, taker bool) []models.Fill {
	var crossed []*paperOrder
	for _, o := range g.orders {
		if o.req.Symbol != symbol {
			continue
		}
		if o.req.Market ||
			(o.req.Side == models.Buy && price <= o.req.Price) ||
			(o.req.Side == models.Sell && price >= o.req.Price) {
			crossed = append(crossed, o)
		}
	}
	sort.Slice(crossed, func(i, j int) bool { return crossed[i].seq < crossed[j].seq })

	fills := make([]models.Fill, 0, len(crossed))
	for _, o := range crossed {
		delete(g.orders, o.req.ClientOrderID)

		// 立即成交的订单按当前价成交，挂单按挂单价成交
		base, feeRate := o.req.Price, g.MakerFeeRate
		if taker || o.req.Market {
			base, feeRate = price, g.TakerFeeRate
		}
		exec := base * (1 + g.SlippageRate)
		if o.req.Side == models.Sell {
			exec = base * (1 - g.SlippageRate)
		}
		fee := exec * o.req.Size * feeRate
		g.totalFees += fee
		g.fillCount++

		fills = append(fills, models.Fill{
			ClientOrderID: o.req.ClientOrderID,
			Side:          o.req.Side,
			Price:         exec,
			Size:          o.req.Size,
			Fee:           fee,
			FilledAt:      g.now,
		})
	}
	return fills
}

func (g *PaperGateway) deliver(handler FillHandler, symbol string, fills []models.Fill) {
	for _, f := range fills {
		if g.logger != nil {
			g.logger.Debug("模拟成交",
				zap.String("symbol", symbol),
				zap.String("client_order_id", f.ClientOrderID),
				zap.String("side", string(f.Side)),
				zap.Float64("price", f.Price),
				zap.Float64("size", f.Size))
		}
		if handler != nil {
			handler(symbol, f)
		}
	}
}

// OpenOrders returns the resting orders for symbol, oldest first.
func (g *PaperGateway) OpenOrders(symbol string) []OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var open []*paperOrder
	for _, o := range g.orders {
		if o.req.Symbol == symbol {
			open = append(open, o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].seq < open[j].seq })
	reqs := make([]OrderRequest, len(open))
	for i, o := range open {
		reqs[i] = o.req
	}
	return reqs
}

// TotalFees 返回累计手续费。
func (g *PaperGateway) TotalFees() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalFees
}

func (g *PaperGateway) FillCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fillCount
}
