package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"crypto-orchestrator-bots/internal/models"

	"github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"
)

// StaticFeed 返回手动设置的价格，用于回测和测试。
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[string]float64
}

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[string]float64)}
}

func (f *StaticFeed) Set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *StaticFeed) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: no price for %s", models.ErrUnavailable, symbol)
	}
	return p, nil
}

// BinanceFeed 通过 REST 接口查询最新成交价。
type BinanceFeed struct {
	client  *binance.Client
	limiter *rate.Limiter
}

func NewBinanceFeed(cfg models.ExchangeConfig) *BinanceFeed {
	binance.UseTestnet = cfg.IsTestnet
	return &BinanceFeed{
		client:  binance.NewClient("", ""), // 公共接口不需要API Key
		limiter: newLimiter(cfg.RequestsPerSec),
	}
}

func (f *BinanceFeed) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	prices, err := f.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classify(err)
	}
	for _, p := range prices {
		if p.Symbol != symbol {
			continue
		}
		v, err := strconv.ParseFloat(p.Price, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad price %q for %s", models.ErrUnavailable, p.Price, symbol)
		}
		return v, nil
	}
	return 0, fmt.Errorf("%w: no price for %s", models.ErrUnavailable, symbol)
}
