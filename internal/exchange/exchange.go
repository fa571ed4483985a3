package exchange

import (
	"context"
	"time"

	"crypto-orchestrator-bots/internal/models"
)

// PriceFeed 提供某个交易对的最新价格。
type PriceFeed interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// OrderRequest 描述一笔待提交的订单。ClientOrderID 由调用方生成，
// 之后的撤单与成交回报都以它为准。
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          models.Side
	Price         float64
	Size          float64
	// Market 为 true 时以市价成交（强平使用），Price 仅作参考。
	Market bool
}

// FillHandler receives executions asynchronously. Implementations must not
// block for long: gateways call it from their own goroutines.
type FillHandler func(symbol string, fill models.Fill)

// OrderGateway 定义了所有下单通道必须提供的方法。
// 模拟盘与实盘使用同一接口，便于切换。
type OrderGateway interface {
	// PlaceOrder returns the exchange order id. Errors wrap ErrUnavailable,
	// ErrRejected or a context error when the order may be retried.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	// CancelOrder returns ErrOrderNotFound when the order is unknown or
	// already complete.
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	// SetFillHandler registers the single consumer of fills.
	SetFillHandler(h FillHandler)
}

// PriceObserver is implemented by gateways that simulate matching and need to
// see every price the bots see.
type PriceObserver interface {
	ObservePrice(symbol string, price float64, at time.Time)
}

// OrderTracker is implemented by gateways that learn about fills by watching
// the orders they placed. Track resumes watching an order placed before a
// restart; order.FilledSize and filledQuote are what the bot already recorded
// for it, so only newer executions are reported.
type OrderTracker interface {
	Track(symbol string, order models.OpenOrder, filledQuote float64)
}
