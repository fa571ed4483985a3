package models

import "time"

// Status 机器人生命周期状态
type Status string

const (
	StatusCreated Status = "CREATED"
	StatusRunning Status = "RUNNING"
	StatusStopped Status = "STOPPED"
	StatusError   Status = "ERROR"
)

// BotState 定义了需要持久化的所有运行时数据。
// 同一个 bot id 在任意时刻只有一个写入者。
type BotState struct {
	BotID  string `json:"bot_id"`
	Status Status `json:"status"`

	OpenOrders   map[string]OpenOrder `json:"open_orders"`   // key: client order id
	FilledOrders []Fill               `json:"filled_orders"` // 仅追加，不可修改或重排

	// 以下字段都由 FilledOrders 推导得出
	AverageCost   float64 `json:"average_cost"`
	EntryAverage  float64 `json:"entry_average"` // 当前持仓 (FIFO 剩余部分) 的均价
	PositionSize  float64 `json:"position_size"` // 带符号: 多头为正
	RealizedPnl   float64 `json:"realized_pnl"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`

	LastTickAt  time.Time `json:"last_tick_at"`
	LastOrderAt time.Time `json:"last_order_at"`
	LastPrice   float64   `json:"last_price"`

	// GRID / INFINITY_GRID
	GridLevels []GridLevel `json:"grid_levels,omitempty"`
	GridLower  float64     `json:"grid_lower,omitempty"`
	GridUpper  float64     `json:"grid_upper,omitempty"`
	GridArmed  bool        `json:"grid_armed,omitempty"`
	GridShifts int         `json:"grid_shifts,omitempty"`

	// TRAILING
	HighWaterMark float64 `json:"high_water_mark,omitempty"`
	LowWaterMark  float64 `json:"low_water_mark,omitempty"`

	// FUTURES
	Opening        *OpeningPosition `json:"opening,omitempty"`
	PositionClosed bool             `json:"position_closed,omitempty"`
	CloseReason    string           `json:"close_reason,omitempty"`

	LastError string    `json:"last_error,omitempty"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OpenOrder 是一笔已经提交给网关但尚未完全成交的订单
type OpenOrder struct {
	ClientOrderID   string    `json:"client_order_id"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	Side            Side      `json:"side"`
	Price           float64   `json:"price"`
	Size            float64   `json:"size"`
	FilledSize      float64   `json:"filled_size,omitempty"`
	PlacedAt        time.Time `json:"placed_at"`
	LevelIndex      int       `json:"level_index"` // -1: not tied to a grid level
}

// Remaining is the unfilled part of the order.
func (o OpenOrder) Remaining() float64 {
	return o.Size - o.FilledSize
}

// Fill 单次成交
type Fill struct {
	ClientOrderID   string    `json:"client_order_id"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	Side            Side      `json:"side"`
	Price           float64   `json:"price"`
	Size            float64   `json:"size"`
	Fee             float64   `json:"fee,omitempty"`
	FilledAt        time.Time `json:"filled_at"`
}

// GridLevel 网格中的一个价格档位。Side 为空表示该档位尚未被激活。
type GridLevel struct {
	Index   int     `json:"index"`
	Price   float64 `json:"price"`
	Side    Side    `json:"side,omitempty"`
	Filled  bool    `json:"filled"`
	OrderID string  `json:"order_id,omitempty"`
}

// OpeningPosition is a position that existed before the bot took control of
// it (futures bots do not open positions themselves).
type OpeningPosition struct {
	Side  Side    `json:"side"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// NewBotState returns the empty state every bot starts with.
func NewBotState(id string) *BotState {
	return &BotState{
		BotID:        id,
		Status:       StatusCreated,
		OpenOrders:   make(map[string]OpenOrder),
		FilledOrders: make([]Fill, 0),
		Version:      1,
	}
}

// Clone returns a deep copy, so callers can hand state across goroutines
// without sharing maps or slices.
func (s *BotState) Clone() *BotState {
	if s == nil {
		return nil
	}

	stateCopy := *s

	stateCopy.OpenOrders = make(map[string]OpenOrder, len(s.OpenOrders))
	for k, v := range s.OpenOrders {
		stateCopy.OpenOrders[k] = v
	}

	stateCopy.FilledOrders = make([]Fill, len(s.FilledOrders))
	copy(stateCopy.FilledOrders, s.FilledOrders)

	if s.GridLevels != nil {
		stateCopy.GridLevels = make([]GridLevel, len(s.GridLevels))
		copy(stateCopy.GridLevels, s.GridLevels)
	}

	if s.Opening != nil {
		opening := *s.Opening
		stateCopy.Opening = &opening
	}

	return &stateCopy
}
