package models

import (
	"fmt"
	"strings"
	"time"
)

// Strategy 标识机器人的交易策略
type Strategy string

const (
	StrategyGrid         Strategy = "GRID"
	StrategyDCA          Strategy = "DCA"
	StrategyInfinityGrid Strategy = "INFINITY_GRID"
	StrategyTrailing     Strategy = "TRAILING"
	StrategyFutures      Strategy = "FUTURES"
)

// Strategies lists every known strategy in a stable order.
var Strategies = []Strategy{StrategyGrid, StrategyDCA, StrategyInfinityGrid, StrategyTrailing, StrategyFutures}

// Mode 决定订单是模拟成交还是发往真实交易所
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeReal  Mode = "REAL"
)

// SpacingType 网格间距类型
type SpacingType string

const (
	SpacingArithmetic SpacingType = "arithmetic"
	SpacingGeometric  SpacingType = "geometric"
)

// Direction 合约持仓方向
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Parameters 包含所有策略的数值参数，每种策略只使用其中一部分
type Parameters struct {
	OrderSize float64 `json:"order_size"` // 每笔订单的基础数量

	// GRID / INFINITY_GRID
	GridCount              int         `json:"grid_count,omitempty"`
	LowerPrice             float64     `json:"lower_price,omitempty"`
	UpperPrice             float64     `json:"upper_price,omitempty"`
	SpacingType            SpacingType `json:"spacing_type,omitempty"`
	GridSpacingPercent     float64     `json:"grid_spacing_percent,omitempty"`
	UpperAdjustmentPercent float64     `json:"upper_adjustment_percent,omitempty"`

	// DCA
	IntervalSeconds int     `json:"interval_seconds,omitempty"`
	MaxOrders       int     `json:"max_orders,omitempty"` // DCA 必填; TRAILING 可选 (0 表示不限)
	Multiplier      float64 `json:"multiplier,omitempty"` // 马丁格尔倍数, 0 表示 1
	MaxOrderSize    float64 `json:"max_order_size,omitempty"`

	// TRAILING
	TrailingPercent float64 `json:"trailing_percent,omitempty"`
	TrailingSide    Side    `json:"trailing_side,omitempty"`
	MinPrice        float64 `json:"min_price,omitempty"`
	MaxPrice        float64 `json:"max_price,omitempty"`

	// FUTURES
	Leverage           int       `json:"leverage,omitempty"`
	Direction          Direction `json:"direction,omitempty"`
	EntryPrice         float64   `json:"entry_price,omitempty"`
	MarginSafetyFactor float64   `json:"margin_safety_factor,omitempty"`

	// DCA / FUTURES
	StopLossPercent   float64 `json:"stop_loss_percent,omitempty"`
	TakeProfitPercent float64 `json:"take_profit_percent,omitempty"`
}

// BotConfig is immutable once stored; edits replace it wholesale.
type BotConfig struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Strategy   Strategy   `json:"strategy"`
	Symbol     string     `json:"symbol"`
	Parameters Parameters `json:"parameters"`
	Mode       Mode       `json:"mode"`
	Owner      string     `json:"owner"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Validate checks the config once, at creation or replacement time. A config
// that passes is never re-validated inside the tick loop.
func (c BotConfig) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return invalid("symbol is required")
	}
	if strings.TrimSpace(c.Owner) == "" {
		return invalid("owner is required")
	}
	switch c.Mode {
	case ModePaper, ModeReal:
	default:
		return invalid("mode must be PAPER or REAL, got %q", c.Mode)
	}

	p := c.Parameters
	if p.OrderSize <= 0 {
		return invalid("order_size must be > 0")
	}

	switch c.Strategy {
	case StrategyGrid:
		if p.GridCount < 2 {
			return invalid("grid_count must be >= 2")
		}
		if p.LowerPrice != 0 || p.UpperPrice != 0 {
			if p.LowerPrice <= 0 || p.UpperPrice <= p.LowerPrice {
				return invalid("grid bounds must satisfy 0 < lower_price < upper_price")
			}
		}
		switch p.SpacingType {
		case "", SpacingArithmetic, SpacingGeometric:
		default:
			return invalid("spacing_type must be arithmetic or geometric")
		}
	case StrategyInfinityGrid:
		if p.GridCount < 2 {
			return invalid("grid_count must be >= 2")
		}
		if err := percent("grid_spacing_percent", p.GridSpacingPercent, true); err != nil {
			return err
		}
		if err := percent("upper_adjustment_percent", p.UpperAdjustmentPercent, false); err != nil {
			return err
		}
	case StrategyDCA:
		if p.IntervalSeconds <= 0 {
			return invalid("interval_seconds must be > 0")
		}
		if p.MaxOrders <= 0 {
			return invalid("max_orders must be > 0")
		}
		if p.Multiplier != 0 && p.Multiplier < 1 {
			return invalid("multiplier must be >= 1")
		}
		if p.MaxOrderSize < 0 {
			return invalid("max_order_size must be >= 0")
		}
		if err := percent("take_profit_percent", p.TakeProfitPercent, false); err != nil {
			return err
		}
		if err := percent("stop_loss_percent", p.StopLossPercent, false); err != nil {
			return err
		}
	case StrategyTrailing:
		if err := percent("trailing_percent", p.TrailingPercent, true); err != nil {
			return err
		}
		if p.TrailingSide != Buy && p.TrailingSide != Sell {
			return invalid("trailing_side must be BUY or SELL")
		}
		if p.MinPrice < 0 || p.MaxPrice < 0 {
			return invalid("price bounds must be >= 0")
		}
		if p.MinPrice > 0 && p.MaxPrice > 0 && p.MinPrice >= p.MaxPrice {
			return invalid("min_price must be < max_price")
		}
		if p.MaxOrders < 0 {
			return invalid("max_orders must be >= 0")
		}
	case StrategyFutures:
		if p.Leverage < 1 || p.Leverage > 125 {
			return invalid("leverage must be in [1,125], got %d", p.Leverage)
		}
		if p.Direction != Long && p.Direction != Short {
			return invalid("direction must be LONG or SHORT")
		}
		if p.EntryPrice <= 0 {
			return invalid("entry_price must be > 0")
		}
		if p.MarginSafetyFactor < 0 || p.MarginSafetyFactor > 1 {
			return invalid("margin_safety_factor must be in [0,1], 0 = default")
		}
		if err := percent("take_profit_percent", p.TakeProfitPercent, false); err != nil {
			return err
		}
		if err := percent("stop_loss_percent", p.StopLossPercent, false); err != nil {
			return err
		}
	default:
		return invalid("unknown strategy %q", c.Strategy)
	}
	return nil
}

func percent(name string, v float64, required bool) error {
	if v == 0 && !required {
		return nil
	}
	if v <= 0 || v > 100 {
		return invalid("%s must be in (0, 100], got %g", name, v)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
