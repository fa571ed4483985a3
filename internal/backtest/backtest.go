// Package backtest replays historical candles through one bot using the paper
// gateway and the same supervisor tick path the live process runs.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crypto-orchestrator-bots/internal/exchange"
	"crypto-orchestrator-bots/internal/idgen"
	"crypto-orchestrator-bots/internal/models"
	"crypto-orchestrator-bots/internal/persistence"
	"crypto-orchestrator-bots/internal/statemanager"
	"crypto-orchestrator-bots/internal/supervisor"

	"go.uber.org/zap"
)

const backtestOwner = "backtest"

// Options tune the simulated venue.
type Options struct {
	InitialBalance float64
	Exchange       models.ExchangeConfig
	Logger         *zap.Logger
}

// Report 回测结果
type Report struct {
	Symbol   string
	Strategy models.Strategy
	Start    time.Time
	End      time.Time
	Candles  int
	Ticks    int
	Skipped  int // 瞬时错误跳过的 tick

	Fills         []models.Fill
	WinningTrades int
	LosingTrades  int
	Fees          float64

	InitialBalance float64
	RealizedPnl    float64
	UnrealizedPnl  float64
	PositionSize   float64
	AverageCost    float64
	MaxDrawdown    float64 // 相对权益峰值的比例
	OpenOrders     int

	FinalStatus models.Status
	LastError   string
}

// FinalEquity is the starting balance plus realized and unrealized P&L.
func (r *Report) FinalEquity() float64 {
	return r.InitialBalance + r.RealizedPnl + r.UnrealizedPnl
}

// ReturnPercent is P&L over the starting balance.
func (r *Report) ReturnPercent() float64 {
	if r.InitialBalance == 0 {
		return 0
	}
	return (r.FinalEquity() - r.InitialBalance) / r.InitialBalance * 100
}

// WinRate is winning trades over trades that realized P&L, in percent.
func (r *Report) WinRate() float64 {
	closed := r.WinningTrades + r.LosingTrades
	if closed == 0 {
		return 0
	}
	return float64(r.WinningTrades) / float64(closed) * 100
}

// Run replays candles through a bot built from cfg. The bot always trades in
// PAPER mode; the run stops early if the bot reaches ERROR.
func Run(ctx context.Context, cfg models.BotConfig, candles []Candle, opts Options) (*Report, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no candles", models.ErrValidation)
	}
	if opts.InitialBalance <= 0 {
		opts.InitialBalance = 10000
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	repo, err := persistence.NewInMemoryRepository()
	if err != nil {
		return nil, err
	}
	defer repo.Close()

	var clock time.Time
	// 同一配置回放同一段K线得到相同的订单号
	ids := idgen.NewSequence("bt-", replaySeed(cfg, candles))
	store := statemanager.NewStateManager(repo, logger)
	feed := exchange.NewStaticFeed()
	paper := exchange.NewPaperGateway(opts.Exchange, logger)
	sup := supervisor.New(store, feed,
		map[models.Mode]exchange.OrderGateway{models.ModePaper: paper},
		nil,
		supervisor.Options{
			Now:      func() time.Time { return clock },
			OrderIDs: func(string) string { return ids.Next() },
		},
		logger)

	cfg.Mode = models.ModePaper
	created, _, err := sup.Create(backtestOwner, cfg)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Symbol:         created.Symbol,
		Strategy:       created.Strategy,
		Start:          candles[0].OpenTime,
		End:            candles[len(candles)-1].OpenTime,
		InitialBalance: opts.InitialBalance,
	}

	clock = candles[0].OpenTime
	if err := sup.Start(ctx, backtestOwner, created.ID); err != nil {
		return nil, err
	}

	peak := opts.InitialBalance
	realized := 0.0
	for _, c := range candles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clock = c.OpenTime
		paper.ObserveCandle(created.Symbol, c.Open, c.High, c.Low, c.Close, c.OpenTime)
		feed.Set(created.Symbol, c.Close)
		report.Candles++

		err := sup.TickNow(ctx, created.ID)
		_, st, getErr := sup.Get(backtestOwner, created.ID)
		if getErr != nil {
			return nil, getErr
		}
		switch {
		case err == nil:
			report.Ticks++
		case models.IsTransient(err):
			report.Skipped++
		case errors.Is(err, models.ErrInvalidState):
			// 机器人已不在运行
		default:
			logger.Warn("回测中机器人出错", zap.Error(err))
		}

		if d := st.RealizedPnl - realized; d != 0 {
			if d > 0 {
				report.WinningTrades++
			} else {
				report.LosingTrades++
			}
			realized = st.RealizedPnl
		}

		equity := opts.InitialBalance + st.RealizedPnl + st.UnrealizedPnl
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > report.MaxDrawdown {
				report.MaxDrawdown = dd
			}
		}

		if st.Status != models.StatusRunning {
			break
		}
	}

	_, st, err := sup.Get(backtestOwner, created.ID)
	if err != nil {
		return nil, err
	}
	report.Fills = st.FilledOrders
	report.Fees = paper.TotalFees()
	if n := paper.FillCount(); n != len(report.Fills) {
		logger.Warn("模拟成交数与机器人记录不一致", zap.Int("gateway_fills", n), zap.Int("bot_fills", len(report.Fills)))
	}
	report.RealizedPnl = st.RealizedPnl
	report.UnrealizedPnl = st.UnrealizedPnl
	report.PositionSize = st.PositionSize
	report.AverageCost = st.AverageCost
	report.OpenOrders = len(st.OpenOrders)
	report.FinalStatus = st.Status
	report.LastError = st.LastError
	return report, nil
}

func replaySeed(cfg models.BotConfig, candles []Candle) string {
	return fmt.Sprintf("%s|%s|%+v|%d|%d", cfg.Strategy, cfg.Symbol, cfg.Parameters,
		candles[0].OpenTime.UnixMilli(), len(candles))
}
