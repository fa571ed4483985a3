package reporter

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"crypto-orchestrator-bots/internal/backtest"
	"crypto-orchestrator-bots/internal/statemanager"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func newTable(out io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	return t
}

// WriteStatus 打印所有机器人的状态与盈亏
func WriteStatus(out io.Writer, bots []statemanager.Bot) {
	t := newTable(out, "机器人状态")
	t.AppendHeader(table.Row{"ID", "Owner", "Strategy", "Symbol", "Mode", "Status", "Open", "Fills", "Position", "Avg Cost", "Realized", "Unrealized", "Last Tick"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 10, Align: text.AlignRight},
		{Number: 11, Align: text.AlignRight},
		{Number: 12, Align: text.AlignRight},
	})

	var realized, unrealized float64
	for _, b := range bots {
		cfg, st := b.Config, b.State
		realized += st.RealizedPnl
		unrealized += st.UnrealizedPnl
		t.AppendRow(table.Row{
			shortID(cfg.ID),
			cfg.Owner,
			cfg.Strategy,
			cfg.Symbol,
			cfg.Mode,
			st.Status,
			len(st.OpenOrders),
			len(st.FilledOrders),
			num(st.PositionSize),
			num(st.AverageCost),
			num(st.RealizedPnl),
			num(st.UnrealizedPnl),
			stamp(st.LastTickAt),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", "", "", "Total", num(realized), num(unrealized), ""})
	t.Render()
}

// WriteBacktest 打印回测结果报告
func WriteBacktest(out io.Writer, dataPath string, r *backtest.Report) {
	t := newTable(out, "回测结果报告")
	t.AppendRows([]table.Row{
		{"数据文件", dataPath},
		{"交易对", r.Symbol},
		{"策略", r.Strategy},
		{"回测周期", fmt.Sprintf("%s 到 %s", r.Start.Format("2006-01-02 15:04"), r.End.Format("2006-01-02 15:04"))},
		{"K线数量", fmt.Sprintf("%d (跳过 %d)", r.Candles, r.Skipped)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"初始资金", usdt(r.InitialBalance)},
		{"最终权益", usdt(r.FinalEquity())},
		{"已实现盈亏", usdt(r.RealizedPnl)},
		{"未实现盈亏", usdt(r.UnrealizedPnl)},
		{"收益率", pct(r.ReturnPercent())},
		{"最大回撤", pct(r.MaxDrawdown * 100)},
		{"手续费", usdt(r.Fees)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"成交次数", len(r.Fills)},
		{"盈利次数", r.WinningTrades},
		{"亏损次数", r.LosingTrades},
		{"胜率", pct(r.WinRate())},
		{"期末持仓", fmt.Sprintf("%s %s @ %s", num(r.PositionSize), r.Symbol, num(r.AverageCost))},
		{"未完成订单", r.OpenOrders},
		{"最终状态", r.FinalStatus},
	})
	if r.LastError != "" {
		t.AppendRow(table.Row{"错误", r.LastError})
	}
	t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func usdt(v float64) string { return fmt.Sprintf("%.2f USDT", v) }

func pct(v float64) string { return fmt.Sprintf("%.2f%%", v) }

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
