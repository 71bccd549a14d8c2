package reporter

import (
	"fmt"
	"os"

	"bybit-grid-bot-go/internal/models"
	"bybit-grid-bot-go/internal/storage"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// GenerateReport 在关停时打印网格运行的性能总结报告
func GenerateReport(store *storage.Store, symbol string) error {
	perf, err := store.GetPerformance()
	if err != nil {
		return fmt.Errorf("load performance: %w", err)
	}
	trades, err := store.ListTrades(10)
	if err != nil {
		return fmt.Errorf("load trades: %w", err)
	}

	printSummary(perf, symbol)
	if len(trades) > 0 {
		printRecentTrades(trades)
	}
	return nil
}

func printSummary(p *models.PerformanceSnapshot, symbol string) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle("网格运行总结 %s", symbol)

	t.AppendRows([]table.Row{
		{"总成交次数", p.TotalTrades},
		{"完成套利周期", p.ClosedCycles},
		{"盈利周期", p.WinningCycles},
		{"胜率", fmt.Sprintf("%.2f%%", p.WinRate*100)},
		{"总利润", fmt.Sprintf("%.4f USDT", p.TotalProfit)},
		{"总手续费", fmt.Sprintf("%.4f USDT", p.TotalCommission)},
		{"平均每周期利润", fmt.Sprintf("%.4f USDT", p.AvgProfit)},
	})
	t.Render()
}

func printRecentTrades(trades []models.Trade) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle("最近成交")
	t.AppendHeader(table.Row{"时间", "方向", "网格层", "价格", "数量", "利润"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})

	for _, tr := range trades {
		profit := "-"
		if tr.Closing {
			profit = fmt.Sprintf("%.4f", tr.Profit)
		}
		t.AppendRow(table.Row{
			tr.ExecutedAt.Format("01-02 15:04:05"),
			tr.Side,
			tr.GridIndex,
			fmt.Sprintf("%.4f", tr.Price),
			fmt.Sprintf("%.6f", tr.Quantity),
			profit,
		})
	}
	t.Render()
}
