package reporter

import (
	"fmt"
	"io"
	"sort"
	"time"

	"grid-engine-go/internal/backtest"
	"grid-engine-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Metrics 存储计算出的所有回测性能指标
type Metrics struct {
	InitialEquity    float64
	FinalEquity      float64
	TotalProfit      float64 // 按权益变化计算
	ProfitPercentage float64
	GridProfit       float64 // 网格配对利润估算
	TotalTrades      int
	BuyTrades        int
	SellTrades       int
	FailedOrders     int
	Fees             float64
	MaxDrawdown      float64 // 百分比
	EndingCash       float64 // 期末现金
	EndingAssetValue float64 // 期末持仓市值
	TotalAssetQty    float64 // 持有资产的总数量
	StartTime        time.Time
	EndTime          time.Time
}

// Calculate 根据回测结果计算性能指标
func Calculate(res *backtest.Result) Metrics {
	m := Metrics{
		InitialEquity: res.InitialEquity,
		FinalEquity:   res.FinalEquity,
		GridProfit:    res.Statistics.TotalProfit,
		TotalTrades:   len(res.Fills),
		FailedOrders:  res.FailedOrders,
		Fees:          res.Fees,
		StartTime:     res.Start,
		EndTime:       res.End,
	}
	for _, f := range res.Fills {
		if f.Side == models.Buy {
			m.BuyTrades++
		} else {
			m.SellTrades++
		}
	}

	base, quote, err := models.ParsePair(res.Pair)
	if err == nil {
		m.EndingCash = res.Balances[quote]
		m.TotalAssetQty = res.Balances[base]
		m.EndingAssetValue = m.TotalAssetQty * res.FinalPrice
	}

	m.TotalProfit = m.FinalEquity - m.InitialEquity
	if m.InitialEquity != 0 {
		m.ProfitPercentage = m.TotalProfit / m.InitialEquity * 100
	}
	m.MaxDrawdown = calculateMaxDrawdown(res.EquityCurve) * 100
	return m
}

// GenerateReport 把回测报告以表格形式写入 w
func GenerateReport(w io.Writer, res *backtest.Result, dataPath string) Metrics {
	m := Calculate(res)
	_, quote, _ := models.ParsePair(res.Pair)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("回测结果报告")
	t.AppendRows([]table.Row{
		{"数据文件", dataPath},
		{"交易对", res.Pair},
		{"回测周期", fmt.Sprintf("%s 到 %s", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))},
		{"K线数量", res.Candles},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"初始权益", fmt.Sprintf("%.2f %s", m.InitialEquity, quote)},
		{"最终权益", fmt.Sprintf("%.2f %s", m.FinalEquity, quote)},
		{"总利润", fmt.Sprintf("%.2f %s", m.TotalProfit, quote)},
		{"收益率", fmt.Sprintf("%.2f%%", m.ProfitPercentage)},
		{"网格利润估算", fmt.Sprintf("%.2f %s", m.GridProfit, quote)},
		{"手续费", fmt.Sprintf("%.4f %s", m.Fees, quote)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"总交易次数", m.TotalTrades},
		{"买入/卖出", fmt.Sprintf("%d / %d", m.BuyTrades, m.SellTrades)},
		{"失败订单", m.FailedOrders},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"期末现金", fmt.Sprintf("%.2f %s", m.EndingCash, quote)},
		{"期末持仓市值", fmt.Sprintf("%.2f %s (共 %.4f)", m.EndingAssetValue, quote, m.TotalAssetQty)},
	})
	t.Render()
	return m
}

// PrintStrategies 打印持久化的策略列表, 按创建时间排序
func PrintStrategies(w io.Writer, records []models.StrategyRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "交易对", "交易所", "区间", "网格数", "状态", "利润估算", "更新时间"})
	for _, r := range records {
		status := r.Status
		if r.Reason != "" {
			status = fmt.Sprintf("%s (%s)", r.Status, r.Reason)
		}
		t.AppendRow(table.Row{
			r.ID,
			r.Config.Pair,
			r.Config.Exchange,
			fmt.Sprintf("%.4f - %.4f", r.Config.LowerPrice, r.Config.UpperPrice),
			r.Config.GridCount,
			status,
			fmt.Sprintf("%.4f", r.TotalProfit),
			r.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "共", len(records), ""})
	t.Render()
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}
