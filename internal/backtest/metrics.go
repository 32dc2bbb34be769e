package backtest

import (
	"math"

	"quant-backtest/internal/order"
)

// tradingDaysPerYear 为夏普比率年化系数。
const tradingDaysPerYear = 252

// Metrics 记录回测绩效指标。
type Metrics struct {
	InitialCapital  float64   `json:"initial_capital"`
	FinalEquity     float64   `json:"final_equity"`
	TotalReturn     float64   `json:"total_return"`
	AnnualReturn    float64   `json:"annual_return"`
	MaxDrawdown     float64   `json:"max_drawdown"`
	SharpeRatio     float64   `json:"sharpe_ratio"`
	DailyReturns    []float64 `json:"daily_returns"`
	TotalTrades     int       `json:"total_trades"`
	WinningTrades   int       `json:"winning_trades"`
	LosingTrades    int       `json:"losing_trades"`
	WinRate         float64   `json:"win_rate"`
	ProfitLossRatio float64   `json:"profit_loss_ratio"`
	TotalFees       float64   `json:"total_fees"`
}

// Map 以扁平键值返回标量指标。
func (m Metrics) Map() map[string]float64 {
	return map[string]float64{
		"initial_capital":   m.InitialCapital,
		"final_equity":      m.FinalEquity,
		"total_return":      m.TotalReturn,
		"annual_return":     m.AnnualReturn,
		"max_drawdown":      m.MaxDrawdown,
		"sharpe_ratio":      m.SharpeRatio,
		"total_trades":      float64(m.TotalTrades),
		"winning_trades":    float64(m.WinningTrades),
		"losing_trades":     float64(m.LosingTrades),
		"win_rate":          m.WinRate,
		"profit_loss_ratio": m.ProfitLossRatio,
		"total_fees":        m.TotalFees,
	}
}

func calculateMetrics(snapshots []Snapshot, orders []*order.Order) Metrics {
	if len(snapshots) == 0 {
		return Metrics{}
	}

	equity := make([]float64, len(snapshots))
	for i, s := range snapshots {
		equity[i] = s.Equity
	}
	initial := equity[0]
	final := equity[len(equity)-1]

	m := Metrics{
		InitialCapital: initial,
		FinalEquity:    final,
		MaxDrawdown:    computeDrawdown(equity),
		DailyReturns:   computeReturns(equity),
	}
	if initial != 0 {
		m.TotalReturn = (final - initial) / initial
	}
	days := wholeDays(snapshots[0], snapshots[len(snapshots)-1])
	m.AnnualReturn = annualize(m.TotalReturn, days)
	m.SharpeRatio = computeSharpe(m.DailyReturns)

	var sumWin, sumLoss float64
	for _, o := range orders {
		m.TotalFees += o.Fees()
		if o.FilledAmount() <= 0 {
			continue
		}
		m.TotalTrades++
		switch pnl := o.RealizedPnL(); {
		case pnl > 0:
			m.WinningTrades++
			sumWin += pnl
		case pnl < 0:
			m.LosingTrades++
			sumLoss += -pnl
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	}
	if m.WinningTrades > 0 && m.LosingTrades > 0 {
		avgWin := sumWin / float64(m.WinningTrades)
		avgLoss := sumLoss / float64(m.LosingTrades)
		if avgLoss > 0 {
			m.ProfitLossRatio = avgWin / avgLoss
		}
	}
	return m
}

func wholeDays(first, last Snapshot) int {
	return int(last.Time.Sub(first.Time).Hours() / 24)
}

func annualize(totalReturn float64, days int) float64 {
	if days <= 0 {
		return 0
	}
	return math.Pow(1+totalReturn, 365/float64(days)) - 1
}

// computeDrawdown 返回相对历史峰值的最大回撤比例。
func computeDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	maxDD := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - v) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// drawdownTracker 增量维护峰值，回放中每根K线 O(1) 得到当前回撤。
type drawdownTracker struct {
	peak float64
	last float64
	n    int
}

func (d *drawdownTracker) add(v float64) {
	if d.n == 0 || v > d.peak {
		d.peak = v
	}
	d.last = v
	d.n++
}

// current 返回最后一个点相对峰值的回撤比例。
func (d *drawdownTracker) current() float64 {
	if d.n == 0 || d.peak <= 0 {
		return 0
	}
	return (d.peak - d.last) / d.peak
}

// currentDrawdown 返回最后一个点相对峰值的回撤比例。
func currentDrawdown(equity []float64) float64 {
	var d drawdownTracker
	for _, v := range equity {
		d.add(v)
	}
	return d.current()
}

func computeReturns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1]
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (equity[i]-prev)/prev)
	}
	return out
}

// computeSharpe 使用总体标准差，无风险利率为 0。
func computeSharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns))

	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(tradingDaysPerYear)
}
