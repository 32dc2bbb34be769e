// Package report 将回测结果输出为文本摘要与 CSV。
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quant-backtest/internal/backtest"
)

const (
	moneyPlaces = 2
	pricePlaces = 8
	ratioPlaces = 4
)

// Summary 为面向人读的回测摘要，金额与比率使用十进制避免浮点尾差。
type Summary struct {
	StrategyID   string
	StrategyName string
	Start        time.Time
	End          time.Time
	Bars         int
	SkippedBars  int
	Aborted      bool
	Failure      string

	InitialCapital decimal.Decimal
	FinalEquity    decimal.Decimal
	NetProfit      decimal.Decimal
	TotalReturn    decimal.Decimal
	AnnualReturn   decimal.Decimal
	MaxDrawdown    decimal.Decimal
	SharpeRatio    decimal.Decimal

	TotalTrades          int
	WinningTrades        int
	LosingTrades         int
	WinRate              decimal.Decimal
	ProfitLossRatio      decimal.Decimal
	AvgWin               decimal.Decimal
	AvgLoss              decimal.Decimal
	MaxConsecutiveLosses int
	TotalFees            decimal.Decimal
}

func pct(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Mul(decimal.NewFromInt(100)).Round(moneyPlaces)
}

// Summarize 从回测结果生成摘要。
func Summarize(res *backtest.Result) Summary {
	m := res.Metrics
	s := Summary{
		StrategyID:      res.StrategyID,
		StrategyName:    res.StrategyName,
		Start:           res.Start,
		End:             res.End,
		Bars:            res.Bars,
		SkippedBars:     res.SkippedBars,
		Aborted:         res.Aborted,
		Failure:         res.FailureReason,
		InitialCapital:  decimal.NewFromFloat(m.InitialCapital).Round(moneyPlaces),
		FinalEquity:     decimal.NewFromFloat(m.FinalEquity).Round(moneyPlaces),
		NetProfit:       decimal.NewFromFloat(m.FinalEquity).Sub(decimal.NewFromFloat(m.InitialCapital)).Round(moneyPlaces),
		TotalReturn:     pct(m.TotalReturn),
		AnnualReturn:    pct(m.AnnualReturn),
		MaxDrawdown:     pct(m.MaxDrawdown),
		SharpeRatio:     decimal.NewFromFloat(m.SharpeRatio).Round(ratioPlaces),
		TotalTrades:     m.TotalTrades,
		WinningTrades:   m.WinningTrades,
		LosingTrades:    m.LosingTrades,
		WinRate:         pct(m.WinRate),
		ProfitLossRatio: decimal.NewFromFloat(m.ProfitLossRatio).Round(ratioPlaces),
		TotalFees:       decimal.NewFromFloat(m.TotalFees).Round(pricePlaces),
	}

	var (
		winSum, lossSum decimal.Decimal
		streak          int
	)
	for _, o := range res.FilledOrders() {
		pnl := decimal.NewFromFloat(o.RealizedPnL())
		switch pnl.Sign() {
		case 1:
			winSum = winSum.Add(pnl)
			streak = 0
		case -1:
			lossSum = lossSum.Add(pnl)
			streak++
			if streak > s.MaxConsecutiveLosses {
				s.MaxConsecutiveLosses = streak
			}
		}
	}
	if m.WinningTrades > 0 {
		s.AvgWin = winSum.Div(decimal.NewFromInt(int64(m.WinningTrades))).Round(moneyPlaces)
	}
	if m.LosingTrades > 0 {
		s.AvgLoss = lossSum.Div(decimal.NewFromInt(int64(m.LosingTrades))).Round(moneyPlaces)
	}
	return s
}

// WriteText 输出文本摘要。
func WriteText(w io.Writer, s Summary) error {
	var b strings.Builder
	fmt.Fprintln(&b, "===== Backtest Report =====")
	fmt.Fprintf(&b, "Strategy:              %s (%s)\n", s.StrategyName, s.StrategyID)
	fmt.Fprintf(&b, "Period:                %s ~ %s\n", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
	fmt.Fprintf(&b, "Bars:                  %d (skipped %d)\n", s.Bars, s.SkippedBars)
	if s.Aborted {
		fmt.Fprintf(&b, "Aborted:               %s\n", s.Failure)
	}

	fmt.Fprintln(&b, "\n-- Performance --")
	fmt.Fprintf(&b, "Initial Capital:       %s\n", s.InitialCapital)
	fmt.Fprintf(&b, "Final Equity:          %s\n", s.FinalEquity)
	fmt.Fprintf(&b, "Net Profit:            %s\n", s.NetProfit)
	fmt.Fprintf(&b, "Total Return %%:        %s\n", s.TotalReturn)
	fmt.Fprintf(&b, "Annual Return %%:       %s\n", s.AnnualReturn)
	fmt.Fprintf(&b, "Max Drawdown %%:        %s\n", s.MaxDrawdown)
	fmt.Fprintf(&b, "Sharpe Ratio:          %s\n", s.SharpeRatio)

	fmt.Fprintln(&b, "\n-- Trades --")
	fmt.Fprintf(&b, "Total Trades:          %d\n", s.TotalTrades)
	fmt.Fprintf(&b, "Winning / Losing:      %d / %d\n", s.WinningTrades, s.LosingTrades)
	fmt.Fprintf(&b, "Win Rate %%:            %s\n", s.WinRate)
	fmt.Fprintf(&b, "Profit/Loss Ratio:     %s\n", s.ProfitLossRatio)
	fmt.Fprintf(&b, "Avg Win:               %s\n", s.AvgWin)
	fmt.Fprintf(&b, "Avg Loss:              %s\n", s.AvgLoss)
	fmt.Fprintf(&b, "Max Consecutive Losses:%d\n", s.MaxConsecutiveLosses)
	fmt.Fprintf(&b, "Total Fees:            %s\n", s.TotalFees)
	fmt.Fprintln(&b, "===========================")

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteOrdersCSV 按创建顺序输出全部订单。
func WriteOrdersCSV(w io.Writer, res *backtest.Result) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{
		"order_id",
		"symbol",
		"kind",
		"side",
		"status",
		"amount",
		"filled_amount",
		"avg_fill_price",
		"fees",
		"realized_pnl",
		"reject_reason",
		"created_at",
		"closed_at",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("report: 写入表头失败: %w", err)
	}

	for _, o := range res.Orders {
		closed := ""
		if !o.ClosedAt().IsZero() {
			closed = o.ClosedAt().UTC().Format(time.RFC3339)
		}
		record := []string{
			o.ID(),
			o.Symbol(),
			string(o.Kind()),
			string(o.Side()),
			string(o.Status()),
			decimal.NewFromFloat(o.Amount()).String(),
			decimal.NewFromFloat(o.FilledAmount()).String(),
			decimal.NewFromFloat(o.AveragePrice()).Round(pricePlaces).String(),
			decimal.NewFromFloat(o.Fees()).Round(pricePlaces).String(),
			decimal.NewFromFloat(o.RealizedPnL()).Round(pricePlaces).String(),
			o.RejectReason(),
			o.CreatedAt().UTC().Format(time.RFC3339),
			closed,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("report: 写入订单行失败: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report: 刷新 CSV 失败: %w", err)
	}
	return nil
}

// WriteEquityCSV 输出权益曲线。
func WriteEquityCSV(w io.Writer, res *backtest.Result) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write([]string{"time", "equity"}); err != nil {
		return fmt.Errorf("report: 写入表头失败: %w", err)
	}
	for _, p := range res.EquityCurve() {
		if err := cw.Write([]string{
			p.Time.UTC().Format(time.RFC3339),
			decimal.NewFromFloat(p.Equity).Round(pricePlaces).String(),
		}); err != nil {
			return fmt.Errorf("report: 写入权益行失败: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report: 刷新 CSV 失败: %w", err)
	}
	return nil
}

// WriteCSVFiles 将订单写入 path，权益曲线写入同目录的 <name>_equity.csv。
func WriteCSVFiles(path string, res *backtest.Result) (equityPath string, err error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("report: 创建目录 %q 失败: %w", dir, err)
		}
	}
	ext := filepath.Ext(path)
	equityPath = strings.TrimSuffix(path, ext) + "_equity" + ext
	if ext == "" {
		equityPath += ".csv"
	}

	if err := writeFile(path, func(w io.Writer) error { return WriteOrdersCSV(w, res) }); err != nil {
		return "", err
	}
	if err := writeFile(equityPath, func(w io.Writer) error { return WriteEquityCSV(w, res) }); err != nil {
		return "", err
	}
	return equityPath, nil
}

func writeFile(path string, fn func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: 创建文件 %q 失败: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("report: 关闭文件 %q 失败: %w", path, cerr)
		}
	}()
	return fn(f)
}
