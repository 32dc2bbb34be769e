package marketdata

import (
	"context"
	"errors"
	"sort"
	"time"

	"quant-backtest/internal/market"
)

// ErrNoData 表示查询区间内没有K线。
var ErrNoData = errors.New("marketdata: 区间内无K线数据")

// Query 描述一次历史K线查询，零值时间表示不限。
// Since 为空且 Limit > 0 时返回 Until 之前（含）的最后 Limit 根；
// 否则返回从 Since 开始的前 Limit 根。
type Query struct {
	Symbol    string
	Timeframe string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Provider 提供按时间升序排列的历史K线。
type Provider interface {
	HistoricalBars(ctx context.Context, q Query) ([]market.Candle, error)
}

// ProviderFunc 允许以函数实现 Provider。
type ProviderFunc func(ctx context.Context, q Query) ([]market.Candle, error)

func (f ProviderFunc) HistoricalBars(ctx context.Context, q Query) ([]market.Candle, error) {
	return f(ctx, q)
}

// applyQuery 对升序K线执行时间过滤与数量截取。
func applyQuery(sorted []market.Candle, q Query) []market.Candle {
	lo := 0
	if !q.Since.IsZero() {
		lo = sort.Search(len(sorted), func(i int) bool { return !sorted[i].Timestamp.Before(q.Since) })
	}
	hi := len(sorted)
	if !q.Until.IsZero() {
		hi = sort.Search(len(sorted), func(i int) bool { return sorted[i].Timestamp.After(q.Until) })
	}
	if lo >= hi {
		return nil
	}
	window := sorted[lo:hi]
	if q.Limit > 0 && len(window) > q.Limit {
		if q.Since.IsZero() {
			window = window[len(window)-q.Limit:]
		} else {
			window = window[:q.Limit]
		}
	}
	out := make([]market.Candle, len(window))
	copy(out, window)
	return out
}

func sortCandles(c []market.Candle) {
	sort.SliceStable(c, func(i, j int) bool { return c[i].Timestamp.Before(c[j].Timestamp) })
}

// Dedupe 按时间戳稳定排序并原地去重，同一时间戳保留最后出现的K线。
func Dedupe(c []market.Candle) []market.Candle {
	sortCandles(c)
	out := c[:0]
	for _, candle := range c {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(candle.Timestamp) {
			out[n-1] = candle
			continue
		}
		out = append(out, candle)
	}
	return out
}
