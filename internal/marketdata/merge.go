package marketdata

import (
	"sort"

	"quant-backtest/internal/market"
)

// Merge 将多条序列合并为单一时间线。
// 排序键依次为时间戳、交易对、周期时长，仍相同时保持输入顺序。
func Merge(series ...[]market.Candle) []market.Candle {
	total := 0
	for _, s := range series {
		total += len(s)
	}
	out := make([]market.Candle, 0, total)
	for _, s := range series {
		out = append(out, s...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return timeframeDuration(a.Timeframe) < timeframeDuration(b.Timeframe)
	})
	return out
}

func timeframeDuration(tf string) int64 {
	d, err := market.ParseTimeframe(tf)
	if err != nil {
		return 1<<63 - 1
	}
	return int64(d)
}
