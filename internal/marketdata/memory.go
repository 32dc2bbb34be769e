package marketdata

import (
	"context"
	"sync"

	"quant-backtest/internal/market"
)

// MemoryProvider 在内存中保存K线，适用于测试与 CSV 导入。
type MemoryProvider struct {
	mu     sync.RWMutex
	series map[seriesKey][]market.Candle
}

type seriesKey struct {
	symbol    string
	timeframe string
}

// NewMemoryProvider 创建空的内存数据源。
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{series: make(map[seriesKey][]market.Candle)}
}

// Add 写入K线，相同时间戳覆盖旧值。
func (p *MemoryProvider) Add(candles ...market.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	touched := make(map[seriesKey]struct{})
	for _, c := range candles {
		key := seriesKey{symbol: c.Symbol, timeframe: c.Timeframe}
		p.series[key] = append(p.series[key], c)
		touched[key] = struct{}{}
	}
	for key := range touched {
		p.series[key] = Dedupe(p.series[key])
	}
}

// Len 返回某序列的K线数量。
func (p *MemoryProvider) Len(symbol, timeframe string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.series[seriesKey{symbol: symbol, timeframe: timeframe}])
}

func (p *MemoryProvider) HistoricalBars(ctx context.Context, q Query) ([]market.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return applyQuery(p.series[seriesKey{symbol: q.Symbol, timeframe: q.Timeframe}], q), nil
}
