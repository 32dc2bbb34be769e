package exchange

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"quant-backtest/internal/market"
	"quant-backtest/internal/marketdata"
)

const defaultPageLimit = 500

// CandleSink 接收从交易所拉取的K线，例如写入本地缓存。
type CandleSink interface {
	SaveCandles(ctx context.Context, candles []market.Candle) error
}

// HistoryProvider 通过分页拉取交易所K线实现 marketdata.Provider。
type HistoryProvider struct {
	client    *Client
	pageLimit int
	sink      CandleSink
	logger    *zap.Logger
	now       func() time.Time
}

// NewHistoryProvider 创建交易所历史数据源，sink 可为 nil。
func NewHistoryProvider(client *Client, pageLimit int, sink CandleSink, logger *zap.Logger) *HistoryProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pageLimit <= 0 {
		pageLimit = defaultPageLimit
	}
	return &HistoryProvider{
		client:    client,
		pageLimit: pageLimit,
		sink:      sink,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// HistoricalBars 按查询区间分页拉取K线。
// Since 为空时从 Until 向前回溯 Limit 根（Limit 为 0 时回溯一页）。
func (p *HistoryProvider) HistoricalBars(ctx context.Context, q marketdata.Query) ([]market.Candle, error) {
	step, err := market.ParseTimeframe(q.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}

	until := q.Until
	if until.IsZero() {
		until = p.now()
	}
	since := q.Since
	if since.IsZero() {
		back := q.Limit
		if back <= 0 {
			back = p.pageLimit
		}
		since = until.Add(-time.Duration(back-1) * step)
	}
	if since.After(until) {
		return nil, nil
	}

	var out []market.Candle
	cursor := since
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := p.client.FetchCandles(ctx, q.Symbol, q.Timeframe, cursor, p.pageLimit)
		if err != nil {
			return nil, fmt.Errorf("exchange: 拉取 %s %s K线失败: %w", q.Symbol, q.Timeframe, err)
		}
		if len(page) == 0 {
			break
		}

		for _, c := range page {
			if c.Timestamp.Before(since) || c.Timestamp.After(until) {
				continue
			}
			if n := len(out); n > 0 && !c.Timestamp.After(out[n-1].Timestamp) {
				continue
			}
			out = append(out, c)
		}

		last := page[len(page)-1].Timestamp
		next := last.Add(step)
		if !next.After(cursor) || next.After(until) || len(page) < p.pageLimit {
			break
		}
		cursor = next
	}

	p.logger.Debug("交易所K线拉取完成",
		zap.String("symbol", q.Symbol),
		zap.String("timeframe", q.Timeframe),
		zap.Int("count", len(out)),
	)

	if p.sink != nil && len(out) > 0 {
		if err := p.sink.SaveCandles(ctx, out); err != nil {
			p.logger.Warn("缓存K线失败", zap.String("symbol", q.Symbol), zap.Error(err))
		}
	}

	if q.Limit > 0 && len(out) > q.Limit {
		if q.Since.IsZero() {
			out = out[len(out)-q.Limit:]
		} else {
			out = out[:q.Limit]
		}
	}
	return out, nil
}
