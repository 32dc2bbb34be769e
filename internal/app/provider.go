package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"quant-backtest/internal/config"
	"quant-backtest/internal/exchange"
	"quant-backtest/internal/market"
	"quant-backtest/internal/marketdata"
)

// newProvider 按 data.source 构建K线数据源，返回的 release 总是非 nil。
func (a *App) newProvider(ctx context.Context) (marketdata.Provider, func(), error) {
	noop := func() {}
	switch a.cfg.Data.Source {
	case config.SourceCSV:
		p, err := loadCSVFiles(a.cfg.Data.CSVFiles)
		return p, noop, err
	case config.SourceSQLite:
		p, err := marketdata.NewSQLiteProvider(a.store.DB(), a.logger)
		return p, noop, err
	case config.SourcePostgres:
		p, err := marketdata.NewPostgresProvider(ctx, a.cfg.Data.PostgresDSN, a.logger)
		if err != nil {
			return nil, noop, err
		}
		if err := p.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, noop, err
		}
		return p, p.Close, nil
	case config.SourceExchange:
		p, err := a.exchangeProvider(ctx)
		return p, noop, err
	default:
		return nil, noop, fmt.Errorf("app: 不支持的数据源 %q", a.cfg.Data.Source)
	}
}

func loadCSVFiles(files []config.CSVSource) (*marketdata.MemoryProvider, error) {
	p := marketdata.NewMemoryProvider()
	for _, f := range files {
		candles, err := readCSV(f)
		if err != nil {
			return nil, err
		}
		p.Add(candles...)
	}
	return p, nil
}

func readCSV(f config.CSVSource) ([]market.Candle, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("app: 打开K线文件失败: %w", err)
	}
	defer file.Close()

	candles, err := marketdata.LoadCSV(file, marketdata.CSVSeries{
		Symbol:    f.Symbol,
		Venue:     f.Venue,
		Timeframe: f.Timeframe,
	})
	if err != nil {
		return nil, fmt.Errorf("app: 解析 %s 失败: %w", f.Path, err)
	}
	return candles, nil
}

func (a *App) newExchangeClient() (*exchange.Client, error) {
	if a.exchangeSource != nil {
		return exchange.NewClientWithSource(a.cfg.Exchange, a.exchangeSource, a.logger), nil
	}
	return exchange.NewClient(a.cfg.Exchange, a.logger)
}

// exchangeProvider 从交易所分页拉取K线。开启缓存时先把回测区间及预热K线写入 SQLite，
// 回放阶段只读本地库，策略的历史查询不再访问交易所。
func (a *App) exchangeProvider(ctx context.Context) (marketdata.Provider, error) {
	client, err := a.newExchangeClient()
	if err != nil {
		return nil, err
	}
	if !a.cfg.Data.CacheToSQLite {
		return exchange.NewHistoryProvider(client, a.cfg.Exchange.PageLimit, nil, a.logger), nil
	}

	cache, err := marketdata.NewSQLiteProvider(a.store.DB(), a.logger)
	if err != nil {
		return nil, err
	}
	remote := exchange.NewHistoryProvider(client, a.cfg.Exchange.PageLimit, cache, a.logger)
	for _, symbol := range a.cfg.Strategy.Symbols {
		for _, tf := range a.cfg.Strategy.Timeframes {
			step, err := market.ParseTimeframe(tf)
			if err != nil {
				return nil, fmt.Errorf("app: %w", err)
			}
			since := a.cfg.Backtest.Start.Add(-time.Duration(a.cfg.Data.WarmupBars) * step)
			bars, err := remote.HistoricalBars(ctx, marketdata.Query{
				Symbol:    symbol,
				Timeframe: tf,
				Since:     since,
				Until:     a.cfg.Backtest.End,
			})
			if err != nil {
				return nil, fmt.Errorf("app: 预取 %s %s 失败: %w", symbol, tf, err)
			}
			a.logger.Info("K线已缓存",
				zap.String("symbol", symbol),
				zap.String("timeframe", tf),
				zap.Int("count", len(bars)),
			)
		}
	}
	return cache, nil
}
