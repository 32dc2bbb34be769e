package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"quant-backtest/internal/config"
	"quant-backtest/internal/market"
)

// Source 为拉取K线所需的最小交易所能力。
type Source interface {
	LoadMarkets() error
	FetchOHLCV(symbol, timeframe string, since, limit int64) ([]ccxt.OHLCV, error)
}

type ccxtSource struct {
	load  func() error
	fetch func(symbol, timeframe string, since, limit int64) ([]ccxt.OHLCV, error)
}

func (s ccxtSource) LoadMarkets() error { return s.load() }

func (s ccxtSource) FetchOHLCV(symbol, timeframe string, since, limit int64) ([]ccxt.OHLCV, error) {
	return s.fetch(symbol, timeframe, since, limit)
}

// newSource 按交易所名称构造 ccxt 客户端。
func newSource(cfg config.ExchangeConfig) (Source, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	switch strings.ToLower(cfg.Name) {
	case "binanceusdm":
		userConfig["options"] = map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		}
		ex := ccxt.NewBinanceusdm(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		return wrapCCXT(ex.LoadMarkets, ex.FetchOHLCV), nil
	case "binance":
		ex := ccxt.NewBinance(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		return wrapCCXT(ex.LoadMarkets, ex.FetchOHLCV), nil
	case "hyperliquid":
		ex := ccxt.NewHyperliquid(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		return wrapCCXT(ex.LoadMarkets, ex.FetchOHLCV), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, cfg.Name)
	}
}

// wrapCCXT 将 ccxt 交易所的 LoadMarkets 与 FetchOHLCV 适配为 Source。
func wrapCCXT[M any](
	load func(params ...interface{}) (M, error),
	fetch func(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error),
) ccxtSource {
	return ccxtSource{
		load: func() error {
			_, err := load()
			return err
		},
		fetch: func(symbol, timeframe string, since, limit int64) ([]ccxt.OHLCV, error) {
			return fetch(symbol,
				ccxt.WithFetchOHLCVTimeframe(timeframe),
				ccxt.WithFetchOHLCVSince(since),
				ccxt.WithFetchOHLCVLimit(limit),
			)
		},
	}
}

// Client 负责与交易所交互并实现重试机制。
type Client struct {
	cfg    config.ExchangeConfig
	logger *zap.Logger
	source Source

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 根据配置构造交易所客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	source, err := newSource(cfg)
	if err != nil {
		return nil, err
	}
	return NewClientWithSource(cfg, source, logger), nil
}

// NewClientWithSource 使用自定义数据源构造客户端。
func NewClientWithSource(cfg config.ExchangeConfig, source Source, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("exchange", cfg.Name)),
		source: source,
	}
}

// Name 返回交易所名称。
func (c *Client) Name() string {
	return c.cfg.Name
}

// VenueSymbol 将 BASE/QUOTE 转换为交易所使用的符号，合约市场追加结算币。
func (c *Client) VenueSymbol(symbol string) string {
	if strings.Contains(symbol, ":") {
		return symbol
	}
	switch strings.ToLower(c.cfg.Market) {
	case "future", "swap":
		if _, quote, err := market.SplitSymbol(symbol); err == nil {
			return symbol + ":" + quote
		}
	}
	return symbol
}

// FetchCandles 从 since 开始拉取最多 limit 根K线。
func (c *Client) FetchCandles(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV

	err := c.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.source.FetchOHLCV(c.VenueSymbol(symbol), timeframe, since.UnixMilli(), int64(limit))
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	candles := make([]market.Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, market.Candle{
			Symbol:    symbol,
			Venue:     c.cfg.Name,
			Timeframe: timeframe,
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return candles, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	if err := c.source.LoadMarkets(); err != nil {
		return err
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
