package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant-backtest/internal/config"
	"quant-backtest/internal/market"
	"quant-backtest/internal/marketdata"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

type fakeSource struct {
	bars     []ccxt.OHLCV
	loads    int
	calls    int
	failures int
	err      error
	symbols  []string
}

func (f *fakeSource) LoadMarkets() error {
	f.loads++
	return nil
}

func (f *fakeSource) FetchOHLCV(symbol, _ string, since, limit int64) ([]ccxt.OHLCV, error) {
	f.calls++
	f.symbols = append(f.symbols, symbol)
	if f.failures > 0 {
		f.failures--
		return nil, f.err
	}
	var out []ccxt.OHLCV
	for _, b := range f.bars {
		if b.Timestamp >= since && int64(len(out)) < limit {
			out = append(out, b)
		}
	}
	return out, nil
}

func hourlyBars(n int) []ccxt.OHLCV {
	out := make([]ccxt.OHLCV, n)
	for i := range out {
		price := 100 + float64(i)
		out[i] = ccxt.OHLCV{
			Timestamp: t0.Add(time.Duration(i) * time.Hour).UnixMilli(),
			Open:      price,
			High:      price + 1,
			Low:       price - 1,
			Close:     price,
			Volume:    10,
		}
	}
	return out
}

func testConfig() config.ExchangeConfig {
	return config.ExchangeConfig{
		Name:   "binanceusdm",
		Market: "future",
		Retry:  config.RetryConfig{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
}

type recordingSink struct {
	saved []market.Candle
}

func (s *recordingSink) SaveCandles(_ context.Context, candles []market.Candle) error {
	s.saved = append(s.saved, candles...)
	return nil
}

func TestHistoryProviderPaginates(t *testing.T) {
	src := &fakeSource{bars: hourlyBars(25)}
	sink := &recordingSink{}
	p := NewHistoryProvider(NewClientWithSource(testConfig(), src, nil), 10, sink, nil)

	bars, err := p.HistoricalBars(context.Background(), marketdata.Query{
		Symbol:    "BTC/USDT",
		Timeframe: "1h",
		Since:     t0,
		Until:     t0.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, bars, 25)
	assert.Equal(t, 3, src.calls)
	assert.Equal(t, 1, src.loads, "markets load once")
	assert.Equal(t, "BTC/USDT:USDT", src.symbols[0])

	assert.Equal(t, "BTC/USDT", bars[0].Symbol, "candles keep the requested symbol")
	assert.Equal(t, "1h", bars[0].Timeframe)
	assert.Equal(t, "binanceusdm", bars[0].Venue)
	assert.True(t, bars[24].Timestamp.Equal(t0.Add(24*time.Hour)))
	assert.Len(t, sink.saved, 25)
}

func TestHistoryProviderTailWithoutSince(t *testing.T) {
	src := &fakeSource{bars: hourlyBars(25)}
	p := NewHistoryProvider(NewClientWithSource(testConfig(), src, nil), 100, nil, nil)

	bars, err := p.HistoricalBars(context.Background(), marketdata.Query{
		Symbol:    "BTC/USDT",
		Timeframe: "1h",
		Until:     t0.Add(10 * time.Hour),
		Limit:     5,
	})
	require.NoError(t, err)
	require.Len(t, bars, 5)
	assert.Equal(t, 106.0, bars[0].Close)
	assert.Equal(t, 110.0, bars[4].Close, "never returns bars after Until")
}

func TestHistoryProviderRetriesTransientErrors(t *testing.T) {
	src := &fakeSource{
		bars:     hourlyBars(3),
		failures: 2,
		err:      &ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "connection reset"},
	}
	p := NewHistoryProvider(NewClientWithSource(testConfig(), src, nil), 10, nil, nil)

	bars, err := p.HistoricalBars(context.Background(), marketdata.Query{
		Symbol: "BTC/USDT", Timeframe: "1h", Since: t0, Until: t0.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.Len(t, bars, 3)
	assert.Equal(t, 3, src.calls)
}

func TestHistoryProviderGivesUpAfterMaxAttempts(t *testing.T) {
	src := &fakeSource{
		bars:     hourlyBars(3),
		failures: 5,
		err:      &ccxt.Error{Type: ccxt.RequestTimeoutErrType, Message: "timeout"},
	}
	p := NewHistoryProvider(NewClientWithSource(testConfig(), src, nil), 10, nil, nil)

	_, err := p.HistoricalBars(context.Background(), marketdata.Query{
		Symbol: "BTC/USDT", Timeframe: "1h", Since: t0, Until: t0.Add(2 * time.Hour),
	})
	require.Error(t, err)
	assert.Equal(t, 3, src.calls)
}

func TestMaintenanceIsNotRetried(t *testing.T) {
	src := &fakeSource{
		failures: 1,
		err:      &ccxt.Error{Type: ccxt.OnMaintenanceErrType, Message: "upgrade"},
	}
	c := NewClientWithSource(testConfig(), src, nil)

	_, err := c.FetchCandles(context.Background(), "BTC/USDT", "1h", t0, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMaintenance))
	assert.Equal(t, 1, src.calls)
}

func TestVenueSymbol(t *testing.T) {
	c := NewClientWithSource(testConfig(), &fakeSource{}, nil)
	assert.Equal(t, "ETH/USDT:USDT", c.VenueSymbol("ETH/USDT"))
	assert.Equal(t, "ETH/USDC:USDC", c.VenueSymbol("ETH/USDC:USDC"))

	spot := testConfig()
	spot.Market = "spot"
	assert.Equal(t, "ETH/USDT", NewClientWithSource(spot, &fakeSource{}, nil).VenueSymbol("ETH/USDT"))
}

func TestUnsupportedExchange(t *testing.T) {
	cfg := testConfig()
	cfg.Name = "mtgox"
	_, err := NewClient(cfg, nil)
	assert.ErrorIs(t, err, ErrUnsupportedExchange)
}

func TestWrapCCXT(t *testing.T) {
	loadErr := errors.New("markets unavailable")
	var gotSymbol string
	var gotOpts int
	src := wrapCCXT(
		func(...interface{}) (map[string]int, error) { return nil, loadErr },
		func(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error) {
			gotSymbol, gotOpts = symbol, len(options)
			return []ccxt.OHLCV{{Timestamp: t0.UnixMilli(), Close: 1}}, nil
		},
	)
	assert.ErrorIs(t, src.LoadMarkets(), loadErr)

	bars, err := src.FetchOHLCV("BTC/USDT:USDT", "1h", t0.UnixMilli(), 10)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, "BTC/USDT:USDT", gotSymbol)
	assert.Equal(t, 3, gotOpts, "one option per query field")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&ccxt.Error{Type: ccxt.RateLimitExceededErrType}))
	assert.False(t, IsRetryable(&ccxt.Error{Type: ccxt.OnMaintenanceErrType}))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}
