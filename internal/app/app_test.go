package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant-backtest/internal/backtest"
	"quant-backtest/internal/config"
	"quant-backtest/internal/events"
	"quant-backtest/internal/marketdata"
	"quant-backtest/internal/monitor"
	"quant-backtest/internal/store"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// crossoverCloses 先横盘后上涨再下跌，3/5 均线各交叉一次。
func crossoverCloses() []float64 {
	var closes []float64
	for i := 0; i < 10; i++ {
		closes = append(closes, 100)
	}
	for p := 101.0; p <= 110; p++ {
		closes = append(closes, p)
	}
	for p := 109.0; p >= 95; p-- {
		closes = append(closes, p)
	}
	return closes
}

func writeCSV(t *testing.T) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("timestamp,open,high,low,close,volume\n")
	for i, c := range crossoverCloses() {
		ts := t0.Add(time.Duration(i) * time.Hour).Format(time.RFC3339)
		fmt.Fprintf(&b, "%s,%g,%g,%g,%g,1\n", ts, c, c, c, c)
	}
	path := filepath.Join(t.TempDir(), "btc_1h.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func testConfig(csvPath string) *config.Config {
	n := len(crossoverCloses())
	return &config.Config{
		App: config.AppConfig{Environment: "test"},
		Backtest: config.BacktestConfig{
			Start:          t0,
			End:            t0.Add(time.Duration(n-1) * time.Hour),
			InitialCapital: 10000,
			CommissionRate: 0.001,
			QuoteAsset:     "USDT",
			VenueID:        "backtest",
			ErrorPolicy:    "abort",
		},
		Strategy: config.StrategyConfig{
			Name:       "macross",
			Symbols:    []string{"BTC/USDT"},
			Timeframes: []string{"1h"},
			Params:     map[string]interface{}{"short_window": 3, "long_window": 5, "amount": 1},
		},
		Risk: config.RiskConfig{AuditEnabled: true},
		Data: config.DataConfig{
			Source:   config.SourceCSV,
			CSVFiles: []config.CSVSource{{Path: csvPath, Symbol: "BTC/USDT", Timeframe: "1h"}},
		},
		Exchange: config.ExchangeConfig{
			Name:   "binanceusdm",
			Market: "future",
			Retry:  config.RetryConfig{MaxAttempts: 1},
		},
		Metrics: config.MetricsConfig{Enabled: true, Namespace: "bt"},
		Monitor: config.MonitorConfig{Enabled: true, Addr: "127.0.0.1:0"},
		Sweep:   config.SweepConfig{Concurrency: 2},
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRunSingleFromCSV(t *testing.T) {
	cfg := testConfig(writeCSV(t))
	cfg.Backtest.ReportCSV = filepath.Join(t.TempDir(), "orders.csv")
	st := newTestStore(t)

	var out bytes.Buffer
	var ticks int
	a, err := New(cfg, nil, st, WithOutput(&out), WithProgress(func(done, total int) { ticks = done }))
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))

	assert.Contains(t, out.String(), "===== Backtest Report =====")
	assert.Contains(t, out.String(), "Total Trades:          2")
	assert.Equal(t, len(crossoverCloses()), ticks)

	runs, err := a.Monitor().ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Metrics.TotalTrades)

	filled, err := a.Monitor().ListEvents(context.Background(), monitor.EventFilter{Type: events.OrderFilled})
	require.NoError(t, err)
	assert.Len(t, filled, 2)

	_, err = os.Stat(cfg.Backtest.ReportCSV)
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(filepath.Dir(cfg.Backtest.ReportCSV), "orders_equity.csv"))
	assert.NoError(t, err)
}

func TestRunSweepPersistsEveryOutcome(t *testing.T) {
	cfg := testConfig(writeCSV(t))
	cfg.Sweep.Params = []map[string]interface{}{
		{"short_window": 3, "long_window": 5},
		{"short_window": 2, "long_window": 6},
		{"short_window": 6, "long_window": 2},
	}
	st := newTestStore(t)

	var out bytes.Buffer
	a, err := New(cfg, nil, st, WithOutput(&out))
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))

	assert.Contains(t, out.String(), "#2")
	assert.Contains(t, out.String(), "失败")
	assert.Contains(t, out.String(), "最优参数组")

	runs, err := a.Monitor().ListRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRunRejectsUnknownSource(t *testing.T) {
	cfg := testConfig("")
	cfg.Data.Source = "ftp"
	a, err := New(cfg, nil, newTestStore(t), WithOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	assert.ErrorContains(t, a.Run(context.Background()), "不支持的数据源")
}

type fakeSource struct {
	bars  []ccxt.OHLCV
	calls int
}

func (f *fakeSource) LoadMarkets() error { return nil }

func (f *fakeSource) FetchOHLCV(_, _ string, since, limit int64) ([]ccxt.OHLCV, error) {
	f.calls++
	var out []ccxt.OHLCV
	for _, b := range f.bars {
		if b.Timestamp >= since && int64(len(out)) < limit {
			out = append(out, b)
		}
	}
	return out, nil
}

func TestRunFromExchangeCachesToSQLite(t *testing.T) {
	cfg := testConfig("")
	cfg.Data = config.DataConfig{Source: config.SourceExchange, CacheToSQLite: true, WarmupBars: 2}
	cfg.Backtest.Start = t0.Add(2 * time.Hour)
	st := newTestStore(t)

	src := &fakeSource{}
	for i, c := range crossoverCloses() {
		src.bars = append(src.bars, ccxt.OHLCV{
			Timestamp: t0.Add(time.Duration(i) * time.Hour).UnixMilli(),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    1,
		})
	}

	var out bytes.Buffer
	a, err := New(cfg, nil, st, WithOutput(&out), WithExchangeSource(src))
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, 1, src.calls, "replay reads from the local cache")
	assert.Contains(t, out.String(), "===== Backtest Report =====")

	cache, err := marketdata.NewSQLiteProvider(st.DB(), nil)
	require.NoError(t, err)
	bars, err := cache.HistoricalBars(context.Background(), marketdata.Query{Symbol: "BTC/USDT", Timeframe: "1h"})
	require.NoError(t, err)
	assert.Len(t, bars, len(crossoverCloses()))
}

func TestMonitorMux(t *testing.T) {
	cfg := testConfig(writeCSV(t))
	a, err := New(cfg, nil, newTestStore(t), WithOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background()))

	srv := httptest.NewServer(newMonitorMux(a.Monitor(), a.Metrics().Handler(), nil))
	defer srv.Close()

	get := func(path string) *http.Response {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := get("/runs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []monitor.RunRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 1)

	resp = get("/runs/" + runs[0].ID + "/equity")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var curve []backtest.EquityPoint
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&curve))
	assert.NotEmpty(t, curve)

	assert.Equal(t, http.StatusNotFound, get("/runs/missing/equity").StatusCode)

	resp = get("/events?type=ORDER_FILLED&limit=5000")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var evs []monitor.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&evs))
	assert.Len(t, evs, 2)

	resp = get("/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `bt_runs_total{result="ok"} 1`)
	assert.Contains(t, body.String(), `bt_events_total{type="order_filled"} 2`)
}

func TestQueryLimit(t *testing.T) {
	assert.Equal(t, defaultQueryLimit, queryLimit(""))
	assert.Equal(t, defaultQueryLimit, queryLimit("-3"))
	assert.Equal(t, 50, queryLimit("50"))
	assert.Equal(t, maxQueryLimit, queryLimit("99999"))
}

func TestServeRequiresMonitor(t *testing.T) {
	cfg := testConfig("")
	cfg.Monitor.Enabled = false
	a, err := New(cfg, nil, newTestStore(t))
	require.NoError(t, err)
	assert.Error(t, a.Serve(context.Background()))
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := testConfig("")
	a, err := New(cfg, nil, newTestStore(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
