package backtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant-backtest/internal/events"
	"quant-backtest/internal/market"
	"quant-backtest/internal/marketdata"
	"quant-backtest/internal/order"
	"quant-backtest/internal/risk"
	"quant-backtest/internal/strategy"
	"quant-backtest/internal/strategy/macross"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func flatBars(symbol string, closes ...float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			Symbol:    symbol,
			Timeframe: market.Timeframe1h,
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    1,
		}
	}
	return out
}

type scripted struct {
	strategy.Base
	onBar    func(s *scripted, c market.Candle) (strategy.Result, error)
	onTicker func(s *scripted, t market.Ticker) strategy.Result
	updates  []order.Status
	tickers  []market.Ticker
	cleaned  bool
}

func (s *scripted) Initialize() error { return nil }

func (s *scripted) OnBar(c market.Candle) (strategy.Result, error) {
	if s.onBar == nil {
		return strategy.Result{}, nil
	}
	return s.onBar(s, c)
}

func (s *scripted) OnTicker(t market.Ticker) strategy.Result {
	s.tickers = append(s.tickers, t)
	if s.onTicker == nil {
		return strategy.Result{}
	}
	return s.onTicker(s, t)
}

func (s *scripted) OnOrderUpdate(o *order.Order) { s.updates = append(s.updates, o.Status()) }
func (s *scripted) Cleanup()                     { s.cleaned = true }

func newScriptedEngine(t *testing.T, cfg Config, bars []market.Candle, s *scripted, opts ...Option) (*Engine, string) {
	t.Helper()
	provider := marketdata.NewMemoryProvider()
	provider.Add(bars...)
	e, err := NewEngine(cfg, provider, nil, opts...)
	require.NoError(t, err)
	require.NoError(t, e.RegisterStrategy("scripted", func(c strategy.Config) (strategy.Strategy, error) {
		s.Base = strategy.NewBase(c)
		return s, nil
	}))
	id, err := e.CreateStrategy("scripted", strategy.Config{Symbols: []string{"BTC/USDT"}, Timeframes: []string{"1h"}})
	require.NoError(t, err)
	return e, id
}

func TestCrossoverEndToEnd(t *testing.T) {
	closes := make([]float64, 0, 35)
	for i := 0; i < 10; i++ {
		closes = append(closes, 100)
	}
	for p := 101.0; p <= 110; p++ {
		closes = append(closes, p)
	}
	for p := 109.0; p >= 95; p-- {
		closes = append(closes, p)
	}
	bars := flatBars("BTC/USDT", closes...)

	provider := marketdata.NewMemoryProvider()
	provider.Add(bars...)
	e, err := NewEngine(DefaultConfig(), provider, nil)
	require.NoError(t, err)
	require.NoError(t, macross.Register(e.Registry()))

	id, err := e.CreateStrategy(macross.Name, strategy.Config{
		Name:       "ma",
		Symbols:    []string{"BTC/USDT"},
		Timeframes: []string{"1h"},
		Params:     map[string]interface{}{"short_window": 3, "long_window": 5, "amount": 1},
	})
	require.NoError(t, err)

	res, err := e.RunBacktest(context.Background(), id, bars[0].Timestamp, bars[len(bars)-1].Timestamp)
	require.NoError(t, err)

	filled := res.FilledOrders()
	require.Len(t, filled, 2)
	assert.Equal(t, order.SideBuy, filled[0].Side())
	assert.Equal(t, bars[10].Timestamp, filled[0].CreatedAt())
	assert.InDelta(t, 101, filled[0].AveragePrice(), 1e-9)
	assert.Equal(t, order.SideSell, filled[1].Side())
	assert.Equal(t, bars[22].Timestamp, filled[1].CreatedAt())
	assert.InDelta(t, 107, filled[1].AveragePrice(), 1e-9)

	curve := res.EquityCurve()
	require.Len(t, curve, len(bars)+1)
	assert.Equal(t, 100000.0, curve[0].Equity)
	for _, p := range curve {
		assert.GreaterOrEqual(t, p.Equity, 0.0)
	}

	assert.Equal(t, 2, res.Metrics.TotalTrades)
	assert.Equal(t, 1, res.Metrics.WinningTrades)
	assert.InDelta(t, 107-101.101-0.107, filled[1].RealizedPnL(), 1e-9)
	assert.Contains(t, res.StrategyMetrics, "short_ma")
	assert.Contains(t, res.StrategyMetrics, "long_ma")

	st, err := e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st)
}

func TestAbortPolicyReturnsPartialResult(t *testing.T) {
	bars := flatBars("BTC/USDT", 100, 101, 102, 103, 104)
	s := &scripted{onBar: func(_ *scripted, c market.Candle) (strategy.Result, error) {
		if c.Close == 102 {
			return strategy.Result{}, errors.New("boom")
		}
		return strategy.Result{}, nil
	}}
	e, id := newScriptedEngine(t, DefaultConfig(), bars, s)

	res, err := e.RunBacktest(context.Background(), id, bars[0].Timestamp, bars[4].Timestamp)
	require.ErrorIs(t, err, ErrStrategyFailed)
	require.NotNil(t, res)
	assert.True(t, res.Aborted)
	assert.Equal(t, 3, res.Bars)
	assert.Len(t, res.Snapshots, 3, "initial snapshot plus two completed bars")
	assert.Contains(t, res.FailureReason, "boom")

	st, _ := e.Status(id)
	assert.Equal(t, StatusError, st)
}

func TestSkipPolicyContinues(t *testing.T) {
	bars := flatBars("BTC/USDT", 100, 101, 102, 103, 104)
	s := &scripted{onBar: func(_ *scripted, c market.Candle) (strategy.Result, error) {
		var res strategy.Result
		switch c.Close {
		case 101:
			res.SetError("bad signal")
		case 103:
			panic("unexpected")
		}
		return res, nil
	}}
	cfg := DefaultConfig()
	cfg.ErrorPolicy = PolicySkip
	e, id := newScriptedEngine(t, cfg, bars, s)

	res, err := e.RunBacktest(context.Background(), id, bars[0].Timestamp, bars[4].Timestamp)
	require.NoError(t, err)
	assert.False(t, res.Aborted)
	assert.Equal(t, 5, res.Bars)
	assert.Equal(t, 2, res.SkippedBars)
	assert.Len(t, res.Snapshots, 4, "failed bars take no snapshot")
}

func TestSkipPolicyDiscardsOrdersFromFailedBar(t *testing.T) {
	bars := flatBars("BTC/USDT", 100, 101, 102)
	var placed *order.Order
	s := &scripted{onBar: func(s *scripted, c market.Candle) (strategy.Result, error) {
		var res strategy.Result
		if c.Close != 101 {
			return res, nil
		}
		o, err := s.CreateMarketOrder("BTC/USDT", order.SideBuy, 1)
		if err != nil {
			return res, err
		}
		placed = o
		res.AddOrder(o)
		return res, errors.New("signal source unavailable")
	}}
	cfg := DefaultConfig()
	cfg.ErrorPolicy = PolicySkip
	e, id := newScriptedEngine(t, cfg, bars, s)

	res, err := e.RunBacktest(context.Background(), id, bars[0].Timestamp, bars[2].Timestamp)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedBars)

	require.NotNil(t, placed)
	assert.Equal(t, order.StatusRejected, placed.Status())
	assert.Equal(t, "strategy callback failed", placed.RejectReason())
	assert.Zero(t, placed.FilledAmount())
	assert.Equal(t, []order.Status{order.StatusRejected}, s.updates)
	for _, o := range res.Orders {
		assert.NotEqual(t, order.StatusFilled, o.Status())
	}
}

func TestOrderPerBarFillsOnItsOwnBar(t *testing.T) {
	const n = 3000
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + float64(i%7)
	}
	bars := flatBars("BTC/USDT", closes...)

	var bar int
	s := &scripted{onBar: func(s *scripted, c market.Candle) (strategy.Result, error) {
		var res strategy.Result
		ctx := s.Context()
		mark := ctx.OrderCount()
		require.Equal(t, bar, mark, "one order tracked per previous bar")
		assert.Empty(t, ctx.OrdersSince(mark))
		side := order.SideBuy
		if bar%2 == 1 {
			side = order.SideSell
		}
		bar++
		o, err := s.CreateMarketOrder("BTC/USDT", side, 0.001)
		if err != nil {
			return res, err
		}
		require.Len(t, ctx.OrdersSince(mark), 1)
		res.AddOrder(o)
		return res, nil
	}}
	e, id := newScriptedEngine(t, DefaultConfig(), bars, s)

	res, err := e.RunBacktest(context.Background(), id, bars[0].Timestamp, bars[n-1].Timestamp)
	require.NoError(t, err)
	require.Len(t, res.Orders, n)
	for i, o := range res.Orders {
		require.Equal(t, order.StatusFilled, o.Status(), "order %d", i)
		require.Equal(t, bars[i].Timestamp, o.ClosedAt(), "order %d fills on the bar that created it", i)
	}
	assert.Len(t, res.Snapshots, n+1)
}

func TestRestingLimitFillAndPnL(t *testing.T) {
	bars := []market.Candle{
		{Symbol: "BTC/USDT", Timeframe: "1h", Timestamp: t0, Open: 100, High: 101, Low: 99, Close: 100},
		{Symbol: "BTC/USDT", Timeframe: "1h", Timestamp: t0.Add(time.Hour), Open: 96, High: 97, Low: 94, Close: 95},
		{Symbol: "BTC/USDT", Timeframe: "1h", Timestamp: t0.Add(2 * time.Hour), Open: 105, High: 112, Low: 104, Close: 110},
	}
	s := &scripted{onBar: func(s *scripted, c market.Candle) (strategy.Result, error) {
		var res strategy.Result
		switch c.Timestamp {
		case t0:
			o, err := s.CreateLimitOrder("BTC/USDT", order.SideBuy, 2, 95)
			if err != nil {
				return res, err
			}
			res.AddOrder(o)
		case t0.Add(2 * time.Hour):
			o, err := s.CreateMarketOrder("BTC/USDT", order.SideSell, 2)
			if err != nil {
				return res, err
			}
			res.AddOrder(o)
		}
		return res, nil
	}}
	cfg := DefaultConfig()
	cfg.InitialCapital = 1000
	e, id := newScriptedEngine(t, cfg, bars, s)

	res, err := e.RunBacktest(context.Background(), id, t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, res.Orders, 2)

	buy, sell := res.Orders[0], res.Orders[1]
	assert.Equal(t, order.StatusFilled, buy.Status())
	assert.InDelta(t, 95, buy.AveragePrice(), 1e-9, "limit fills at min(limit, open)")
	assert.Equal(t, t0.Add(time.Hour), buy.Fills()[0].Timestamp)
	assert.InDelta(t, 0.19, buy.Fees(), 1e-9)

	assert.InDelta(t, 110, sell.AveragePrice(), 1e-9)
	assert.InDelta(t, (110-(190.19/2))*2-0.22, sell.RealizedPnL(), 1e-9)

	acct, ok := e.Account(id)
	require.True(t, ok)
	usdt, _ := acct.Balance("USDT")
	assert.InDelta(t, 1000-190.19+220-0.22, usdt.Free, 1e-9)
	btc, _ := acct.Balance("BTC")
	assert.InDelta(t, 0, btc.Free, 1e-12)

	assert.Equal(t, []order.Status{order.StatusOpen, order.StatusFilled, order.StatusOpen, order.StatusFilled}, s.updates)
}

func TestRestingLimitBuyLocksQuote(t *testing.T) {
	bars := flatBars("BTC/USDT", 100, 100, 100, 100)
	var resting *order.Order
	var lockedMidRun float64
	s := &scripted{onBar: func(s *scripted, c market.Candle) (strategy.Result, error) {
		var res strategy.Result
		switch c.Timestamp {
		case t0:
			o, err := s.CreateLimitOrder("BTC/USDT", order.SideBuy, 2, 50)
			if err != nil {
				return res, err
			}
			resting = o
			res.AddOrder(o)
		case t0.Add(time.Hour):
			b, _ := s.Context().Account().Balance("USDT")
			lockedMidRun = b.Locked
		case t0.Add(2 * time.Hour):
			res.AddCanceledOrderID(resting.ID())
		}
		return res, nil
	}}
	cfg := DefaultConfig()
	cfg.InitialCapital = 1000
	e, id := newScriptedEngine(t, cfg, bars, s)

	res, err := e.RunBacktest(context.Background(), id, bars[0].Timestamp, bars[3].Timestamp)
	require.NoError(t, err)
	assert.InDelta(t, 2*50*1.001, lockedMidRun, 1e-9)
	assert.Equal(t, order.StatusCanceled, resting.Status())
	for _, snap := range res.Snapshots {
		assert.InDelta(t, 1000, snap.Balances["USDT"], 1e-9, "locking keeps the total")
	}

	acct, ok := e.Account(id)
	require.True(t, ok)
	usdt, _ := acct.Balance("USDT")
	assert.InDelta(t, 1000, usdt.Free, 1e-9)
	assert.Zero(t, usdt.Locked)
}

func TestTickerSynthesizedFromBars(t *testing.T) {
	bars := flatBars("BTC/USDT", 100, 101, 102)
	var cached []float64
	s := &scripted{
		onBar: func(s *scripted, c market.Candle) (strategy.Result, error) {
			if tk, ok := s.Context().Ticker(c.Symbol); ok {
				cached = append(cached, tk.Last)
			}
			return strategy.Result{}, nil
		},
		onTicker: func(s *scripted, tk market.Ticker) strategy.Result {
			var res strategy.Result
			if tk.Last == 101 {
				o, err := s.CreateMarketOrder(tk.Symbol, order.SideBuy, 1)
				if err != nil {
					res.SetError(err.Error())
					return res
				}
				res.AddOrder(o)
			}
			return res
		},
	}
	cfg := DefaultConfig()
	cfg.CommissionRate = 0
	e, id := newScriptedEngine(t, cfg, bars, s)

	res, err := e.RunBacktest(context.Background(), id, bars[0].Timestamp, bars[2].Timestamp)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 101, 102}, cached)
	require.Len(t, s.tickers, 3)
	assert.Equal(t, 102.0, s.tickers[2].Bid)
	assert.Equal(t, bars[2].Timestamp, s.tickers[2].Timestamp)

	require.Len(t, res.Orders, 1)
	assert.Equal(t, order.StatusFilled, res.Orders[0].Status())
	assert.InDelta(t, 101, res.Orders[0].AveragePrice(), 1e-9)
}

func TestSlippageAndOpenOrdersExpire(t *testing.T) {
	bars := flatBars("BTC/USDT", 100, 100)
	s := &scripted{onBar: func(s *scripted, c market.Candle) (strategy.Result, error) {
		var res strategy.Result
		if c.Timestamp.Equal(t0) {
			m, _ := s.CreateMarketOrder("BTC/USDT", order.SideBuy, 1)
			l, _ := s.CreateLimitOrder("BTC/USDT", order.SideBuy, 1, 50)
			res.AddOrder(m)
			res.AddOrder(l)
		}
		return res, nil
	}}
	cfg := DefaultConfig()
	cfg.Slippage = 0.01
	cfg.CommissionRate = 0
	e, id := newScriptedEngine(t, cfg, bars, s)

	res, err := e.RunBacktest(context.Background(), id, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, res.Orders, 2)
	assert.InDelta(t, 101, res.Orders[0].AveragePrice(), 1e-9)
	assert.Equal(t, order.StatusExpired, res.Orders[1].Status())
}

func TestEngineRiskGate(t *testing.T) {
	bars := flatBars("BTC/USDT", 100, 100, 100)
	rm := risk.NewManager(nil)
	rm.AddRule(risk.NewMaxTradesPerDayRule("", risk.MaxTradesPerDayParams{MaxTrades: 1}, nil))
	queue := events.NewQueue()

	var direct *order.Order
	s := &scripted{onBar: func(s *scripted, c market.Candle) (strategy.Result, error) {
		var res strategy.Result
		switch c.Timestamp {
		case t0:
			o, err := s.CreateMarketOrder("BTC/USDT", order.SideBuy, 1)
			if err != nil {
				return res, err
			}
			res.AddOrder(o)
		case t0.Add(time.Hour):
			o, err := s.CreateMarketOrder("BTC/USDT", order.SideBuy, 1)
			if err != nil {
				return res, err
			}
			if o == nil {
				res.AddLog("denied")
			}
		case t0.Add(2 * time.Hour):
			o, err := order.New(order.Params{Symbol: "BTC/USDT", Kind: order.KindMarket, Side: order.SideBuy, Amount: 1},
				s.Context().StrategyID(), "backtest", c.Timestamp)
			if err != nil {
				return res, err
			}
			direct = o
			res.AddOrder(o)
		}
		return res, nil
	}}
	e, id := newScriptedEngine(t, DefaultConfig(), bars, s, WithRiskManager(rm), WithPublisher(queue))

	res, err := e.RunBacktest(context.Background(), id, t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, res.Orders, 3)
	assert.Equal(t, order.StatusFilled, res.Orders[0].Status())
	assert.Equal(t, order.StatusRejected, res.Orders[1].Status())
	require.NotNil(t, direct)
	assert.Equal(t, order.StatusRejected, direct.Status(), "orders built outside the context are gated by the engine")
	assert.Equal(t, "risk rule denied: max_trades_per_day", direct.RejectReason())
	assert.Contains(t, res.Logs, "denied")

	counts := map[events.Type]int{}
	for _, ev := range queue.Drain() {
		counts[ev.Type]++
	}
	assert.Equal(t, 1, counts[events.StrategyInitialized])
	assert.Equal(t, 1, counts[events.OrderSubmitted])
	assert.Equal(t, 1, counts[events.OrderFilled])
	assert.Equal(t, 1, counts[events.BalanceUpdated])
	assert.Equal(t, 2, counts[events.OrderRejected])
	assert.Equal(t, 1, counts[events.BacktestCompleted])
}

func TestCancelViaResult(t *testing.T) {
	bars := flatBars("BTC/USDT", 100, 100)
	var limitID string
	s := &scripted{onBar: func(s *scripted, c market.Candle) (strategy.Result, error) {
		var res strategy.Result
		if c.Timestamp.Equal(t0) {
			o, err := s.CreateLimitOrder("BTC/USDT", order.SideBuy, 1, 10)
			if err != nil {
				return res, err
			}
			limitID = o.ID()
			res.AddOrder(o)
			return res, nil
		}
		res.AddCanceledOrderID(limitID)
		return res, nil
	}}
	e, id := newScriptedEngine(t, DefaultConfig(), bars, s)
	res, err := e.RunBacktest(context.Background(), id, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, order.StatusCanceled, res.Orders[0].Status())
}

func TestMultiSymbolReplayOrder(t *testing.T) {
	provider := marketdata.NewMemoryProvider()
	provider.Add(flatBars("ETH/USDT", 10, 11)...)
	provider.Add(flatBars("BTC/USDT", 100, 101)...)

	var seen []string
	s := &scripted{onBar: func(_ *scripted, c market.Candle) (strategy.Result, error) {
		seen = append(seen, c.Symbol)
		return strategy.Result{}, nil
	}}
	e, err := NewEngine(DefaultConfig(), provider, nil)
	require.NoError(t, err)
	require.NoError(t, e.RegisterStrategy("scripted", func(c strategy.Config) (strategy.Strategy, error) {
		s.Base = strategy.NewBase(c)
		return s, nil
	}))
	id, err := e.CreateStrategy("scripted", strategy.Config{Symbols: []string{"ETH/USDT", "BTC/USDT"}, Timeframes: []string{"1h"}})
	require.NoError(t, err)

	_, err = e.RunBacktest(context.Background(), id, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT", "BTC/USDT", "ETH/USDT"}, seen)
}

func TestLoadErrorPropagates(t *testing.T) {
	boom := errors.New("down")
	provider := marketdata.ProviderFunc(func(context.Context, marketdata.Query) ([]market.Candle, error) {
		return nil, boom
	})
	e, err := NewEngine(DefaultConfig(), provider, nil)
	require.NoError(t, err)
	require.NoError(t, e.RegisterStrategy("scripted", func(c strategy.Config) (strategy.Strategy, error) {
		return &scripted{Base: strategy.NewBase(c)}, nil
	}))
	id, err := e.CreateStrategy("scripted", strategy.Config{Symbols: []string{"BTC/USDT"}})
	require.NoError(t, err)

	_, err = e.RunBacktest(context.Background(), id, t0, t0.Add(time.Hour))
	assert.ErrorIs(t, err, boom)
}

func TestEngineLifecycleAndSetters(t *testing.T) {
	s := &scripted{}
	e, id := newScriptedEngine(t, DefaultConfig(), flatBars("BTC/USDT", 100), s)

	assert.Error(t, e.SetInitialCapital(0))
	assert.Error(t, e.SetCommissionRate(1))
	assert.Error(t, e.SetSlippage(-0.1))
	assert.Error(t, e.SetErrorPolicy("retry"))
	require.NoError(t, e.SetInitialCapital(5000))
	require.NoError(t, e.SetErrorPolicy(PolicySkip))
	assert.Equal(t, 5000.0, e.Config().InitialCapital)

	_, err := e.CreateStrategy("missing", strategy.Config{Symbols: []string{"BTC/USDT"}})
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = e.RunBacktest(context.Background(), id, t0.Add(time.Hour), t0)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = e.RunBacktest(context.Background(), "nope", t0, t0)
	assert.ErrorIs(t, err, ErrStrategyNotFound)

	res, err := e.RunBacktest(context.Background(), id, t0, t0)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, res.Snapshots[0].Equity)

	require.NoError(t, e.StopStrategy(id))
	assert.True(t, s.cleaned)
	_, err = e.RunBacktest(context.Background(), id, t0, t0)
	assert.ErrorIs(t, err, ErrStrategyStopped)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	bad := Config{InitialCapital: -1, CommissionRate: 2, Slippage: -1, ErrorPolicy: "x"}
	assert.Error(t, bad.Validate())
	_, err := NewEngine(Config{CommissionRate: 1.5}, marketdata.NewMemoryProvider(), nil)
	assert.Error(t, err)
	p, err := ParseErrorPolicy(" SKIP ")
	require.NoError(t, err)
	assert.Equal(t, PolicySkip, p)
}
