// Package macross 实现均线交叉策略：短均线上穿长均线买入，下穿卖出持仓。
package macross

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"quant-backtest/internal/indicator"
	"quant-backtest/internal/market"
	"quant-backtest/internal/order"
	"quant-backtest/internal/strategy"
)

// Name 为注册名称。
const Name = "macross"

const dustAmount = 1e-12

// Strategy 为均线交叉策略。
type Strategy struct {
	strategy.Base

	calc      *indicator.Calculator
	timeframe string
	amount    float64
	lookback  int

	// seeded 记录各交易对预热后缓存中最早的K线时间，缓存被重置后据此重新预热。
	seeded map[string]time.Time
}

// New 创建策略，参数在 Initialize 中校验。
func New(cfg strategy.Config) (strategy.Strategy, error) {
	if err := cfg.Normalize().Validate(); err != nil {
		return nil, err
	}
	return &Strategy{Base: strategy.NewBase(cfg)}, nil
}

// Register 将策略注册到注册表。
func Register(r *strategy.Registry) error {
	return r.Register(Name, New)
}

// Initialize 读取参数并预热历史K线。
func (s *Strategy) Initialize() error {
	cfg := s.Config()
	periods := indicator.Periods{
		Short:  cfg.Int("short_window", cfg.Int("short", 10)),
		Long:   cfg.Int("long_window", cfg.Int("long", 30)),
		MAType: indicator.MAType(cfg.String("ma_type", string(indicator.MATypeSMA))),
		RSI:    cfg.Int("rsi_period", 14),
		ATR:    cfg.Int("atr_period", 14),
		Volume: 20,
	}
	calc, err := indicator.NewCalculator(periods)
	if err != nil {
		return fmt.Errorf("macross: %w", err)
	}
	s.calc = calc
	s.timeframe = cfg.Timeframes[0]
	s.amount = cfg.Float("amount", 1)
	if s.amount <= 0 {
		return fmt.Errorf("macross: amount 必须为正数, 实际 %v", s.amount)
	}
	s.lookback = cfg.Int("lookback", periods.Long+1)
	if s.lookback < periods.Long+1 {
		s.lookback = periods.Long + 1
	}

	ctx := s.Context()
	if ctx == nil {
		return fmt.Errorf("macross: 尚未绑定上下文")
	}
	s.seeded = make(map[string]time.Time, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		n, err := s.warmup(ctx, symbol)
		if err != nil {
			return err
		}
		ctx.Logger().Info("均线策略预热完成",
			zap.String("symbol", symbol),
			zap.String("timeframe", s.timeframe),
			zap.Int("bars", n),
			zap.Int("short", periods.Short),
			zap.Int("long", periods.Long),
		)
	}
	return nil
}

// warmup 查询一次历史K线并写入上下文缓存，之后的 OnBar 只读缓存。
func (s *Strategy) warmup(ctx *strategy.Context, symbol string) (int, error) {
	bars, err := ctx.HistoricalBars(symbol, s.timeframe, s.lookback, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("macross: 预热 %s 失败: %w", symbol, err)
	}
	ctx.SeedCandles(symbol, s.timeframe, bars)
	if cached := ctx.CachedCandles(symbol, s.timeframe); len(cached) > 0 {
		s.seeded[symbol] = cached[0].Timestamp
	}
	return len(bars), nil
}

// window 返回最近 lookback 根缓存K线。缓存不足且与预热记录不一致时说明上下文已重置，补一次预热。
func (s *Strategy) window(ctx *strategy.Context, symbol string) ([]market.Candle, error) {
	bars := ctx.CachedCandles(symbol, s.timeframe)
	if len(bars) < s.lookback {
		first, ok := s.seeded[symbol]
		if !ok || len(bars) == 0 || !bars[0].Timestamp.Equal(first) {
			if _, err := s.warmup(ctx, symbol); err != nil {
				return nil, err
			}
			bars = ctx.CachedCandles(symbol, s.timeframe)
		}
	}
	if len(bars) > s.lookback {
		bars = bars[len(bars)-s.lookback:]
	}
	return bars, nil
}

// OnBar 在收到配置周期的K线时计算均线并判断交叉。
func (s *Strategy) OnBar(c market.Candle) (strategy.Result, error) {
	var res strategy.Result
	if c.Timeframe != s.timeframe || !s.watches(c.Symbol) {
		return res, nil
	}
	ctx := s.Context()

	bars, err := s.window(ctx, c.Symbol)
	if err != nil {
		return res, err
	}
	if len(bars) < s.calc.Periods().Long+1 {
		return res, nil
	}

	ind, err := s.calc.Compute(bars)
	if err != nil {
		return res, err
	}
	res.AddMetric("short_ma", ind.ShortMA)
	res.AddMetric("long_ma", ind.LongMA)
	if !math.IsNaN(ind.RSI) {
		res.AddMetric("rsi", ind.RSI)
	}

	base, _, err := market.SplitSymbol(c.Symbol)
	if err != nil {
		return res, err
	}
	held := 0.0
	if b, ok := ctx.Account().Balance(base); ok {
		held = b.Free
	}

	switch ind.Cross() {
	case indicator.CrossUp:
		if held > dustAmount {
			return res, nil
		}
		o, err := s.CreateMarketOrder(c.Symbol, order.SideBuy, s.amount)
		if err != nil {
			return res, err
		}
		if o == nil {
			res.AddLog(fmt.Sprintf("%s 金叉买入被风控拒绝", c.Symbol))
			return res, nil
		}
		res.AddOrder(o)
		res.AddLog(fmt.Sprintf("%s 金叉买入 %.8g @ %.8g", c.Symbol, s.amount, c.Close))
	case indicator.CrossDown:
		if held <= dustAmount {
			return res, nil
		}
		o, err := s.CreateMarketOrder(c.Symbol, order.SideSell, held)
		if err != nil {
			return res, err
		}
		if o == nil {
			res.AddLog(fmt.Sprintf("%s 死叉卖出被风控拒绝", c.Symbol))
			return res, nil
		}
		res.AddOrder(o)
		res.AddLog(fmt.Sprintf("%s 死叉卖出 %.8g @ %.8g", c.Symbol, held, c.Close))
	}
	return res, nil
}

// OnOrderUpdate 记录成交回报。
func (s *Strategy) OnOrderUpdate(o *order.Order) {
	if ctx := s.Context(); ctx != nil {
		ctx.Logger().Debug("订单状态更新",
			zap.String("order_id", o.ID()),
			zap.String("status", string(o.Status())),
			zap.Float64("filled", o.FilledAmount()),
		)
	}
}

func (s *Strategy) watches(symbol string) bool {
	for _, sym := range s.Config().Symbols {
		if sym == symbol {
			return true
		}
	}
	return false
}
