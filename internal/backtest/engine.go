package backtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quant-backtest/internal/account"
	"quant-backtest/internal/events"
	"quant-backtest/internal/market"
	"quant-backtest/internal/marketdata"
	"quant-backtest/internal/risk"
	"quant-backtest/internal/strategy"
)

var (
	// ErrStrategyNotFound 策略实例不存在。
	ErrStrategyNotFound = errors.New("backtest: 策略不存在")
	// ErrUnknownStrategy 策略类型未注册。
	ErrUnknownStrategy = errors.New("backtest: 未注册的策略类型")
	// ErrStrategyFailed 策略回调失败且策略为 abort。
	ErrStrategyFailed = errors.New("backtest: 策略执行失败")
	// ErrStrategyStopped 策略已停止，不能再回测。
	ErrStrategyStopped = errors.New("backtest: 策略已停止")
	// ErrInvalidRange 回测区间非法。
	ErrInvalidRange = errors.New("backtest: 回测区间非法")
)

// Status 为策略实例的生命周期状态。
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Observer 接收回放进度，用于指标采集。
type Observer interface {
	BarProcessed(strategyID string)
	RunFinished(strategyID string, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) BarProcessed(string)                      {}
func (nopObserver) RunFinished(string, time.Duration, error) {}

// Option 调整引擎依赖。
type Option func(*Engine)

// WithPublisher 设置领域事件出口。
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithObserver 设置回放观察者。
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithProgress 设置每根K线处理后的进度回调。
func WithProgress(fn func(done, total int)) Option {
	return func(e *Engine) { e.progress = fn }
}

// WithRiskManager 使用外部构建的风险管理器，引擎独占使用。
func WithRiskManager(m *risk.Manager) Option {
	return func(e *Engine) {
		if m != nil {
			e.risk = m
		}
	}
}

// WithRegistry 共享策略注册表。
func WithRegistry(r *strategy.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

type runtime struct {
	id          string
	name        string
	strategy    strategy.Strategy
	ctx         *strategy.Context
	account     *account.Account
	status      Status
	initialized bool
}

// Engine 按时间顺序回放K线，驱动策略、风控与模拟撮合。
type Engine struct {
	provider  marketdata.Provider
	registry  *strategy.Registry
	risk      *risk.Manager
	publisher events.Publisher
	observer  Observer
	progress  func(done, total int)
	logger    *zap.Logger

	mu         sync.Mutex
	cfg        Config
	strategies map[string]*runtime
}

// NewEngine 构建回测引擎。
func NewEngine(cfg Config, provider marketdata.Provider, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("backtest: provider 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		provider:   provider,
		registry:   strategy.NewRegistry(),
		publisher:  events.Discard{},
		observer:   nopObserver{},
		logger:     logger,
		strategies: make(map[string]*runtime),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.risk == nil {
		e.risk = risk.NewManager(logger)
	}
	return e, nil
}

// Config 返回当前配置。
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// RiskManager 返回引擎的风险管理器。
func (e *Engine) RiskManager() *risk.Manager { return e.risk }

// Registry 返回策略注册表。
func (e *Engine) Registry() *strategy.Registry { return e.registry }

// SetInitialCapital 设置初始资金，下一次回测生效。
func (e *Engine) SetInitialCapital(amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("backtest: 初始资金必须为正数, 实际 %v", amount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.InitialCapital = amount
	return nil
}

// SetCommissionRate 设置手续费率。
func (e *Engine) SetCommissionRate(rate float64) error {
	if rate < 0 || rate >= 1 {
		return fmt.Errorf("backtest: 手续费率必须位于 [0,1), 实际 %v", rate)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.CommissionRate = rate
	return nil
}

// SetSlippage 设置滑点比例。
func (e *Engine) SetSlippage(rate float64) error {
	if rate < 0 || rate >= 1 {
		return fmt.Errorf("backtest: 滑点必须位于 [0,1), 实际 %v", rate)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Slippage = rate
	return nil
}

// SetErrorPolicy 设置策略失败处理方式。
func (e *Engine) SetErrorPolicy(p ErrorPolicy) error {
	policy, err := ParseErrorPolicy(string(p))
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.ErrorPolicy = policy
	return nil
}

// RegisterStrategy 注册策略类型。
func (e *Engine) RegisterStrategy(name string, f strategy.Factory) error {
	return e.registry.Register(name, f)
}

// CreateStrategy 按注册名称创建策略实例并返回实例 ID。
func (e *Engine) CreateStrategy(name string, cfg strategy.Config) (string, error) {
	factory, ok := e.registry.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	cfg = cfg.Normalize()
	if cfg.Name == "" {
		cfg.Name = name
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	s, err := factory(cfg)
	if err != nil {
		return "", fmt.Errorf("backtest: 创建策略 %s 失败: %w", name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id := uuid.NewString()
	acct := account.New(e.cfg.VenueID, cfg.Name)
	acct.SetBalance(e.cfg.QuoteAsset, e.cfg.InitialCapital, 0)
	sctx := strategy.NewContext(strategy.ContextOptions{
		StrategyID: id,
		VenueID:    e.cfg.VenueID,
		Account:    acct,
		Risk:       e.risk,
		History:    e.provider,
		Publisher:  e.publisher,
		Logger:     e.logger,
	})
	s.SetContext(sctx)

	e.strategies[id] = &runtime{
		id:       id,
		name:     name,
		strategy: s,
		ctx:      sctx,
		account:  acct,
		status:   StatusCreated,
	}
	e.logger.Info("策略实例已创建",
		zap.String("strategy_id", id),
		zap.String("type", name),
		zap.Strings("symbols", cfg.Symbols),
		zap.Strings("timeframes", cfg.Timeframes),
	)
	return id, nil
}

// Strategy 返回策略实例。
func (e *Engine) Strategy(id string) (strategy.Strategy, bool) {
	rt, err := e.runtime(id)
	if err != nil {
		return nil, false
	}
	return rt.strategy, true
}

// Account 返回策略的模拟账户。
func (e *Engine) Account(id string) (*account.Account, bool) {
	rt, err := e.runtime(id)
	if err != nil {
		return nil, false
	}
	return rt.account, true
}

// Status 返回策略状态。
func (e *Engine) Status(id string) (Status, error) {
	rt, err := e.runtime(id)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return rt.status, nil
}

// StopStrategy 调用 Cleanup 并将策略置为 stopped。
func (e *Engine) StopStrategy(id string) error {
	rt, err := e.runtime(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if rt.status == StatusStopped {
		e.mu.Unlock()
		return nil
	}
	rt.status = StatusStopped
	e.mu.Unlock()

	rt.strategy.Cleanup()
	e.publisher.Publish(events.New(events.StrategyStopped, id, id, rt.ctx.CurrentTime(), nil))
	e.logger.Info("策略已停止", zap.String("strategy_id", id))
	return nil
}

func (e *Engine) runtime(id string) (*runtime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.strategies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	return rt, nil
}

func (e *Engine) setStatus(rt *runtime, s Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt.status = s
}

func (e *Engine) initialize(rt *runtime) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			e.setStatus(rt, StatusError)
			err = fmt.Errorf("backtest: 初始化策略 %s 失败: %w", rt.id, err)
		}
	}()
	if err := rt.strategy.Initialize(); err != nil {
		return err
	}
	rt.initialized = true
	e.publisher.Publish(events.New(events.StrategyInitialized, rt.id, rt.id, rt.ctx.CurrentTime(), map[string]interface{}{
		"name": rt.strategy.Config().Name,
	}))
	e.logger.Info("策略初始化完成", zap.String("strategy_id", rt.id))
	return nil
}

// RunBacktest 在 [start, end] 区间回放策略订阅的全部K线。
// abort 策略下回调失败时返回部分结果以及包装了 ErrStrategyFailed 的错误。
func (e *Engine) RunBacktest(ctx context.Context, strategyID string, start, end time.Time) (res *Result, err error) {
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s 早于 start %s", ErrInvalidRange, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	rt, err := e.runtime(strategyID)
	if err != nil {
		return nil, err
	}
	if st, _ := e.Status(strategyID); st == StatusStopped {
		return nil, fmt.Errorf("%w: %s", ErrStrategyStopped, strategyID)
	}
	cfg := e.Config()

	began := time.Now()
	defer func() { e.observer.RunFinished(strategyID, time.Since(began), err) }()

	rt.account.Reset()
	rt.account.SetBalance(cfg.QuoteAsset, cfg.InitialCapital, 0)
	rt.ctx.Reset()
	rt.ctx.SetRunContext(ctx)
	rt.ctx.UpdateCurrentTime(start)
	e.risk.UpdateContext(risk.ContextUpdate{CurrentTime: &start})

	if !rt.initialized {
		if err := e.initialize(rt); err != nil {
			return nil, err
		}
	}

	bars, err := e.loadBars(ctx, rt.strategy.Config(), start, end)
	if err != nil {
		e.setStatus(rt, StatusError)
		return nil, err
	}
	e.setStatus(rt, StatusRunning)
	e.logger.Info("开始回测",
		zap.String("strategy_id", strategyID),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("bars", len(bars)),
		zap.Float64("initial_capital", cfg.InitialCapital),
	)

	r := newReplay(ctx, e, rt, cfg, start, end)
	r.snapshot(start)
	for i, bar := range bars {
		if cerr := ctx.Err(); cerr != nil {
			e.setStatus(rt, StatusError)
			return r.finish(true, cerr), fmt.Errorf("backtest: 回放被取消: %w", cerr)
		}
		if serr := r.step(bar); serr != nil {
			e.setStatus(rt, StatusError)
			e.logger.Error("回测中止", zap.String("strategy_id", strategyID), zap.Time("bar", bar.Timestamp), zap.Error(serr))
			return r.finish(true, serr), serr
		}
		e.observer.BarProcessed(strategyID)
		if e.progress != nil {
			e.progress(i+1, len(bars))
		}
	}

	res = r.finish(false, nil)
	e.logger.Info("回测完成",
		zap.String("strategy_id", strategyID),
		zap.Int("bars", res.Bars),
		zap.Int("trades", res.Metrics.TotalTrades),
		zap.Float64("final_equity", res.Metrics.FinalEquity),
		zap.Float64("total_return", res.Metrics.TotalReturn),
		zap.Float64("max_drawdown", res.Metrics.MaxDrawdown),
	)
	return res, nil
}

// loadBars 并发加载每个 (交易对, 周期) 序列后合并，结果与完成顺序无关。
func (e *Engine) loadBars(ctx context.Context, cfg strategy.Config, start, end time.Time) ([]market.Candle, error) {
	type pair struct {
		symbol    string
		timeframe string
	}
	var pairs []pair
	for _, symbol := range cfg.Symbols {
		for _, tf := range cfg.Timeframes {
			pairs = append(pairs, pair{symbol: symbol, timeframe: tf})
		}
	}

	series := make([][]market.Candle, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range pairs {
		i, p := i, p
		g.Go(func() error {
			bars, err := e.provider.HistoricalBars(gctx, marketdata.Query{
				Symbol:    p.symbol,
				Timeframe: p.timeframe,
				Since:     start,
				Until:     end,
			})
			if errors.Is(err, marketdata.ErrNoData) {
				e.logger.Warn("区间内无K线", zap.String("symbol", p.symbol), zap.String("timeframe", p.timeframe))
				return nil
			}
			if err != nil {
				return fmt.Errorf("backtest: 加载 %s %s K线失败: %w", p.symbol, p.timeframe, err)
			}
			series[i] = bars
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return marketdata.Merge(series...), nil
}
