package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.uber.org/zap"

	"quant-backtest/internal/backtest"
	"quant-backtest/internal/config"
	"quant-backtest/internal/events"
	"quant-backtest/internal/exchange"
	"quant-backtest/internal/marketdata"
	"quant-backtest/internal/monitor"
	"quant-backtest/internal/observability"
	"quant-backtest/internal/report"
	"quant-backtest/internal/store"
	"quant-backtest/internal/strategy"
	"quant-backtest/internal/strategy/macross"
	"quant-backtest/internal/sweep"
)

// bestMetric 为参数扫描的排序指标。
const bestMetric = "sharpe_ratio"

// App 聚合核心依赖并驱动一次回测或参数扫描。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	out            io.Writer
	progress       func(done, total int)
	exchangeSource exchange.Source

	queue   *events.Queue
	monitor *monitor.Service
	metrics *observability.Metrics
}

// Option 调整 App 的可选依赖。
type Option func(*App)

// WithOutput 指定报告输出位置，默认标准输出。
func WithOutput(w io.Writer) Option {
	return func(a *App) {
		if w != nil {
			a.out = w
		}
	}
}

// WithProgress 设置单次回测的进度回调，参数扫描不使用。
func WithProgress(fn func(done, total int)) Option {
	return func(a *App) { a.progress = fn }
}

// WithExchangeSource 替换交易所行情源，便于离线运行。
func WithExchangeSource(src exchange.Source) Option {
	return func(a *App) { a.exchangeSource = src }
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store, opts ...Option) (*App, error) {
	if cfg == nil || store == nil {
		return nil, errors.New("app: 配置与数据库不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
		out:    os.Stdout,
		queue:  events.NewQueue(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.Monitor.Enabled {
		svc, err := monitor.NewService(store, logger)
		if err != nil {
			return nil, err
		}
		a.monitor = svc
	}
	if cfg.Metrics.Enabled {
		a.metrics = observability.NewMetrics(cfg.Metrics.Namespace)
	}
	return a, nil
}

// Monitor 返回事件服务，未启用时为 nil。
func (a *App) Monitor() *monitor.Service { return a.monitor }

// Metrics 返回指标集合，未启用时为 nil。
func (a *App) Metrics() *observability.Metrics { return a.metrics }

// Run 加载数据并执行回测；配置了 sweep.params 时改为参数扫描。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("回测系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("strategy", a.cfg.Strategy.Name),
		zap.String("source", a.cfg.Data.Source),
		zap.Strings("symbols", a.cfg.Strategy.Symbols),
	)

	provider, release, err := a.newProvider(ctx)
	if err != nil {
		return err
	}
	defer release()

	base := a.strategyConfig()
	if len(a.cfg.Sweep.Params) > 0 {
		return a.runSweep(ctx, provider, base)
	}
	return a.runSingle(ctx, provider, base)
}

func (a *App) strategyConfig() strategy.Config {
	return strategy.Config{
		Name:       a.cfg.Strategy.Name,
		Symbols:    a.cfg.Strategy.Symbols,
		Venues:     a.cfg.Strategy.Venues,
		Timeframes: a.cfg.Strategy.Timeframes,
		Params:     a.cfg.Strategy.Params,
	}
}

func (a *App) engineConfig() (backtest.Config, error) {
	policy, err := backtest.ParseErrorPolicy(a.cfg.Backtest.ErrorPolicy)
	if err != nil {
		return backtest.Config{}, err
	}
	return backtest.Config{
		InitialCapital: a.cfg.Backtest.InitialCapital,
		CommissionRate: a.cfg.Backtest.CommissionRate,
		Slippage:       a.cfg.Backtest.Slippage,
		QuoteAsset:     a.cfg.Backtest.QuoteAsset,
		VenueID:        a.cfg.Backtest.VenueID,
		ErrorPolicy:    policy,
	}, nil
}

func (a *App) publisher() events.Publisher {
	var p events.Publisher = events.Discard{}
	if a.monitor != nil {
		p = a.queue
	}
	if a.metrics != nil {
		p = a.metrics.Instrument(p)
	}
	return p
}

// engineFactory 每次调用都构建全新的引擎与风控，供单次回测与扫描共用。
func (a *App) engineFactory(provider marketdata.Provider, progress func(done, total int)) sweep.EngineFactory {
	publisher := a.publisher()
	return func() (*backtest.Engine, error) {
		cfg, err := a.engineConfig()
		if err != nil {
			return nil, err
		}
		rm, err := newRiskManager(a.cfg.Risk, cfg.QuoteAsset, a.store.DB(), a.logger)
		if err != nil {
			return nil, err
		}
		opts := []backtest.Option{
			backtest.WithPublisher(publisher),
			backtest.WithRiskManager(rm),
		}
		if a.metrics != nil {
			opts = append(opts, backtest.WithObserver(a.metrics))
		}
		if progress != nil {
			opts = append(opts, backtest.WithProgress(progress))
		}
		engine, err := backtest.NewEngine(cfg, provider, a.logger, opts...)
		if err != nil {
			return nil, err
		}
		if err := macross.Register(engine.Registry()); err != nil {
			return nil, err
		}
		return engine, nil
	}
}

func (a *App) runSingle(ctx context.Context, provider marketdata.Provider, base strategy.Config) error {
	engine, err := a.engineFactory(provider, a.progress)()
	if err != nil {
		return err
	}
	id, err := engine.CreateStrategy(base.Name, base)
	if err != nil {
		return err
	}

	res, runErr := engine.RunBacktest(ctx, id, a.cfg.Backtest.Start, a.cfg.Backtest.End)
	a.persist(ctx, id, res, runErr)
	if res == nil {
		return runErr
	}

	if err := report.WriteText(a.out, report.Summarize(res)); err != nil {
		return fmt.Errorf("app: 输出报告失败: %w", err)
	}
	if path := a.cfg.Backtest.ReportCSV; path != "" {
		equityPath, err := report.WriteCSVFiles(path, res)
		if err != nil {
			return err
		}
		a.logger.Info("报告已写入", zap.String("orders", path), zap.String("equity", equityPath))
	}
	return runErr
}

func (a *App) runSweep(ctx context.Context, provider marketdata.Provider, base strategy.Config) error {
	runner := sweep.NewRunner(a.engineFactory(provider, nil), a.cfg.Sweep.Concurrency, a.logger)
	outcomes, runErr := runner.Run(ctx, base, a.cfg.Sweep.Params, a.cfg.Backtest.Start, a.cfg.Backtest.End)
	if runErr != nil {
		a.logger.Warn("部分参数组回测失败", zap.Error(runErr))
	}

	for _, o := range outcomes {
		id := ""
		if o.Result != nil {
			id = o.Result.StrategyID
		}
		a.persist(ctx, id, o.Result, o.Err)
		if err := writeOutcome(a.out, o); err != nil {
			return fmt.Errorf("app: 输出报告失败: %w", err)
		}
	}

	best, err := sweep.Best(outcomes, bestMetric)
	if err != nil {
		if runErr != nil {
			return fmt.Errorf("%w: %v", err, runErr)
		}
		return err
	}
	fmt.Fprintf(a.out, "\n最优参数组 #%d (%s=%.4f): %v\n", best.Index, bestMetric, best.Result.Metrics.SharpeRatio, best.Params)
	return report.WriteText(a.out, report.Summarize(best.Result))
}

func writeOutcome(w io.Writer, o sweep.Outcome) error {
	if o.Err != nil && o.Result == nil {
		_, err := fmt.Fprintf(w, "#%d %v 失败: %v\n", o.Index, o.Params, o.Err)
		return err
	}
	m := o.Result.Metrics
	_, err := fmt.Fprintf(w, "#%d %v return=%.4f sharpe=%.4f drawdown=%.4f trades=%d\n",
		o.Index, o.Params, m.TotalReturn, m.SharpeRatio, m.MaxDrawdown, m.TotalTrades)
	return err
}

// persist 落库事件与运行结果，失败只记录日志，不影响回测结论。
func (a *App) persist(ctx context.Context, strategyID string, res *backtest.Result, runErr error) {
	if a.monitor == nil {
		return
	}
	// 取消后的上下文仍需完成落库。
	ctx = context.WithoutCancel(ctx)
	if _, err := a.monitor.Drain(ctx, a.queue); err != nil {
		a.logger.Warn("事件落库失败", zap.Error(err))
	}
	if runErr != nil {
		a.monitor.RecordError(ctx, strategyID, "回测失败", runErr, map[string]interface{}{
			"strategy": a.cfg.Strategy.Name,
			"partial":  res != nil,
		})
	}
	if res == nil {
		return
	}
	runID, err := a.monitor.SaveRun(ctx, res)
	if err != nil {
		a.logger.Warn("保存回测结果失败", zap.Error(err))
		return
	}
	a.logger.Debug("回测结果已保存", zap.String("run_id", runID))
}

// Serve 启动监控接口并阻塞到 ctx 结束。
func (a *App) Serve(ctx context.Context) error {
	if a.monitor == nil {
		return errors.New("app: 监控服务未启用")
	}
	var metrics http.Handler
	if a.metrics != nil {
		metrics = a.metrics.Handler()
	}
	return serveMonitor(ctx, a.cfg.Monitor.Addr, newMonitorMux(a.monitor, metrics, a.logger), a.logger)
}
