package sweep

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quant-backtest/internal/backtest"
	"quant-backtest/internal/strategy"
)

// ErrNoOutcome 表示没有成功的回测可供比较。
var ErrNoOutcome = errors.New("sweep: 没有成功的回测结果")

// EngineFactory 为每组参数创建独立的引擎，账户与风控互不共享。
type EngineFactory func() (*backtest.Engine, error)

// Outcome 为一组参数的回测结果。
type Outcome struct {
	Index  int
	Params map[string]interface{}
	Result *backtest.Result
	Err    error
}

// Runner 并发执行参数扫描。
type Runner struct {
	newEngine   EngineFactory
	concurrency int
	logger      *zap.Logger
}

// NewRunner 创建扫描器，concurrency 小于 1 时按 1 处理。
func NewRunner(newEngine EngineFactory, concurrency int, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{newEngine: newEngine, concurrency: concurrency, logger: logger}
}

// Run 对每组覆盖参数执行一次回测，结果顺序与输入一致。
// 单组失败不会中断其他组，所有失败合并后随结果一起返回。
func (r *Runner) Run(ctx context.Context, base strategy.Config, overrides []map[string]interface{}, start, end time.Time) ([]Outcome, error) {
	if len(overrides) == 0 {
		overrides = []map[string]interface{}{nil}
	}
	outcomes := make([]Outcome, len(overrides))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, ov := range overrides {
		i, ov := i, ov
		g.Go(func() error {
			cfg := base.WithParams(ov)
			res, err := r.runOne(gctx, cfg, start, end)
			outcomes[i] = Outcome{Index: i, Params: cfg.Params, Result: res, Err: err}
			if err != nil {
				r.logger.Warn("参数组回测失败", zap.Int("index", i), zap.Any("params", ov), zap.Error(err))
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}

	var errs error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sweep: 第 %d 组: %w", o.Index, o.Err))
		}
	}
	r.logger.Info("参数扫描完成",
		zap.Int("jobs", len(outcomes)),
		zap.Int("failed", len(multierr.Errors(errs))),
	)
	return outcomes, errs
}

func (r *Runner) runOne(ctx context.Context, cfg strategy.Config, start, end time.Time) (*backtest.Result, error) {
	engine, err := r.newEngine()
	if err != nil {
		return nil, err
	}
	id, err := engine.CreateStrategy(cfg.Name, cfg)
	if err != nil {
		return nil, err
	}
	return engine.RunBacktest(ctx, id, start, end)
}

// Best 返回指定指标最大的成功结果，相同时取靠前的一组。
func Best(outcomes []Outcome, metric string) (Outcome, error) {
	best := -1
	bestValue := math.Inf(-1)
	for i, o := range outcomes {
		if o.Err != nil || o.Result == nil {
			continue
		}
		v, ok := o.Result.Metrics.Map()[metric]
		if !ok {
			return Outcome{}, fmt.Errorf("sweep: 未知指标 %q", metric)
		}
		if v > bestValue {
			best, bestValue = i, v
		}
	}
	if best < 0 {
		return Outcome{}, ErrNoOutcome
	}
	return outcomes[best], nil
}
