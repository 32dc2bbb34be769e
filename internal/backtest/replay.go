package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"quant-backtest/internal/events"
	"quant-backtest/internal/market"
	"quant-backtest/internal/order"
	"quant-backtest/internal/risk"
	"quant-backtest/internal/strategy"
)

// replay 保存一次回测运行的可变状态，只在单个 goroutine 中使用。
type replay struct {
	ctx    context.Context
	engine *Engine
	rt     *runtime
	cfg    Config
	sim    *Simulator
	logger *zap.Logger

	result *Result
	equity drawdownTracker
	now    time.Time
	seq    int
}

func newReplay(ctx context.Context, e *Engine, rt *runtime, cfg Config, start, end time.Time) *replay {
	logger := e.logger.With(zap.String("strategy_id", rt.id))
	return &replay{
		ctx:    ctx,
		engine: e,
		rt:     rt,
		cfg:    cfg,
		sim:    NewSimulator(rt.account, cfg, logger),
		logger: logger,
		now:    start,
		result: &Result{
			StrategyID:   rt.id,
			StrategyName: rt.strategy.Config().Name,
			Start:        start,
			End:          end,
		},
	}
}

func (r *replay) publish(t events.Type, aggregateID string, payload map[string]interface{}) {
	r.engine.publisher.Publish(events.New(t, aggregateID, r.rt.id, r.now, payload))
}

// step 处理一根K线：更新时钟与风控上下文、撮合挂单、调用策略、处理新订单并记录快照。
func (r *replay) step(bar market.Candle) error {
	r.now = bar.Timestamp
	r.result.Bars++
	r.rt.ctx.UpdateCurrentTime(bar.Timestamp)
	r.sim.Mark(bar.Symbol, bar.Close)

	drawdown := r.equity.current() * 100
	r.engine.risk.UpdateContext(risk.ContextUpdate{
		CurrentTime: &r.now,
		Drawdown:    &drawdown,
		Prices:      map[string]float64{bar.Symbol: bar.Close},
	})

	for _, o := range r.rt.ctx.OpenOrders() {
		if o.Symbol() != bar.Symbol {
			continue
		}
		if o.Status() == order.StatusPending && !r.place(o) {
			continue
		}
		exec, err := r.sim.FillResting(o, bar)
		if err != nil {
			return err
		}
		r.afterFill(o, exec)
	}

	r.rt.ctx.UpdateCandle(bar)
	r.rt.ctx.UpdateTicker(bar.Ticker())
	mark := r.rt.ctx.OrderCount()
	res, err := r.invoke(bar)
	for _, line := range res.Logs {
		r.logger.Info("策略日志", zap.String("msg", line))
		r.result.Logs = append(r.result.Logs, line)
	}
	if err != nil {
		return r.fail(bar, mark, err)
	}

	for _, id := range res.CanceledOrderIDs {
		if !r.rt.ctx.CancelOrder(id) {
			r.logger.Warn("撤单失败，订单不存在或已终结", zap.String("order_id", id))
			continue
		}
		r.sim.Forget(id)
	}
	for _, o := range res.Orders {
		if o.StrategyID() != r.rt.id {
			r.logger.Warn("忽略不属于当前策略的订单", zap.String("order_id", o.ID()))
			continue
		}
		r.rt.ctx.UpdateOrder(o)
	}
	for _, o := range r.rt.ctx.OrdersSince(mark) {
		if o.Status() != order.StatusPending {
			continue
		}
		if !r.place(o) {
			continue
		}
		exec, err := r.sim.FillNew(o, bar)
		if err != nil {
			return err
		}
		r.afterFill(o, exec)
	}

	if len(res.Metrics) > 0 {
		r.rt.ctx.UpdateMetrics(res.Metrics)
	}
	r.sim.ReleaseClosed()
	r.snapshot(bar.Timestamp)
	return nil
}

// invoke 依次调用 OnBar 与 OnTicker 并合并结果，错误、HasError 与 panic 均视为策略失败。
func (r *replay) invoke(bar market.Candle) (res strategy.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	res, err = r.rt.strategy.OnBar(bar)
	if err == nil {
		res.Merge(r.rt.strategy.OnTicker(bar.Ticker()))
	}
	if err == nil && res.HasError {
		err = errors.New(res.ErrorMessage)
	}
	return res, err
}

// failedCallbackReason 为回调失败时丢弃订单的拒绝原因。
const failedCallbackReason = "strategy callback failed"

// fail 按错误策略处理回调失败。skip 时拒绝本次回调新建且尚未提交的订单，
// mark 为回调前的订单数。
func (r *replay) fail(bar market.Candle, mark int, cause error) error {
	if r.cfg.ErrorPolicy == PolicySkip {
		r.discardFrom(mark)
		r.result.SkippedBars++
		r.logger.Warn("策略处理K线失败，跳过",
			zap.String("symbol", bar.Symbol),
			zap.Time("bar", bar.Timestamp),
			zap.Error(cause),
		)
		return nil
	}
	return fmt.Errorf("%w: %s %s @ %s: %v", ErrStrategyFailed, bar.Symbol, bar.Timeframe, bar.Timestamp.Format(time.RFC3339), cause)
}

func (r *replay) discardFrom(mark int) {
	for _, o := range r.rt.ctx.OrdersSince(mark) {
		if o.Status() != order.StatusPending {
			continue
		}
		if err := o.Reject(failedCallbackReason, r.now); err != nil {
			r.logger.Error("拒绝订单失败", zap.String("order_id", o.ID()), zap.Error(err))
			continue
		}
		r.publish(events.OrderRejected, o.ID(), map[string]interface{}{"reason": failedCallbackReason})
		r.notify(o)
	}
}

// place 对未经风控的订单执行风控，放行后提交。
func (r *replay) place(o *order.Order) bool {
	if !o.RiskChecked() {
		dec := r.engine.risk.CheckOrder(r.ctx, o, r.rt.account)
		o.MarkRiskChecked()
		if !dec.Allowed {
			reason := "risk rule denied: " + dec.Rule
			if err := o.Reject(reason, r.now); err != nil {
				r.logger.Error("拒绝订单失败", zap.String("order_id", o.ID()), zap.Error(err))
				return false
			}
			r.publish(events.OrderRejected, o.ID(), map[string]interface{}{"reason": reason, "rule": dec.Rule})
			r.result.Logs = append(r.result.Logs, fmt.Sprintf("订单 %s 被风控拒绝: %s", o.ID(), dec.Rule))
			r.notify(o)
			return false
		}
	}

	r.seq++
	venueOrderID := fmt.Sprintf("%s-%06d", r.cfg.VenueID, r.seq)
	if err := o.Submit(venueOrderID, r.now); err != nil {
		r.logger.Error("提交订单失败", zap.String("order_id", o.ID()), zap.Error(err))
		return false
	}
	r.publish(events.OrderSubmitted, o.ID(), map[string]interface{}{
		"venue_order_id": venueOrderID,
		"symbol":         o.Symbol(),
		"kind":           string(o.Kind()),
		"side":           string(o.Side()),
		"amount":         o.Amount(),
	})
	r.notify(o)
	return true
}

func (r *replay) afterFill(o *order.Order, exec *execution) {
	if exec == nil {
		// 未成交的挂单继续等待，限价买单锁定所需资金。
		r.sim.Reserve(o)
		return
	}
	t := events.OrderPartiallyFilled
	if o.Status() == order.StatusFilled {
		t = events.OrderFilled
	}
	r.publish(t, o.ID(), map[string]interface{}{
		"fill_id": exec.fill.ID,
		"price":   exec.fill.Price,
		"amount":  exec.fill.Amount,
		"fee":     exec.fill.Fee,
		"pnl":     exec.pnl,
	})
	balances := make(map[string]interface{})
	for asset, total := range r.rt.account.Snapshot() {
		balances[asset] = total
	}
	r.publish(events.BalanceUpdated, r.rt.account.ID, balances)
	r.notify(o)
}

// notify 通知策略订单状态变化，回调 panic 只记录日志。
func (r *replay) notify(o *order.Order) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("OnOrderUpdate 发生 panic", zap.String("order_id", o.ID()), zap.Any("panic", p))
		}
	}()
	r.rt.strategy.OnOrderUpdate(o)
}

// snapshot 记录权益与余额；缺价时沿用上一个权益值。
func (r *replay) snapshot(at time.Time) {
	equity, ok := r.sim.Equity()
	if !ok {
		r.logger.Warn("存在缺少价格的持仓，权益沿用上一快照", zap.Time("at", at))
		if r.equity.n > 0 {
			equity = r.equity.last
		}
	}
	r.equity.add(equity)
	r.result.Snapshots = append(r.result.Snapshots, Snapshot{
		Time:     at,
		Equity:   equity,
		Balances: r.rt.account.Snapshot(),
	})
}

// finish 使剩余挂单过期并汇总指标。
func (r *replay) finish(aborted bool, cause error) *Result {
	for _, o := range r.rt.ctx.OpenOrders() {
		if err := o.Expire(r.now); err != nil {
			r.logger.Error("订单过期失败", zap.String("order_id", o.ID()), zap.Error(err))
			continue
		}
		r.sim.Forget(o.ID())
		r.publish(events.OrderExpired, o.ID(), nil)
	}

	res := r.result
	res.Orders = r.rt.ctx.Orders()
	res.Metrics = calculateMetrics(res.Snapshots, res.Orders)
	res.StrategyMetrics = r.rt.ctx.Metrics()
	res.Aborted = aborted
	if cause != nil {
		res.FailureReason = cause.Error()
	}

	payload := make(map[string]interface{})
	for k, v := range res.Metrics.Map() {
		payload[k] = v
	}
	payload["aborted"] = aborted
	r.publish(events.BacktestCompleted, r.rt.id, payload)
	return res
}
