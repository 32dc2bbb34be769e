package backtest

import (
	"time"

	"quant-backtest/internal/order"
)

// Snapshot 为某一时刻的权益与余额。
type Snapshot struct {
	Time     time.Time          `json:"time"`
	Equity   float64            `json:"equity"`
	Balances map[string]float64 `json:"balances"`
}

// EquityPoint 为权益曲线上的一个点。
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// Result 汇总回测结果。
type Result struct {
	StrategyID      string             `json:"strategy_id"`
	StrategyName    string             `json:"strategy_name"`
	Start           time.Time          `json:"start"`
	End             time.Time          `json:"end"`
	Orders          []*order.Order     `json:"-"`
	Snapshots       []Snapshot         `json:"snapshots"`
	Metrics         Metrics            `json:"metrics"`
	StrategyMetrics map[string]float64 `json:"strategy_metrics"`
	Logs            []string           `json:"logs"`
	Bars            int                `json:"bars"`
	SkippedBars     int                `json:"skipped_bars"`
	Aborted         bool               `json:"aborted"`
	FailureReason   string             `json:"failure_reason,omitempty"`
}

// EquityCurve 返回权益曲线。
func (r *Result) EquityCurve() []EquityPoint {
	out := make([]EquityPoint, len(r.Snapshots))
	for i, s := range r.Snapshots {
		out[i] = EquityPoint{Time: s.Time, Equity: s.Equity}
	}
	return out
}

// OrderSnapshots 返回订单的可序列化视图。
func (r *Result) OrderSnapshots() []order.Snapshot {
	out := make([]order.Snapshot, len(r.Orders))
	for i, o := range r.Orders {
		out[i] = o.Snapshot()
	}
	return out
}

// FilledOrders 返回至少成交过一次的订单。
func (r *Result) FilledOrders() []*order.Order {
	var out []*order.Order
	for _, o := range r.Orders {
		if o.FilledAmount() > 0 {
			out = append(out, o)
		}
	}
	return out
}
