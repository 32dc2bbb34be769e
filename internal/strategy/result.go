package strategy

import "quant-backtest/internal/order"

// Result 为单次回调的输出，由引擎消费一次。
type Result struct {
	Orders           []*order.Order
	CanceledOrderIDs []string
	Metrics          map[string]float64
	Logs             []string
	HasError         bool
	ErrorMessage     string
}

// AddOrder 追加订单，nil 被忽略。
func (r *Result) AddOrder(o *order.Order) {
	if o == nil {
		return
	}
	r.Orders = append(r.Orders, o)
}

// AddCanceledOrderID 追加待撤订单。
func (r *Result) AddCanceledOrderID(id string) {
	r.CanceledOrderIDs = append(r.CanceledOrderIDs, id)
}

// AddMetric 设置指标。
func (r *Result) AddMetric(key string, value float64) {
	if r.Metrics == nil {
		r.Metrics = make(map[string]float64)
	}
	r.Metrics[key] = value
}

// AddLog 追加日志。
func (r *Result) AddLog(msg string) {
	r.Logs = append(r.Logs, msg)
}

// SetError 标记错误。
func (r *Result) SetError(msg string) {
	r.HasError = true
	r.ErrorMessage = msg
}

// Merge 合并另一个结果，错误信息以 "; " 连接。
func (r *Result) Merge(other Result) {
	r.Orders = append(r.Orders, other.Orders...)
	r.CanceledOrderIDs = append(r.CanceledOrderIDs, other.CanceledOrderIDs...)
	for k, v := range other.Metrics {
		r.AddMetric(k, v)
	}
	r.Logs = append(r.Logs, other.Logs...)
	if other.HasError {
		if r.HasError && r.ErrorMessage != "" {
			r.ErrorMessage += "; " + other.ErrorMessage
		} else {
			r.ErrorMessage = other.ErrorMessage
		}
		r.HasError = true
	}
}
