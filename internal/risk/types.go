package risk

import (
	"errors"
	"time"
)

// 内置规则名称。
const (
	RulePositionSize    = "position_size"
	RuleMaxDrawdown     = "max_drawdown"
	RuleMaxTradesPerDay = "max_trades_per_day"
)

var (
	// ErrRuleNotFound 指定名称的规则不存在。
	ErrRuleNotFound = errors.New("risk: 规则不存在")
	// ErrParamsMismatch 参数类型与规则不匹配。
	ErrParamsMismatch = errors.New("risk: 规则参数类型不匹配")
)

// Context 为风控评估所需的显式上下文，每次合并更新 Version 递增。
type Context struct {
	Version     uint64
	CurrentTime time.Time
	Drawdown    float64
	HasDrawdown bool
	Prices      map[string]float64
}

// Price 返回交易对最新价。
func (c Context) Price(symbol string) (float64, bool) {
	p, ok := c.Prices[symbol]
	return p, ok
}

func (c Context) clone() Context {
	out := c
	out.Prices = make(map[string]float64, len(c.Prices))
	for k, v := range c.Prices {
		out.Prices[k] = v
	}
	return out
}

// ContextUpdate 为增量更新，nil 字段保持原值，Prices 只覆盖不删除。
type ContextUpdate struct {
	CurrentTime *time.Time
	Drawdown    *float64
	Prices      map[string]float64
}

// Decision 为一次订单检查的结果。
type Decision struct {
	Allowed bool
	Rule    string
}

// Denial 描述一次被拒绝的订单，用于审计。
type Denial struct {
	OrderID    string
	StrategyID string
	Symbol     string
	Side       string
	Amount     float64
	Rule       string
	At         time.Time
}

// RuleParams 为规则参数的联合类型。
type RuleParams interface {
	ruleParams()
}

// PositionSizeParams 仓位规则参数，nil 表示不限制。
type PositionSizeParams struct {
	MaxValue      *float64
	MaxPercentage *float64
	MaxAmount     *float64
	QuoteAsset    string
}

// MaxDrawdownParams 回撤规则参数，单位为百分比。
type MaxDrawdownParams struct {
	MaxDrawdownPercentage float64
	LookbackDays          int
}

// MaxTradesPerDayParams 日内交易次数规则参数。
type MaxTradesPerDayParams struct {
	MaxTrades int
	ResetHour int
}

func (PositionSizeParams) ruleParams()    {}
func (MaxDrawdownParams) ruleParams()     {}
func (MaxTradesPerDayParams) ruleParams() {}
