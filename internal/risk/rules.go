package risk

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"quant-backtest/internal/account"
	"quant-backtest/internal/order"
)

// Rule 为可组合的风控规则。
type Rule interface {
	Name() string
	Enabled() bool
	Enable()
	Disable()
	// Check 返回 true 表示放行。
	Check(o *order.Order, acct *account.Account, rc Context) bool
	UpdateParams(p RuleParams) error
}

type ruleBase struct {
	name    string
	enabled bool
	logger  *zap.Logger
}

func newRuleBase(name, fallback string, logger *zap.Logger) ruleBase {
	if name == "" {
		name = fallback
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return ruleBase{name: name, enabled: true, logger: logger.With(zap.String("rule", name))}
}

func (b *ruleBase) Name() string  { return b.name }
func (b *ruleBase) Enabled() bool { return b.enabled }

func (b *ruleBase) Enable() {
	b.enabled = true
	b.logger.Info("风控规则已启用")
}

func (b *ruleBase) Disable() {
	b.enabled = false
	b.logger.Info("风控规则已禁用")
}

// PositionSizeRule 限制单笔订单的数量、价值与占权益比例。
type PositionSizeRule struct {
	ruleBase
	params PositionSizeParams
}

// NewPositionSizeRule 创建仓位规则，name 为空时使用 position_size。
func NewPositionSizeRule(name string, params PositionSizeParams, logger *zap.Logger) *PositionSizeRule {
	if params.QuoteAsset == "" {
		params.QuoteAsset = "USDT"
	}
	return &PositionSizeRule{ruleBase: newRuleBase(name, RulePositionSize, logger), params: params}
}

// Params 返回当前参数。
func (r *PositionSizeRule) Params() PositionSizeParams { return r.params }

func (r *PositionSizeRule) Check(o *order.Order, acct *account.Account, rc Context) bool {
	if !r.enabled {
		return true
	}
	p := r.params

	if p.MaxAmount != nil && o.Amount() > *p.MaxAmount {
		r.logger.Warn("订单数量超过上限",
			zap.String("order_id", o.ID()),
			zap.Float64("amount", o.Amount()),
			zap.Float64("max_amount", *p.MaxAmount),
		)
		return false
	}

	price, ok := o.Price()
	if !ok {
		price, ok = rc.Price(o.Symbol())
	}
	if !ok {
		r.logger.Warn("无法确定订单价格，默认放行", zap.String("order_id", o.ID()), zap.String("symbol", o.Symbol()))
		return true
	}
	value := o.Amount() * price

	if p.MaxValue != nil && value > *p.MaxValue {
		r.logger.Warn("订单价值超过上限",
			zap.String("order_id", o.ID()),
			zap.Float64("value", value),
			zap.Float64("max_value", *p.MaxValue),
		)
		return false
	}

	if p.MaxPercentage != nil {
		equity := acct.Equity(p.QuoteAsset, rc.Prices)
		if equity <= 0 {
			r.logger.Warn("账户权益为零或负值", zap.String("order_id", o.ID()), zap.Float64("equity", equity))
			return false
		}
		pct := value / equity * 100
		if pct > *p.MaxPercentage {
			r.logger.Warn("订单仓位占比超过上限",
				zap.String("order_id", o.ID()),
				zap.Float64("percentage", pct),
				zap.Float64("max_percentage", *p.MaxPercentage),
			)
			return false
		}
	}
	return true
}

func (r *PositionSizeRule) UpdateParams(p RuleParams) error {
	v, ok := p.(PositionSizeParams)
	if !ok {
		return fmt.Errorf("%w: %s 需要 PositionSizeParams, 实际 %T", ErrParamsMismatch, r.name, p)
	}
	if v.QuoteAsset == "" {
		v.QuoteAsset = r.params.QuoteAsset
	}
	r.params = v
	r.logger.Info("已更新仓位规则参数")
	return nil
}

// MaxDrawdownRule 在回撤超过阈值时拒绝新订单。
type MaxDrawdownRule struct {
	ruleBase
	params MaxDrawdownParams
}

// NewMaxDrawdownRule 创建回撤规则。
func NewMaxDrawdownRule(name string, params MaxDrawdownParams, logger *zap.Logger) *MaxDrawdownRule {
	return &MaxDrawdownRule{ruleBase: newRuleBase(name, RuleMaxDrawdown, logger), params: params}
}

func (r *MaxDrawdownRule) Params() MaxDrawdownParams { return r.params }

func (r *MaxDrawdownRule) Check(o *order.Order, _ *account.Account, rc Context) bool {
	if !r.enabled {
		return true
	}
	if !rc.HasDrawdown {
		r.logger.Warn("上下文缺少回撤信息，默认放行", zap.String("order_id", o.ID()))
		return true
	}
	if rc.Drawdown > r.params.MaxDrawdownPercentage {
		r.logger.Warn("当前回撤超过上限",
			zap.String("order_id", o.ID()),
			zap.Float64("drawdown", rc.Drawdown),
			zap.Float64("max_drawdown", r.params.MaxDrawdownPercentage),
		)
		return false
	}
	return true
}

func (r *MaxDrawdownRule) UpdateParams(p RuleParams) error {
	v, ok := p.(MaxDrawdownParams)
	if !ok {
		return fmt.Errorf("%w: %s 需要 MaxDrawdownParams, 实际 %T", ErrParamsMismatch, r.name, p)
	}
	r.params = v
	r.logger.Info("已更新回撤规则参数")
	return nil
}

// MaxTradesPerDayRule 限制每个交易日放行的订单数。
// Check 会记录放行的订单，同一订单只应检查一次。
type MaxTradesPerDayRule struct {
	ruleBase
	params     MaxTradesPerDayParams
	now        func() time.Time
	currentDay string
	tradeIDs   []string
}

// NewMaxTradesPerDayRule 创建日内交易次数规则。
func NewMaxTradesPerDayRule(name string, params MaxTradesPerDayParams, logger *zap.Logger) *MaxTradesPerDayRule {
	return &MaxTradesPerDayRule{
		ruleBase: newRuleBase(name, RuleMaxTradesPerDay, logger),
		params:   params,
		now:      time.Now,
	}
}

// WithClock 替换上下文缺少时间时使用的时钟。
func (r *MaxTradesPerDayRule) WithClock(now func() time.Time) *MaxTradesPerDayRule {
	r.now = now
	return r
}

func (r *MaxTradesPerDayRule) Params() MaxTradesPerDayParams { return r.params }

// TradesToday 返回当前交易日已放行的订单数。
func (r *MaxTradesPerDayRule) TradesToday() int { return len(r.tradeIDs) }

func (r *MaxTradesPerDayRule) Check(o *order.Order, _ *account.Account, rc Context) bool {
	if !r.enabled {
		return true
	}
	ts := rc.CurrentTime
	if ts.IsZero() {
		ts = r.now()
	}
	day := tradingDay(ts, r.params.ResetHour)
	if day != r.currentDay {
		r.currentDay = day
		r.tradeIDs = r.tradeIDs[:0]
	}

	if len(r.tradeIDs) >= r.params.MaxTrades {
		r.logger.Warn("已达到每日最大交易次数",
			zap.String("order_id", o.ID()),
			zap.String("trading_day", day),
			zap.Int("max_trades", r.params.MaxTrades),
		)
		return false
	}
	r.tradeIDs = append(r.tradeIDs, o.ID())
	r.logger.Debug("记录当日交易", zap.String("trading_day", day), zap.Int("count", len(r.tradeIDs)))
	return true
}

func (r *MaxTradesPerDayRule) UpdateParams(p RuleParams) error {
	v, ok := p.(MaxTradesPerDayParams)
	if !ok {
		return fmt.Errorf("%w: %s 需要 MaxTradesPerDayParams, 实际 %T", ErrParamsMismatch, r.name, p)
	}
	r.params = v
	r.logger.Info("已更新日内交易次数规则参数")
	return nil
}
