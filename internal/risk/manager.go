package risk

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"quant-backtest/internal/account"
	"quant-backtest/internal/order"
)

// Auditor 接收被拒绝订单的审计记录。
type Auditor interface {
	RecordDenial(ctx context.Context, d Denial) error
}

// Manager 按插入顺序执行风控规则，首个拒绝即停止。
type Manager struct {
	mu      sync.Mutex
	rules   []Rule
	rc      Context
	auditor Auditor
	logger  *zap.Logger
}

// NewManager 创建风险管理器。
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		rc:     Context{Prices: make(map[string]float64)},
		logger: logger,
	}
}

// SetAuditor 设置拒单审计，传 nil 关闭。
func (m *Manager) SetAuditor(a Auditor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditor = a
}

// AddRule 追加规则；同名规则被替换并保留原位置。
func (m *Manager) AddRule(r Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.rules {
		if existing.Name() == r.Name() {
			m.rules[i] = r
			m.logger.Info("替换风控规则", zap.String("rule", r.Name()))
			return
		}
	}
	m.rules = append(m.rules, r)
	m.logger.Info("添加风控规则", zap.String("rule", r.Name()))
}

// RemoveRule 删除规则，返回是否存在。
func (m *Manager) RemoveRule(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rules {
		if r.Name() == name {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			m.logger.Info("移除风控规则", zap.String("rule", name))
			return true
		}
	}
	return false
}

// Rule 按名称查找规则。
func (m *Manager) Rule(name string) (Rule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(name)
}

func (m *Manager) find(name string) (Rule, bool) {
	for _, r := range m.rules {
		if r.Name() == name {
			return r, true
		}
	}
	return nil, false
}

// Rules 返回规则列表副本。
func (m *Manager) Rules() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, len(m.rules))
	copy(out, m.rules)
	return out
}

// EnabledRules 返回已启用的规则。
func (m *Manager) EnabledRules() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		if r.Enabled() {
			out = append(out, r)
		}
	}
	return out
}

// EnableRule 启用规则。
func (m *Manager) EnableRule(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.find(name)
	if ok {
		r.Enable()
	}
	return ok
}

// DisableRule 禁用规则。
func (m *Manager) DisableRule(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.find(name)
	if ok {
		r.Disable()
	}
	return ok
}

// UpdateRuleParams 更新指定规则参数，类型不匹配时返回 ErrParamsMismatch。
func (m *Manager) UpdateRuleParams(name string, p RuleParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.find(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	return r.UpdateParams(p)
}

// UpdateContext 合并上下文更新并递增版本。
func (m *Manager) UpdateContext(u ContextUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.CurrentTime != nil {
		m.rc.CurrentTime = *u.CurrentTime
	}
	if u.Drawdown != nil {
		m.rc.Drawdown = *u.Drawdown
		m.rc.HasDrawdown = true
	}
	for symbol, price := range u.Prices {
		m.rc.Prices[symbol] = price
	}
	m.rc.Version++
}

// Context 返回当前上下文副本。
func (m *Manager) Context() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rc.clone()
}

// CheckOrder 依次执行已启用规则，每条规则最多执行一次。
func (m *Manager) CheckOrder(ctx context.Context, o *order.Order, acct *account.Account) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc := m.rc

	for _, r := range m.rules {
		if !r.Enabled() {
			continue
		}
		if r.Check(o, acct, rc) {
			continue
		}

		m.logger.Warn("订单被风控拒绝",
			zap.String("order_id", o.ID()),
			zap.String("strategy_id", o.StrategyID()),
			zap.String("symbol", o.Symbol()),
			zap.String("rule", r.Name()),
		)
		if m.auditor != nil {
			at := rc.CurrentTime
			if at.IsZero() {
				at = o.CreatedAt()
			}
			d := Denial{
				OrderID:    o.ID(),
				StrategyID: o.StrategyID(),
				Symbol:     o.Symbol(),
				Side:       string(o.Side()),
				Amount:     o.Amount(),
				Rule:       r.Name(),
				At:         at,
			}
			if err := m.auditor.RecordDenial(ctx, d); err != nil {
				m.logger.Error("写入风控审计失败", zap.Error(err))
			}
		}
		return Decision{Allowed: false, Rule: r.Name()}
	}
	return Decision{Allowed: true}
}
