package strategy

import (
	"fmt"
	"sort"
	"sync"

	"quant-backtest/internal/market"
	"quant-backtest/internal/order"
)

// Strategy 为用户策略需要实现的契约。
type Strategy interface {
	Config() Config
	// SetContext 在 Initialize 之前注入运行时上下文。
	SetContext(c *Context)
	Initialize() error
	OnBar(c market.Candle) (Result, error)
	OnTicker(t market.Ticker) Result
	OnOrderBook(ob market.OrderBook) Result
	OnOrderUpdate(o *order.Order)
	Cleanup()
}

// Factory 根据配置构造策略实例。
type Factory func(cfg Config) (Strategy, error)

// Base 提供默认空实现与下单辅助方法，供具体策略嵌入。
type Base struct {
	cfg Config
	ctx *Context
}

// NewBase 创建 Base。
func NewBase(cfg Config) Base {
	return Base{cfg: cfg.Normalize()}
}

func (b *Base) Config() Config        { return b.cfg }
func (b *Base) SetContext(c *Context) { b.ctx = c }
func (b *Base) Context() *Context     { return b.ctx }

func (b *Base) OnTicker(market.Ticker) Result       { return Result{} }
func (b *Base) OnOrderBook(market.OrderBook) Result { return Result{} }
func (b *Base) OnOrderUpdate(*order.Order)          {}
func (b *Base) Cleanup()                            {}

// Parameters 返回策略参数。
func (b *Base) Parameters() map[string]interface{} {
	return b.cfg.Params
}

// CreateMarketOrder 创建市价单。
func (b *Base) CreateMarketOrder(symbol string, side order.Side, amount float64) (*order.Order, error) {
	if b.ctx == nil {
		return nil, fmt.Errorf("strategy: %s 尚未绑定上下文", b.cfg.Name)
	}
	return b.ctx.CreateOrder(symbol, order.KindMarket, side, amount, nil)
}

// CreateLimitOrder 创建限价单。
func (b *Base) CreateLimitOrder(symbol string, side order.Side, amount, price float64) (*order.Order, error) {
	if b.ctx == nil {
		return nil, fmt.Errorf("strategy: %s 尚未绑定上下文", b.cfg.Name)
	}
	return b.ctx.CreateOrder(symbol, order.KindLimit, side, amount, order.Float(price))
}

// CancelOrder 撤单。
func (b *Base) CancelOrder(id string) bool {
	if b.ctx == nil {
		return false
	}
	return b.ctx.CancelOrder(id)
}

// Registry 按名称保存策略工厂。
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register 注册工厂，同名覆盖。
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("strategy: 注册名称与工厂不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	return nil
}

// Lookup 查找工厂。
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names 返回排序后的已注册名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
