package strategy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"quant-backtest/internal/account"
	"quant-backtest/internal/events"
	"quant-backtest/internal/market"
	"quant-backtest/internal/marketdata"
	"quant-backtest/internal/order"
	"quant-backtest/internal/risk"
)

// maxCachedCandles 为每个 (交易对, 周期) 缓存的K线上限。
const maxCachedCandles = 1000

// ContextOptions 为创建 Context 的依赖。
type ContextOptions struct {
	StrategyID string
	VenueID    string
	Account    *account.Account
	Risk       *risk.Manager
	History    marketdata.Provider
	Publisher  events.Publisher
	Logger     *zap.Logger
}

// Context 为策略的运行时状态与下单入口。
type Context struct {
	strategyID string
	venueID    string
	account    *account.Account
	risk       *risk.Manager
	history    marketdata.Provider
	publisher  events.Publisher
	logger     *zap.Logger

	mu          sync.RWMutex
	runCtx      context.Context
	candles     map[string]map[string][]market.Candle
	tickers     map[string]market.Ticker
	books       map[string]market.OrderBook
	orders      map[string]*order.Order
	orderSeq    []string
	openSeq     []string
	currentTime time.Time
	metrics     map[string]float64
}

// NewContext 创建策略上下文。
func NewContext(opts ContextOptions) *Context {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.Discard{}
	}
	c := &Context{
		strategyID: opts.StrategyID,
		venueID:    opts.VenueID,
		account:    opts.Account,
		risk:       opts.Risk,
		history:    opts.History,
		publisher:  publisher,
		logger:     logger.With(zap.String("strategy_id", opts.StrategyID)),
		runCtx:     context.Background(),
	}
	c.Reset()
	return c
}

// Reset 清空缓存、订单与指标，账户与风控保持不变。
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candles = make(map[string]map[string][]market.Candle)
	c.tickers = make(map[string]market.Ticker)
	c.books = make(map[string]market.OrderBook)
	c.orders = make(map[string]*order.Order)
	c.orderSeq = nil
	c.openSeq = nil
	c.metrics = make(map[string]float64)
	c.currentTime = time.Time{}
}

// SetRunContext 设置回测期间数据查询与审计使用的 context。
func (c *Context) SetRunContext(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runCtx = ctx
}

func (c *Context) StrategyID() string         { return c.strategyID }
func (c *Context) VenueID() string            { return c.venueID }
func (c *Context) Account() *account.Account  { return c.account }
func (c *Context) RiskManager() *risk.Manager { return c.risk }
func (c *Context) Logger() *zap.Logger        { return c.logger }

// CurrentTime 返回模拟时钟。
func (c *Context) CurrentTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTime
}

// OrderOption 调整下单参数。
type OrderOption func(*order.Params)

// WithStopPrice 设置触发价。
func WithStopPrice(p float64) OrderOption {
	return func(op *order.Params) { op.StopPrice = order.Float(p) }
}

// WithLeverage 设置杠杆。
func WithLeverage(l float64) OrderOption {
	return func(op *order.Params) { op.Leverage = order.Float(l) }
}

// WithParam 设置附加参数，例如 trail_pct。
func WithParam(key string, value interface{}) OrderOption {
	return func(op *order.Params) {
		if op.Extra == nil {
			op.Extra = make(map[string]interface{})
		}
		op.Extra[key] = value
	}
}

// CreateOrder 校验参数并执行风控。
// 参数非法时返回错误；被风控拒绝时返回 (nil, nil)，订单以 rejected 状态保留在上下文中。
func (c *Context) CreateOrder(symbol string, kind order.Kind, side order.Side, amount float64, price *float64, opts ...OrderOption) (*order.Order, error) {
	params := order.Params{Symbol: symbol, Kind: kind, Side: side, Amount: amount, Price: price}
	for _, opt := range opts {
		opt(&params)
	}

	now := c.CurrentTime()
	o, err := order.New(params, c.strategyID, c.venueID, now)
	if err != nil {
		c.logger.Warn("创建订单失败", zap.String("symbol", symbol), zap.Error(err))
		return nil, err
	}

	if c.risk != nil {
		c.mu.RLock()
		runCtx := c.runCtx
		c.mu.RUnlock()

		dec := c.risk.CheckOrder(runCtx, o, c.account)
		o.MarkRiskChecked()
		if !dec.Allowed {
			reason := "risk rule denied: " + dec.Rule
			if err := o.Reject(reason, now); err != nil {
				return nil, err
			}
			c.track(o)
			c.publisher.Publish(events.New(events.OrderRejected, o.ID(), c.strategyID, now, map[string]interface{}{
				"reason": reason,
				"rule":   dec.Rule,
			}))
			c.logger.Warn("订单被风险管理器拒绝",
				zap.String("order_id", o.ID()),
				zap.String("symbol", symbol),
				zap.String("side", string(side)),
				zap.Float64("amount", amount),
				zap.String("rule", dec.Rule),
			)
			return nil, nil
		}
	}

	c.track(o)
	c.logger.Info("订单已创建",
		zap.String("order_id", o.ID()),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("amount", amount),
	)
	return o, nil
}

func (c *Context) track(o *order.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.orders[o.ID()]; !ok {
		c.orderSeq = append(c.orderSeq, o.ID())
		c.openSeq = append(c.openSeq, o.ID())
	}
	c.orders[o.ID()] = o
}

// CancelOrder 撤销未终结订单。
func (c *Context) CancelOrder(id string) bool {
	c.mu.RLock()
	o, ok := c.orders[id]
	now := c.currentTime
	c.mu.RUnlock()
	if !ok || o.Closed() {
		return false
	}
	if err := o.Cancel(now); err != nil {
		c.logger.Warn("撤单失败", zap.String("order_id", id), zap.Error(err))
		return false
	}
	c.publisher.Publish(events.New(events.OrderCanceled, id, c.strategyID, now, nil))
	return true
}

// Order 按 ID 查找订单。
func (c *Context) Order(id string) (*order.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[id]
	return o, ok
}

// Orders 按创建顺序返回全部订单。
func (c *Context) Orders() []*order.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*order.Order, 0, len(c.orderSeq))
	for _, id := range c.orderSeq {
		out = append(out, c.orders[id])
	}
	return out
}

// OrderCount 返回已跟踪的订单数，可作为 OrdersSince 的起点。
func (c *Context) OrderCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.orderSeq)
}

// OrdersSince 按创建顺序返回第 mark 个之后跟踪的订单。
func (c *Context) OrdersSince(mark int) []*order.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if mark < 0 {
		mark = 0
	}
	if mark >= len(c.orderSeq) {
		return nil
	}
	out := make([]*order.Order, 0, len(c.orderSeq)-mark)
	for _, id := range c.orderSeq[mark:] {
		out = append(out, c.orders[id])
	}
	return out
}

// OpenOrders 按创建顺序返回未终结订单，顺带把已终结的订单移出 openSeq。
func (c *Context) OpenOrders() []*order.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*order.Order
	kept := c.openSeq[:0]
	for _, id := range c.openSeq {
		if o := c.orders[id]; !o.Closed() {
			out = append(out, o)
			kept = append(kept, id)
		}
	}
	c.openSeq = kept
	return out
}

// HistoricalBars 查询历史K线，回测期间不会返回当前模拟时间之后的数据。
func (c *Context) HistoricalBars(symbol, timeframe string, limit int, since time.Time) ([]market.Candle, error) {
	c.mu.RLock()
	runCtx := c.runCtx
	now := c.currentTime
	c.mu.RUnlock()

	if c.history == nil {
		return c.CachedCandles(symbol, timeframe), nil
	}
	return c.history.HistoricalBars(runCtx, marketdata.Query{
		Symbol:    symbol,
		Timeframe: timeframe,
		Since:     since,
		Until:     now,
		Limit:     limit,
	})
}

// CachedCandles 返回缓存中的K线副本。
func (c *Context) CachedCandles(symbol, timeframe string) []market.Candle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := c.candles[symbol][timeframe]
	out := make([]market.Candle, len(list))
	copy(out, list)
	return out
}

// Ticker 返回缓存的行情。
func (c *Context) Ticker(symbol string) (market.Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tickers[symbol]
	return t, ok
}

// OrderBook 返回缓存的订单簿。
func (c *Context) OrderBook(symbol string) (market.OrderBook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ob, ok := c.books[symbol]
	return ob, ok
}

// UpdateCandle 缓存K线；与最后一根时间戳相同则替换。
func (c *Context) UpdateCandle(candle market.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bySymbol, ok := c.candles[candle.Symbol]
	if !ok {
		bySymbol = make(map[string][]market.Candle)
		c.candles[candle.Symbol] = bySymbol
	}
	list := bySymbol[candle.Timeframe]
	if n := len(list); n > 0 && list[n-1].Timestamp.Equal(candle.Timestamp) {
		list[n-1] = candle
		return
	}
	if len(list) >= maxCachedCandles && len(list) == cap(list) {
		// 底层数组用尽时搬到容量翻倍的新数组，之后的追加只需前移切片。
		grown := make([]market.Candle, maxCachedCandles-1, 2*maxCachedCandles)
		copy(grown, list[len(list)-maxCachedCandles+1:])
		list = grown
	}
	list = append(list, candle)
	if len(list) > maxCachedCandles {
		list = list[len(list)-maxCachedCandles:]
	}
	bySymbol[candle.Timeframe] = list
}

// SeedCandles 将历史K线并入缓存并按时间排序，同一时间戳以缓存中已有的为准。
func (c *Context) SeedCandles(symbol, timeframe string, candles []market.Candle) {
	if len(candles) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	bySymbol, ok := c.candles[symbol]
	if !ok {
		bySymbol = make(map[string][]market.Candle)
		c.candles[symbol] = bySymbol
	}
	existing := bySymbol[timeframe]
	merged := make([]market.Candle, 0, len(candles)+len(existing))
	merged = append(merged, candles...)
	merged = append(merged, existing...)
	merged = marketdata.Dedupe(merged)
	if len(merged) > maxCachedCandles {
		merged = append([]market.Candle(nil), merged[len(merged)-maxCachedCandles:]...)
	}
	bySymbol[timeframe] = merged
}

// UpdateTicker 缓存行情。
func (c *Context) UpdateTicker(t market.Ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickers[t.Symbol] = t
}

// UpdateOrderBook 缓存订单簿。
func (c *Context) UpdateOrderBook(ob market.OrderBook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.books[ob.Symbol] = ob
}

// UpdateOrder 跟踪由引擎或策略直接构造的订单。
func (c *Context) UpdateOrder(o *order.Order) {
	c.track(o)
}

// UpdateCurrentTime 推进模拟时钟。
func (c *Context) UpdateCurrentTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTime = t
}

// UpdateMetrics 合并策略指标。
func (c *Context) UpdateMetrics(m map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range m {
		c.metrics[k] = v
	}
}

// Metrics 返回指标副本。
func (c *Context) Metrics() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.metrics))
	for k, v := range c.metrics {
		out[k] = v
	}
	return out
}
