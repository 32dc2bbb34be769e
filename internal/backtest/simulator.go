package backtest

import (
	"fmt"
	"math"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"quant-backtest/internal/account"
	"quant-backtest/internal/market"
	"quant-backtest/internal/order"
)

// position 为单个交易对的平均成本多头持仓。
type position struct {
	amount float64
	cost   float64
}

func (p *position) avgCost() float64 {
	if p.amount <= 0 {
		return 0
	}
	return p.cost / p.amount
}

// trailState 记录追踪止损自提交以来的最优价格。
type trailState struct {
	anchor float64
}

// reservation 为挂单锁定的计价资产。
type reservation struct {
	order  *order.Order
	asset  string
	amount float64
}

// execution 为一次模拟成交的结果。
type execution struct {
	fill order.Fill
	pnl  float64
}

// Simulator 根据K线撮合订单并维护账户与持仓。
type Simulator struct {
	account        *account.Account
	quote          string
	commissionRate float64
	slippage       float64
	logger         *zap.Logger

	prices    map[string]float64
	positions map[string]*position
	trails    map[string]*trailState
	triggered map[string]bool
	reserved  map[string]reservation
}

// NewSimulator 创建模拟撮合器。
func NewSimulator(acct *account.Account, cfg Config, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		account:        acct,
		quote:          cfg.QuoteAsset,
		commissionRate: cfg.CommissionRate,
		slippage:       cfg.Slippage,
		logger:         logger,
		prices:         make(map[string]float64),
		positions:      make(map[string]*position),
		trails:         make(map[string]*trailState),
		triggered:      make(map[string]bool),
		reserved:       make(map[string]reservation),
	}
}

// Mark 记录交易对最新收盘价。
func (s *Simulator) Mark(symbol string, price float64) {
	if price > 0 {
		s.prices[symbol] = price
	}
}

// Prices 返回最新价格副本。
func (s *Simulator) Prices() map[string]float64 {
	out := make(map[string]float64, len(s.prices))
	for k, v := range s.prices {
		out[k] = v
	}
	return out
}

// Equity 以计价资产返回账户权益，缺价时 ok 为 false。
func (s *Simulator) Equity() (float64, bool) {
	return s.account.EquityChecked(s.quote, s.prices)
}

// Position 返回交易对的持仓数量与平均成本。
func (s *Simulator) Position(symbol string) (amount, avgCost float64) {
	p, ok := s.positions[symbol]
	if !ok {
		return 0, 0
	}
	return p.amount, p.avgCost()
}

// Forget 清理已终结订单的撮合状态并释放锁定资金。
func (s *Simulator) Forget(orderID string) {
	delete(s.trails, orderID)
	delete(s.triggered, orderID)
	s.release(orderID)
}

// Reserve 为挂出的限价买单按限价加手续费锁定计价资产，可用余额不足时不锁定。
func (s *Simulator) Reserve(o *order.Order) {
	if !o.Active() || o.Side() != order.SideBuy {
		return
	}
	if o.Kind() != order.KindLimit && o.Kind() != order.KindStopLimit {
		return
	}
	if _, ok := s.reserved[o.ID()]; ok {
		return
	}
	limit, ok := o.Price()
	if !ok || limit <= 0 {
		return
	}
	_, quote, err := market.SplitSymbol(o.Symbol())
	if err != nil {
		return
	}
	amount := o.RemainingAmount() * limit * (1 + s.commissionRate)
	if !s.account.HasSufficient(quote, amount) {
		s.logger.Debug("可用余额不足，挂单不锁定资金", zap.String("order_id", o.ID()), zap.Float64("amount", amount))
		return
	}
	if err := s.account.Lock(quote, amount); err != nil {
		s.logger.Warn("锁定挂单资金失败", zap.String("order_id", o.ID()), zap.Error(err))
		return
	}
	s.reserved[o.ID()] = reservation{order: o, asset: quote, amount: amount}
}

// ReleaseClosed 释放已终结订单的锁定资金，覆盖策略直接撤单的情形。
func (s *Simulator) ReleaseClosed() {
	for id, rsv := range s.reserved {
		if rsv.order.Closed() {
			s.release(id)
		}
	}
}

// Reserved 返回订单当前锁定的金额。
func (s *Simulator) Reserved(orderID string) float64 {
	return s.reserved[orderID].amount
}

func (s *Simulator) release(orderID string) {
	rsv, ok := s.reserved[orderID]
	if !ok {
		return
	}
	delete(s.reserved, orderID)
	if amount := s.locked(rsv); amount > 0 {
		if err := s.account.Unlock(rsv.asset, amount); err != nil {
			s.logger.Warn("释放锁定资金失败", zap.String("order_id", orderID), zap.Error(err))
		}
	}
}

// settle 优先用锁定资金支付买单成交额，返回从锁定余额扣除的部分，多余锁定退回可用。
func (s *Simulator) settle(orderID string, cost float64) float64 {
	rsv, ok := s.reserved[orderID]
	if !ok {
		return 0
	}
	delete(s.reserved, orderID)
	locked := s.locked(rsv)
	used := math.Min(locked, cost)
	if err := s.account.Deduct(rsv.asset, used, true); err != nil {
		s.logger.Warn("扣除锁定资金失败", zap.String("order_id", orderID), zap.Error(err))
		used = 0
	}
	if rest := locked - used; rest > 0 {
		if err := s.account.Unlock(rsv.asset, rest); err != nil {
			s.logger.Warn("释放锁定资金失败", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	return used
}

// locked 以账户实际锁定余额为上限，吸收浮点累积误差。
func (s *Simulator) locked(rsv reservation) float64 {
	b, ok := s.account.Balance(rsv.asset)
	if !ok {
		return 0
	}
	return math.Min(rsv.amount, b.Locked)
}

// FillNew 处理本根K线新提交的订单，只在收盘价上判断是否可成交。
func (s *Simulator) FillNew(o *order.Order, bar market.Candle) (*execution, error) {
	if o.Symbol() != bar.Symbol || !o.Active() {
		return nil, nil
	}
	price, ok := s.priceAtClose(o, bar)
	if !ok {
		return nil, nil
	}
	return s.execute(o, price, bar)
}

// FillResting 按K线区间撮合此前已挂出的订单。
func (s *Simulator) FillResting(o *order.Order, bar market.Candle) (*execution, error) {
	if o.Symbol() != bar.Symbol || !o.Active() {
		return nil, nil
	}
	price, ok := s.priceInRange(o, bar)
	if !ok {
		return nil, nil
	}
	return s.execute(o, price, bar)
}

func (s *Simulator) adverse(side order.Side, price float64) float64 {
	if side == order.SideBuy {
		return price * (1 + s.slippage)
	}
	return price * (1 - s.slippage)
}

// atLimit 对限价成交同样施加滑点，但成交价不劣于限价。
func (s *Simulator) atLimit(side order.Side, price, limit float64) float64 {
	p := s.adverse(side, price)
	if side == order.SideBuy {
		return math.Min(p, limit)
	}
	return math.Max(p, limit)
}

func (s *Simulator) priceAtClose(o *order.Order, bar market.Candle) (float64, bool) {
	last := bar.Close
	buy := o.Side() == order.SideBuy
	limit, _ := o.Price()
	stop, _ := o.StopPrice()

	switch o.Kind() {
	case order.KindMarket:
		return s.adverse(o.Side(), last), true
	case order.KindLimit:
		if (buy && last <= limit) || (!buy && last >= limit) {
			return s.atLimit(o.Side(), last, limit), true
		}
	case order.KindStop:
		if (buy && last >= stop) || (!buy && last <= stop) {
			return s.adverse(o.Side(), last), true
		}
	case order.KindStopLimit:
		if (buy && last >= stop) || (!buy && last <= stop) {
			s.triggered[o.ID()] = true
			if (buy && last <= limit) || (!buy && last >= limit) {
				return s.atLimit(o.Side(), last, limit), true
			}
		}
	case order.KindTrailingStop:
		s.trails[o.ID()] = &trailState{anchor: last}
	}
	return 0, false
}

func (s *Simulator) priceInRange(o *order.Order, bar market.Candle) (float64, bool) {
	buy := o.Side() == order.SideBuy
	limit, _ := o.Price()
	stop, _ := o.StopPrice()

	switch o.Kind() {
	case order.KindMarket:
		return s.adverse(o.Side(), bar.Close), true
	case order.KindLimit:
		if p, ok := limitInRange(buy, limit, bar); ok {
			return s.atLimit(o.Side(), p, limit), true
		}
	case order.KindStop:
		if p, ok := stopInRange(buy, stop, bar); ok {
			return s.adverse(o.Side(), p), true
		}
	case order.KindStopLimit:
		if s.triggered[o.ID()] {
			if p, ok := limitInRange(buy, limit, bar); ok {
				return s.atLimit(o.Side(), p, limit), true
			}
			return 0, false
		}
		trigger, ok := stopInRange(buy, stop, bar)
		if !ok {
			return 0, false
		}
		s.triggered[o.ID()] = true
		if (buy && limit >= trigger) || (!buy && limit <= trigger) {
			return s.atLimit(o.Side(), trigger, limit), true
		}
	case order.KindTrailingStop:
		return s.trailInRange(o, buy, bar)
	}
	return 0, false
}

func limitInRange(buy bool, limit float64, bar market.Candle) (float64, bool) {
	if buy && bar.Low <= limit {
		return math.Min(limit, bar.Open), true
	}
	if !buy && bar.High >= limit {
		return math.Max(limit, bar.Open), true
	}
	return 0, false
}

func stopInRange(buy bool, stop float64, bar market.Candle) (float64, bool) {
	if buy && bar.High >= stop {
		return math.Max(stop, bar.Open), true
	}
	if !buy && bar.Low <= stop {
		return math.Min(stop, bar.Open), true
	}
	return 0, false
}

// trailInRange 先用开盘价判断触发，再用本根最优价更新锚点。
func (s *Simulator) trailInRange(o *order.Order, buy bool, bar market.Candle) (float64, bool) {
	st, ok := s.trails[o.ID()]
	if !ok {
		st = &trailState{anchor: bar.Open}
		s.trails[o.ID()] = st
	}
	distance := s.trailDistance(o, st.anchor)

	var stop float64
	if buy {
		stop = st.anchor + distance
	} else {
		stop = st.anchor - distance
	}
	if p, hit := stopInRange(buy, stop, bar); hit {
		return s.adverse(o.Side(), p), true
	}

	if buy {
		st.anchor = math.Min(st.anchor, bar.Low)
	} else {
		st.anchor = math.Max(st.anchor, bar.High)
	}
	return 0, false
}

// trailDistance 优先使用 trail_pct 百分比，否则以 Price 作为绝对距离。
func (s *Simulator) trailDistance(o *order.Order, anchor float64) float64 {
	if raw, ok := o.Params().Extra["trail_pct"]; ok {
		if pct, err := cast.ToFloat64E(raw); err == nil && pct > 0 {
			return anchor * pct / 100
		}
		s.logger.Warn("trail_pct 参数非法，改用绝对距离", zap.String("order_id", o.ID()), zap.Any("trail_pct", raw))
	}
	distance, _ := o.Price()
	return distance
}

// execute 以给定价格全额成交剩余数量并更新账户与持仓。
func (s *Simulator) execute(o *order.Order, price float64, bar market.Candle) (*execution, error) {
	base, quote, err := market.SplitSymbol(o.Symbol())
	if err != nil {
		return nil, err
	}
	amount := o.RemainingAmount()
	notional := amount * price
	fee := notional * s.commissionRate

	fill, err := o.Fill(amount, price, fee, bar.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("backtest: 模拟成交失败: %w", err)
	}

	pos, ok := s.positions[o.Symbol()]
	if !ok {
		pos = &position{}
		s.positions[o.Symbol()] = pos
	}

	var pnl float64
	if o.Side() == order.SideBuy {
		cost := notional + fee
		s.account.Debit(quote, cost-s.settle(o.ID(), cost))
		s.account.Credit(base, amount)
		pos.amount += amount
		pos.cost += notional + fee
	} else {
		s.account.Debit(base, amount)
		s.account.Credit(quote, notional-fee)
		covered := math.Min(amount, pos.amount)
		avg := pos.avgCost()
		pnl = (price-avg)*covered - fee
		pos.cost -= avg * covered
		pos.amount -= covered
		if pos.amount <= 1e-12 {
			pos.amount, pos.cost = 0, 0
		}
	}
	o.AddRealizedPnL(pnl)
	if o.Closed() {
		s.Forget(o.ID())
	}

	s.logger.Debug("模拟成交",
		zap.String("order_id", o.ID()),
		zap.String("symbol", o.Symbol()),
		zap.String("side", string(o.Side())),
		zap.Float64("price", price),
		zap.Float64("amount", amount),
		zap.Float64("fee", fee),
		zap.Float64("pnl", pnl),
	)
	return &execution{fill: fill, pnl: pnl}, nil
}
