package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"quant-backtest/internal/market"
)

// Kind 订单类型。
type Kind string

const (
	KindMarket       Kind = "market"
	KindLimit        Kind = "limit"
	KindStop         Kind = "stop"
	KindStopLimit    Kind = "stop_limit"
	KindTrailingStop Kind = "trailing_stop"
)

// Side 订单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Status 订单状态。
type Status string

const (
	StatusPending         Status = "pending"
	StatusOpen            Status = "open"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCanceled        Status = "canceled"
	StatusRejected        Status = "rejected"
	StatusExpired         Status = "expired"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// fillTolerance 吸收浮点累加误差，超出部分仍视为非法成交。
const fillTolerance = 1e-12

var (
	// ErrInvalidParams 订单参数校验失败。
	ErrInvalidParams = errors.New("order: 订单参数非法")
	// ErrInvalidTransition 当前状态不允许该操作。
	ErrInvalidTransition = errors.New("order: 非法状态转换")
	// ErrInvalidFill 成交数量非法。
	ErrInvalidFill = errors.New("order: 非法成交")
)

// Params 为下单参数，创建后不可变。
type Params struct {
	Symbol    string
	Kind      Kind
	Side      Side
	Amount    float64
	Price     *float64
	StopPrice *float64
	Leverage  *float64
	Extra     map[string]interface{}
}

// Validate 校验下单参数。
func (p Params) Validate() error {
	if _, _, err := market.SplitSymbol(p.Symbol); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	switch p.Kind {
	case KindMarket, KindLimit, KindStop, KindStopLimit, KindTrailingStop:
	default:
		return fmt.Errorf("%w: 未知订单类型 %q", ErrInvalidParams, p.Kind)
	}
	if p.Side != SideBuy && p.Side != SideSell {
		return fmt.Errorf("%w: 未知方向 %q", ErrInvalidParams, p.Side)
	}
	if p.Amount <= 0 {
		return fmt.Errorf("%w: 数量必须为正, 实际 %v", ErrInvalidParams, p.Amount)
	}
	if p.Kind != KindMarket && p.Price == nil {
		return fmt.Errorf("%w: %s 订单必须指定价格", ErrInvalidParams, p.Kind)
	}
	if (p.Kind == KindStop || p.Kind == KindStopLimit) && p.StopPrice == nil {
		return fmt.Errorf("%w: %s 订单必须指定触发价", ErrInvalidParams, p.Kind)
	}
	return nil
}

// Fill 为一笔成交记录。
type Fill struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Amount    float64   `json:"amount"`
	Price     float64   `json:"price"`
	Fee       float64   `json:"fee"`
	Side      Side      `json:"side"`
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
}

// Order 为订单聚合，状态只能通过方法迁移。
type Order struct {
	id           string
	params       Params
	strategyID   string
	venueID      string
	venueOrderID string

	status       Status
	filled       float64
	remaining    float64
	averagePrice float64
	fees         float64
	realizedPnL  float64
	rejectReason string
	fills        []Fill
	riskChecked  bool

	createdAt time.Time
	updatedAt time.Time
	closedAt  time.Time
}

// New 校验参数并创建 pending 状态的订单。
func New(p Params, strategyID, venueID string, at time.Time) (*Order, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Extra == nil {
		p.Extra = map[string]interface{}{}
	}
	return &Order{
		id:         uuid.NewString(),
		params:     p,
		strategyID: strategyID,
		venueID:    venueID,
		status:     StatusPending,
		remaining:  p.Amount,
		createdAt:  at,
		updatedAt:  at,
	}, nil
}

func (o *Order) ID() string               { return o.id }
func (o *Order) Params() Params           { return o.params }
func (o *Order) Symbol() string           { return o.params.Symbol }
func (o *Order) Kind() Kind               { return o.params.Kind }
func (o *Order) Side() Side               { return o.params.Side }
func (o *Order) Amount() float64          { return o.params.Amount }
func (o *Order) StrategyID() string       { return o.strategyID }
func (o *Order) VenueID() string          { return o.venueID }
func (o *Order) VenueOrderID() string     { return o.venueOrderID }
func (o *Order) Status() Status           { return o.status }
func (o *Order) FilledAmount() float64    { return o.filled }
func (o *Order) RemainingAmount() float64 { return o.remaining }
func (o *Order) AveragePrice() float64    { return o.averagePrice }
func (o *Order) Fees() float64            { return o.fees }
func (o *Order) RealizedPnL() float64     { return o.realizedPnL }
func (o *Order) RejectReason() string     { return o.rejectReason }
func (o *Order) CreatedAt() time.Time     { return o.createdAt }
func (o *Order) UpdatedAt() time.Time     { return o.updatedAt }
func (o *Order) ClosedAt() time.Time      { return o.closedAt }
func (o *Order) Closed() bool             { return o.status.Terminal() }

// Price 返回委托价，未设置时 ok 为 false。
func (o *Order) Price() (float64, bool) {
	if o.params.Price == nil {
		return 0, false
	}
	return *o.params.Price, true
}

// StopPrice 返回触发价。
func (o *Order) StopPrice() (float64, bool) {
	if o.params.StopPrice == nil {
		return 0, false
	}
	return *o.params.StopPrice, true
}

// Fills 返回成交记录副本。
func (o *Order) Fills() []Fill {
	out := make([]Fill, len(o.fills))
	copy(out, o.fills)
	return out
}

// Active 判断订单是否仍可成交。
func (o *Order) Active() bool {
	return o.status == StatusOpen || o.status == StatusPartiallyFilled
}

// MarkRiskChecked 标记订单已经过风控，引擎不会重复检查。
func (o *Order) MarkRiskChecked() { o.riskChecked = true }

// RiskChecked 返回订单是否已经过风控。
func (o *Order) RiskChecked() bool { return o.riskChecked }

// AddRealizedPnL 累加已实现盈亏。
func (o *Order) AddRealizedPnL(v float64) { o.realizedPnL += v }

// Submit pending -> open。
func (o *Order) Submit(venueOrderID string, at time.Time) error {
	if o.status != StatusPending {
		return fmt.Errorf("%w: 无法提交状态为 %s 的订单", ErrInvalidTransition, o.status)
	}
	o.venueOrderID = venueOrderID
	o.status = StatusOpen
	o.updatedAt = at
	return nil
}

// Fill 记录一笔成交并更新均价与状态。
func (o *Order) Fill(amount, price, fee float64, at time.Time) (Fill, error) {
	if !o.Active() {
		return Fill{}, fmt.Errorf("%w: 无法对状态为 %s 的订单成交", ErrInvalidTransition, o.status)
	}
	if amount <= 0 {
		return Fill{}, fmt.Errorf("%w: 成交数量必须为正, 实际 %v", ErrInvalidFill, amount)
	}
	if amount > o.remaining {
		if amount-o.remaining > fillTolerance {
			return Fill{}, fmt.Errorf("%w: 成交数量 %v 超过剩余数量 %v", ErrInvalidFill, amount, o.remaining)
		}
		amount = o.remaining
	}

	prevFilled := o.filled
	o.filled += amount
	o.remaining -= amount
	if o.remaining <= fillTolerance {
		o.remaining = 0
		o.filled = o.params.Amount
	}
	if prevFilled == 0 {
		o.averagePrice = price
	} else {
		o.averagePrice = (o.averagePrice*prevFilled + price*amount) / o.filled
	}
	o.fees += fee

	f := Fill{
		ID:        uuid.NewString(),
		OrderID:   o.id,
		Amount:    amount,
		Price:     price,
		Fee:       fee,
		Side:      o.params.Side,
		Symbol:    o.params.Symbol,
		Timestamp: at,
	}
	o.fills = append(o.fills, f)

	if o.remaining == 0 {
		o.status = StatusFilled
		o.closedAt = at
	} else {
		o.status = StatusPartiallyFilled
	}
	o.updatedAt = at
	return f, nil
}

// Cancel 取消任意非终态订单。
func (o *Order) Cancel(at time.Time) error {
	if o.Closed() {
		return fmt.Errorf("%w: 无法取消状态为 %s 的订单", ErrInvalidTransition, o.status)
	}
	o.close(StatusCanceled, at)
	return nil
}

// Reject 仅允许 pending 或 open 订单被拒绝。
func (o *Order) Reject(reason string, at time.Time) error {
	if o.status != StatusPending && o.status != StatusOpen {
		return fmt.Errorf("%w: 无法拒绝状态为 %s 的订单", ErrInvalidTransition, o.status)
	}
	o.rejectReason = reason
	o.close(StatusRejected, at)
	return nil
}

// Expire 将非终态订单置为过期。
func (o *Order) Expire(at time.Time) error {
	if o.Closed() {
		return fmt.Errorf("%w: 无法使状态为 %s 的订单过期", ErrInvalidTransition, o.status)
	}
	o.close(StatusExpired, at)
	return nil
}

func (o *Order) close(status Status, at time.Time) {
	o.status = status
	o.updatedAt = at
	o.closedAt = at
}

// Snapshot 为订单的只读视图，用于持久化与报表。
type Snapshot struct {
	ID              string    `json:"id"`
	StrategyID      string    `json:"strategy_id"`
	VenueID         string    `json:"venue_id"`
	VenueOrderID    string    `json:"venue_order_id,omitempty"`
	Symbol          string    `json:"symbol"`
	Kind            Kind      `json:"kind"`
	Side            Side      `json:"side"`
	Amount          float64   `json:"amount"`
	Price           *float64  `json:"price,omitempty"`
	StopPrice       *float64  `json:"stop_price,omitempty"`
	Status          Status    `json:"status"`
	FilledAmount    float64   `json:"filled_amount"`
	RemainingAmount float64   `json:"remaining_amount"`
	AveragePrice    float64   `json:"average_price"`
	Fees            float64   `json:"fees"`
	RealizedPnL     float64   `json:"realized_pnl"`
	RejectReason    string    `json:"reject_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	ClosedAt        time.Time `json:"closed_at,omitempty"`
}

// Snapshot 导出订单当前状态。
func (o *Order) Snapshot() Snapshot {
	return Snapshot{
		ID:              o.id,
		StrategyID:      o.strategyID,
		VenueID:         o.venueID,
		VenueOrderID:    o.venueOrderID,
		Symbol:          o.params.Symbol,
		Kind:            o.params.Kind,
		Side:            o.params.Side,
		Amount:          o.params.Amount,
		Price:           o.params.Price,
		StopPrice:       o.params.StopPrice,
		Status:          o.status,
		FilledAmount:    o.filled,
		RemainingAmount: o.remaining,
		AveragePrice:    o.averagePrice,
		Fees:            o.fees,
		RealizedPnL:     o.realizedPnL,
		RejectReason:    o.rejectReason,
		CreatedAt:       o.createdAt,
		UpdatedAt:       o.updatedAt,
		ClosedAt:        o.closedAt,
	}
}

// Float 便于构造可选价格参数。
func Float(v float64) *float64 { return &v }
