package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type 领域事件类型。
type Type string

const (
	OrderSubmitted       Type = "order_submitted"
	OrderPartiallyFilled Type = "order_partially_filled"
	OrderFilled          Type = "order_filled"
	OrderCanceled        Type = "order_canceled"
	OrderRejected        Type = "order_rejected"
	OrderExpired         Type = "order_expired"
	BalanceUpdated       Type = "balance_updated"
	StrategyInitialized  Type = "strategy_initialized"
	StrategyStopped      Type = "strategy_stopped"
	BacktestCompleted    Type = "backtest_completed"
)

// Event 为一次已发生的领域事件。
type Event struct {
	ID          string                 `json:"id"`
	Type        Type                   `json:"type"`
	AggregateID string                 `json:"aggregate_id"`
	StrategyID  string                 `json:"strategy_id,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// New 构造事件并分配 ID。
func New(t Type, aggregateID, strategyID string, at time.Time, payload map[string]interface{}) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        t,
		AggregateID: aggregateID,
		StrategyID:  strategyID,
		OccurredAt:  at,
		Payload:     payload,
	}
}

// Publisher 接收领域事件。
type Publisher interface {
	Publish(ev Event)
}

// Discard 丢弃所有事件。
type Discard struct{}

func (Discard) Publish(Event) {}

// Queue 为并发安全的先进先出事件队列。
type Queue struct {
	mu    sync.Mutex
	items []Event
}

// NewQueue 创建空队列。
func NewQueue() *Queue {
	return &Queue{}
}

// Publish 追加事件。
func (q *Queue) Publish(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
}

// Drain 取出并清空全部事件，顺序与发布顺序一致。
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len 返回待处理事件数。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
