package monitor

import (
	"encoding/json"
	"time"

	"quant-backtest/internal/backtest"
	"quant-backtest/internal/events"
)

// EventError 为回测过程中的异常事件，其余类型沿用领域事件。
const EventError events.Type = "error"

// Event 为持久化后的事件。
type Event struct {
	ID          int64           `json:"id"`
	EventID     string          `json:"event_id"`
	Type        events.Type     `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	StrategyID  string          `json:"strategy_id,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

// EventFilter 为事件查询条件，空字段表示不过滤。
type EventFilter struct {
	Type       events.Type
	StrategyID string
	Limit      int
}

// RunRecord 为一次回测运行的摘要。
type RunRecord struct {
	ID            string           `json:"id"`
	StrategyID    string           `json:"strategy_id"`
	StrategyName  string           `json:"strategy_name"`
	Start         time.Time        `json:"start"`
	End           time.Time        `json:"end"`
	Bars          int              `json:"bars"`
	SkippedBars   int              `json:"skipped_bars"`
	Aborted       bool             `json:"aborted"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Metrics       backtest.Metrics `json:"metrics"`
	CreatedAt     time.Time        `json:"created_at"`
}
