package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ActivityEvent 为 risk_activity_log 中的一条记录。
type ActivityEvent struct {
	ID          int64
	OccurredAt  time.Time
	EventType   string
	Message     string
	Details     string
	TradingDate string
}

// SQLiteAuditor 将拒单写入 risk_activity_log。
type SQLiteAuditor struct {
	db        *sql.DB
	resetHour int
	logger    *zap.Logger
}

// NewSQLiteAuditor 创建审计器并初始化表结构。
func NewSQLiteAuditor(db *sql.DB, resetHour int, logger *zap.Logger) (*SQLiteAuditor, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &SQLiteAuditor{
		db:        db,
		resetHour: resetHour,
		logger:    logger,
	}
	if err := a.initSchema(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *SQLiteAuditor) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			trading_date TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_activity_date ON risk_activity_log(trading_date);`,
	}

	for _, stmt := range schema {
		if _, err := a.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// RecordDenial 记录一次拒单，时间使用模拟时钟。
func (a *SQLiteAuditor) RecordDenial(ctx context.Context, d Denial) error {
	details, err := json.Marshal(map[string]interface{}{
		"order_id":    d.OrderID,
		"strategy_id": d.StrategyID,
		"symbol":      d.Symbol,
		"side":        d.Side,
		"amount":      d.Amount,
	})
	if err != nil {
		return fmt.Errorf("risk: 序列化拒单详情失败: %w", err)
	}
	msg := fmt.Sprintf("订单 %s 被规则 %s 拒绝", d.OrderID, d.Rule)
	return a.LogEvent(ctx, d.At, "order_denied", msg, string(details))
}

// LogEvent 记录风控事件。
func (a *SQLiteAuditor) LogEvent(ctx context.Context, at time.Time, eventType, message, details string) error {
	if eventType == "" {
		return errors.New("risk: eventType 不能为空")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err := a.db.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?)`,
		at.UTC().Format(time.RFC3339), eventType, message, details, tradingDay(at, a.resetHour),
	)
	if err != nil {
		return fmt.Errorf("risk: 写入风险事件日志失败: %w", err)
	}
	a.logger.Debug("记录风控事件", zap.String("event_type", eventType))
	return nil
}

// ListEvents 按交易日查询风控事件，tradingDate 为空时返回全部。
func (a *SQLiteAuditor) ListEvents(ctx context.Context, tradingDate string, limit int) ([]ActivityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, occurred_at, event_type, message, COALESCE(details, ''), COALESCE(trading_date, '')
		FROM risk_activity_log`
	args := []interface{}{}
	if tradingDate != "" {
		query += ` WHERE trading_date = ?`
		args = append(args, tradingDate)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("risk: 查询风险事件失败: %w", err)
	}
	defer rows.Close()

	var out []ActivityEvent
	for rows.Next() {
		var (
			ev         ActivityEvent
			occurredAt string
		)
		if err := rows.Scan(&ev.ID, &occurredAt, &ev.EventType, &ev.Message, &ev.Details, &ev.TradingDate); err != nil {
			return nil, fmt.Errorf("risk: 解析风险事件失败: %w", err)
		}
		ev.OccurredAt, err = time.Parse(time.RFC3339, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("risk: 解析事件时间失败: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// tradingDay 将时间戳按重置小时偏移后归入交易日。
func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	utc := ts.UTC()
	shifted := utc.Add(-time.Duration(resetHour) * time.Hour)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Format("2006-01-02")
}
