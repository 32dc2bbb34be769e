package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quant-backtest/internal/backtest"
	"quant-backtest/internal/events"
	"quant-backtest/internal/store"
)

const timeLayout = time.RFC3339Nano

// Service 负责持久化领域事件与回测结果。
type Service struct {
	store  *store.Store
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		store:  store,
		db:     store.DB(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	strategy_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	occurred_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
CREATE INDEX IF NOT EXISTS idx_monitor_events_strategy ON monitor_events(strategy_id);
CREATE TABLE IF NOT EXISTS backtest_runs (
	id TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	strategy_name TEXT NOT NULL,
	start_at TEXT NOT NULL,
	end_at TEXT NOT NULL,
	bars INTEGER NOT NULL,
	skipped_bars INTEGER NOT NULL,
	aborted INTEGER NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	metrics TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS backtest_orders (
	run_id TEXT NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	order_id TEXT NOT NULL,
	snapshot TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS backtest_equity (
	run_id TEXT NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	ts TEXT NOT NULL,
	equity REAL NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Service) insertEvent(ctx context.Context, db execer, ev events.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_id, event_type, aggregate_id, strategy_id, payload, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.AggregateID, ev.StrategyID, string(payload), ev.OccurredAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, ev events.Event) error {
	return s.insertEvent(ctx, s.db, ev)
}

// Drain 取出队列中的全部事件并在一个事务内写入，返回写入数量。
// 写入失败时事件已离开队列，调用方需自行决定是否重放。
func (s *Service) Drain(ctx context.Context, q *events.Queue) (int, error) {
	pending := q.Drain()
	if len(pending) == 0 {
		return 0, nil
	}
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, ev := range pending {
			if err := s.insertEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug("事件已落库", zap.Int("count", len(pending)))
	return len(pending), nil
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, strategyID, msg string, err error, ctxMap map[string]interface{}) {
	if recErr := s.Record(ctx, events.Event{
		Type:        EventError,
		AggregateID: strategyID,
		StrategyID:  strategyID,
		OccurredAt:  s.now(),
		Payload: map[string]interface{}{
			"message": msg,
			"error":   err.Error(),
			"context": ctxMap,
		},
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// SaveRun 保存回测摘要、订单与权益曲线，返回运行 ID。
func (s *Service) SaveRun(ctx context.Context, res *backtest.Result) (string, error) {
	if res == nil {
		return "", fmt.Errorf("monitor: 回测结果不能为空")
	}
	metrics, err := json.Marshal(res.Metrics)
	if err != nil {
		return "", fmt.Errorf("monitor: 序列化指标失败: %w", err)
	}

	runID := uuid.NewString()
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO backtest_runs (id, strategy_id, strategy_name, start_at, end_at, bars, skipped_bars, aborted, failure_reason, metrics, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, res.StrategyID, res.StrategyName,
			res.Start.UTC().Format(timeLayout), res.End.UTC().Format(timeLayout),
			res.Bars, res.SkippedBars, res.Aborted, res.FailureReason, string(metrics),
			s.now().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("monitor: 写入回测记录失败: %w", err)
		}

		for i, snap := range res.OrderSnapshots() {
			body, err := json.Marshal(snap)
			if err != nil {
				return fmt.Errorf("monitor: 序列化订单失败: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO backtest_orders (run_id, seq, order_id, snapshot) VALUES (?, ?, ?, ?)`,
				runID, i, snap.ID, string(body),
			); err != nil {
				return fmt.Errorf("monitor: 写入订单失败: %w", err)
			}
		}

		for i, p := range res.EquityCurve() {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO backtest_equity (run_id, seq, ts, equity) VALUES (?, ?, ?, ?)`,
				runID, i, p.Time.UTC().Format(timeLayout), p.Equity,
			); err != nil {
				return fmt.Errorf("monitor: 写入权益曲线失败: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("回测结果已保存",
		zap.String("run_id", runID),
		zap.String("strategy_id", res.StrategyID),
		zap.Int("orders", len(res.Orders)),
		zap.Int("equity_points", len(res.Snapshots)),
	)
	return runID, nil
}

// ListEvents 按条件检索事件，按写入顺序升序返回。
func (s *Service) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, event_id, event_type, aggregate_id, strategy_id, payload, occurred_at FROM monitor_events WHERE 1 = 1`
	args := make([]interface{}, 0, 3)
	if filter.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.StrategyID != "" {
		query += ` AND strategy_id = ?`
		args = append(args, filter.StrategyID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var (
			ev       Event
			typ      string
			payload  string
			occurred string
		)
		if scanErr := rows.Scan(&ev.ID, &ev.EventID, &typ, &ev.AggregateID, &ev.StrategyID, &payload, &occurred); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}
		ts, parseErr := time.Parse(timeLayout, occurred)
		if parseErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件时间失败: %w", parseErr)
		}
		ev.Type = events.Type(typ)
		ev.OccurredAt = ts
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}
	return out, nil
}

// ListRuns 返回最近的回测记录，新的在前。
func (s *Service) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, strategy_id, strategy_name, start_at, end_at, bars, skipped_bars, aborted, failure_reason, metrics, created_at
		 FROM backtest_runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询回测记录失败: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec                       RunRecord
			start, end, created, body string
		)
		if err := rows.Scan(&rec.ID, &rec.StrategyID, &rec.StrategyName, &start, &end,
			&rec.Bars, &rec.SkippedBars, &rec.Aborted, &rec.FailureReason, &body, &created); err != nil {
			return nil, fmt.Errorf("monitor: 解析回测记录失败: %w", err)
		}
		if rec.Start, err = time.Parse(timeLayout, start); err != nil {
			return nil, fmt.Errorf("monitor: 解析开始时间失败: %w", err)
		}
		if rec.End, err = time.Parse(timeLayout, end); err != nil {
			return nil, fmt.Errorf("monitor: 解析结束时间失败: %w", err)
		}
		if rec.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("monitor: 解析创建时间失败: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &rec.Metrics); err != nil {
			return nil, fmt.Errorf("monitor: 解析指标失败: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RunEquity 返回某次运行的权益曲线。
func (s *Service) RunEquity(ctx context.Context, runID string) ([]backtest.EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, equity FROM backtest_equity WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询权益曲线失败: %w", err)
	}
	defer rows.Close()

	var out []backtest.EquityPoint
	for rows.Next() {
		var (
			p  backtest.EquityPoint
			ts string
		)
		if err := rows.Scan(&ts, &p.Equity); err != nil {
			return nil, fmt.Errorf("monitor: 解析权益点失败: %w", err)
		}
		if p.Time, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("monitor: 解析权益时间失败: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
