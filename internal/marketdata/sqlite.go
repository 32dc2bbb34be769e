package marketdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"quant-backtest/internal/market"
)

// SQLiteProvider 从 SQLite candles 表读取K线。
type SQLiteProvider struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteProvider 创建数据源并初始化表结构。
func NewSQLiteProvider(db *sql.DB, logger *zap.Logger) (*SQLiteProvider, error) {
	if db == nil {
		return nil, errors.New("marketdata: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &SQLiteProvider{db: db, logger: logger}
	if err := p.initSchema(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *SQLiteProvider) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			symbol TEXT NOT NULL,
			venue TEXT NOT NULL DEFAULT '',
			timeframe TEXT NOT NULL,
			ts INTEGER NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume REAL NOT NULL,
			quote_volume REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, timeframe, ts)
		);`,
	}
	for _, stmt := range schema {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("marketdata: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// SaveCandles 以事务批量写入K线，主键冲突时覆盖。
func (p *SQLiteProvider) SaveCandles(ctx context.Context, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("marketdata: 开启事务失败: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO candles
		(symbol, venue, timeframe, ts, open, high, low, close, volume, quote_volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("marketdata: 预编译写入语句失败: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx,
			c.Symbol, c.Venue, c.Timeframe, c.Timestamp.UnixMilli(),
			c.Open, c.High, c.Low, c.Close, c.Volume, c.QuoteVolume,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("marketdata: 写入K线失败: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("marketdata: 提交事务失败: %w", err)
	}
	p.logger.Debug("写入K线", zap.Int("count", len(candles)))
	return nil
}

func (p *SQLiteProvider) HistoricalBars(ctx context.Context, q Query) ([]market.Candle, error) {
	var (
		where = []string{"symbol = ?", "timeframe = ?"}
		args  = []interface{}{q.Symbol, q.Timeframe}
	)
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, q.Until.UnixMilli())
	}

	tail := q.Since.IsZero() && q.Limit > 0
	query := `SELECT symbol, venue, timeframe, ts, open, high, low, close, volume, quote_volume
		FROM candles WHERE ` + strings.Join(where, " AND ")
	if tail {
		query += " ORDER BY ts DESC"
	} else {
		query += " ORDER BY ts ASC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("marketdata: 查询K线失败: %w", err)
	}
	defer rows.Close()

	var out []market.Candle
	for rows.Next() {
		var (
			c  market.Candle
			ts int64
		)
		if err := rows.Scan(&c.Symbol, &c.Venue, &c.Timeframe, &ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.QuoteVolume); err != nil {
			return nil, fmt.Errorf("marketdata: 解析K线失败: %w", err)
		}
		c.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("marketdata: 遍历K线失败: %w", err)
	}
	if tail {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}
