package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quant-backtest/internal/market"
)

// PostgresProvider 从 PostgreSQL candles 表读取K线，价格列为 NUMERIC。
type PostgresProvider struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresProvider 连接数据库并校验连通性。
func NewPostgresProvider(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresProvider, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("marketdata: 解析 postgres dsn 失败: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("marketdata: 连接 postgres 失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("marketdata: postgres 连通性检查失败: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresProvider{pool: pool, logger: logger}, nil
}

// Close 关闭连接池。
func (p *PostgresProvider) Close() {
	p.pool.Close()
}

// EnsureSchema 创建 candles 表。
func (p *PostgresProvider) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS candles (
		symbol TEXT NOT NULL,
		venue TEXT NOT NULL DEFAULT '',
		timeframe TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		open NUMERIC NOT NULL,
		high NUMERIC NOT NULL,
		low NUMERIC NOT NULL,
		close NUMERIC NOT NULL,
		volume NUMERIC NOT NULL,
		quote_volume NUMERIC NOT NULL DEFAULT 0,
		PRIMARY KEY (symbol, timeframe, ts)
	)`)
	if err != nil {
		return fmt.Errorf("marketdata: 创建 candles 表失败: %w", err)
	}
	return nil
}

// SaveCandles 批量写入K线，冲突时更新。
func (p *PostgresProvider) SaveCandles(ctx context.Context, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(`INSERT INTO candles (symbol, venue, timeframe, ts, open, high, low, close, volume, quote_volume)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (symbol, timeframe, ts) DO UPDATE SET
				venue = EXCLUDED.venue, open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
				close = EXCLUDED.close, volume = EXCLUDED.volume, quote_volume = EXCLUDED.quote_volume`,
			c.Symbol, c.Venue, c.Timeframe, c.Timestamp,
			decimal.NewFromFloat(c.Open), decimal.NewFromFloat(c.High), decimal.NewFromFloat(c.Low),
			decimal.NewFromFloat(c.Close), decimal.NewFromFloat(c.Volume), decimal.NewFromFloat(c.QuoteVolume),
		)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("marketdata: 批量写入K线失败: %w", err)
	}
	return nil
}

func (p *PostgresProvider) HistoricalBars(ctx context.Context, q Query) ([]market.Candle, error) {
	where := []string{"symbol = $1", "timeframe = $2"}
	args := []interface{}{q.Symbol, q.Timeframe}
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !q.Until.IsZero() {
		args = append(args, q.Until)
		where = append(where, fmt.Sprintf("ts <= $%d", len(args)))
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
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("marketdata: 查询K线失败: %w", err)
	}
	defer rows.Close()

	var out []market.Candle
	for rows.Next() {
		var (
			c                                    market.Candle
			ts                                   time.Time
			open, high, low, closePx, vol, qtVol decimal.Decimal
		)
		if err := rows.Scan(&c.Symbol, &c.Venue, &c.Timeframe, &ts, &open, &high, &low, &closePx, &vol, &qtVol); err != nil {
			return nil, fmt.Errorf("marketdata: 解析K线失败: %w", err)
		}
		c.Timestamp = ts.UTC()
		c.Open = open.InexactFloat64()
		c.High = high.InexactFloat64()
		c.Low = low.InexactFloat64()
		c.Close = closePx.InexactFloat64()
		c.Volume = vol.InexactFloat64()
		c.QuoteVolume = qtVol.InexactFloat64()
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
	p.logger.Debug("读取K线", zap.String("symbol", q.Symbol), zap.String("timeframe", q.Timeframe), zap.Int("count", len(out)))
	return out, nil
}
