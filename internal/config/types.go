package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了回测运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Backtest BacktestConfig `mapstructure:"backtest"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Data     DataConfig     `mapstructure:"data"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BacktestConfig 描述回测区间与撮合参数。
type BacktestConfig struct {
	Start          time.Time `mapstructure:"start"`
	End            time.Time `mapstructure:"end"`
	InitialCapital float64   `mapstructure:"initial_capital"`
	CommissionRate float64   `mapstructure:"commission_rate"`
	Slippage       float64   `mapstructure:"slippage"`
	QuoteAsset     string    `mapstructure:"quote_asset"`
	VenueID        string    `mapstructure:"venue_id"`
	ErrorPolicy    string    `mapstructure:"error_policy"`
	ReportCSV      string    `mapstructure:"report_csv"`
}

// StrategyConfig 指定要运行的策略。
type StrategyConfig struct {
	Name       string                 `mapstructure:"name"`
	Symbols    []string               `mapstructure:"symbols"`
	Venues     []string               `mapstructure:"venues"`
	Timeframes []string               `mapstructure:"timeframes"`
	Params     map[string]interface{} `mapstructure:"params"`
}

// RiskConfig 管理风控规则，零值阈值表示不限制。
type RiskConfig struct {
	AuditEnabled    bool                  `mapstructure:"audit_enabled"`
	PositionSize    PositionSizeConfig    `mapstructure:"position_size"`
	MaxDrawdown     MaxDrawdownConfig     `mapstructure:"max_drawdown"`
	MaxTradesPerDay MaxTradesPerDayConfig `mapstructure:"max_trades_per_day"`
}

// PositionSizeConfig 单笔仓位限制。
type PositionSizeConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	MaxAmount     float64 `mapstructure:"max_amount"`
	MaxValue      float64 `mapstructure:"max_value"`
	MaxPercentage float64 `mapstructure:"max_percentage"`
}

// MaxDrawdownConfig 最大回撤限制，单位为百分比。
type MaxDrawdownConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	MaxPercentage float64 `mapstructure:"max_percentage"`
	LookbackDays  int     `mapstructure:"lookback_days"`
}

// MaxTradesPerDayConfig 日内交易次数限制。
type MaxTradesPerDayConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	MaxTrades int  `mapstructure:"max_trades"`
	ResetHour int  `mapstructure:"reset_hour"`
}

// 支持的数据源。
const (
	SourceCSV      = "csv"
	SourceSQLite   = "sqlite"
	SourcePostgres = "postgres"
	SourceExchange = "exchange"
)

// DataConfig 选择历史K线来源。
type DataConfig struct {
	Source        string      `mapstructure:"source"`
	CSVFiles      []CSVSource `mapstructure:"csv_files"`
	PostgresDSN   string      `mapstructure:"postgres_dsn"`
	CacheToSQLite bool        `mapstructure:"cache_to_sqlite"`
	WarmupBars    int         `mapstructure:"warmup_bars"`
}

// CSVSource 为一个CSV文件及其所属序列。
type CSVSource struct {
	Path      string `mapstructure:"path"`
	Symbol    string `mapstructure:"symbol"`
	Timeframe string `mapstructure:"timeframe"`
	Venue     string `mapstructure:"venue"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	Market     string      `mapstructure:"market"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	PageLimit  int         `mapstructure:"page_limit"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MetricsConfig 控制 Prometheus 指标。
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// MonitorConfig 控制事件落库与查询服务。
type MonitorConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// SweepConfig 描述参数扫描，每组覆盖项合并到 strategy.params。
type SweepConfig struct {
	Concurrency int                      `mapstructure:"concurrency"`
	Params      []map[string]interface{} `mapstructure:"params"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Backtest.Start.IsZero() || c.Backtest.End.IsZero() {
		err = multierr.Append(err, errors.New("backtest.start 与 backtest.end 不能为空"))
	} else if !c.Backtest.Start.Before(c.Backtest.End) {
		err = multierr.Append(err, errors.New("backtest.start 必须早于 backtest.end"))
	}
	if c.Backtest.InitialCapital <= 0 {
		err = multierr.Append(err, errors.New("backtest.initial_capital 必须大于0"))
	}
	if c.Backtest.CommissionRate < 0 || c.Backtest.CommissionRate >= 1 {
		err = multierr.Append(err, errors.New("backtest.commission_rate 应位于[0,1)"))
	}
	if c.Backtest.Slippage < 0 || c.Backtest.Slippage >= 1 {
		err = multierr.Append(err, errors.New("backtest.slippage 应位于[0,1)"))
	}
	switch strings.ToLower(c.Backtest.ErrorPolicy) {
	case "", "abort", "skip":
	default:
		err = multierr.Append(err, fmt.Errorf("backtest.error_policy 不支持 %q", c.Backtest.ErrorPolicy))
	}
	if c.Strategy.Name == "" {
		err = multierr.Append(err, errors.New("strategy.name 不能为空"))
	}
	if len(c.Strategy.Symbols) == 0 {
		err = multierr.Append(err, errors.New("strategy.symbols 至少包含一个交易对"))
	}
	if c.Risk.PositionSize.MaxPercentage < 0 || c.Risk.PositionSize.MaxPercentage > 100 {
		err = multierr.Append(err, errors.New("risk.position_size.max_percentage 应位于[0,100]"))
	}
	if c.Risk.MaxDrawdown.Enabled && c.Risk.MaxDrawdown.MaxPercentage <= 0 {
		err = multierr.Append(err, errors.New("risk.max_drawdown.max_percentage 必须大于0"))
	}
	if c.Risk.MaxTradesPerDay.Enabled && c.Risk.MaxTradesPerDay.MaxTrades <= 0 {
		err = multierr.Append(err, errors.New("risk.max_trades_per_day.max_trades 必须大于0"))
	}
	if c.Risk.MaxTradesPerDay.ResetHour < 0 || c.Risk.MaxTradesPerDay.ResetHour > 23 {
		err = multierr.Append(err, errors.New("risk.max_trades_per_day.reset_hour 必须位于[0,23]"))
	}
	switch c.Data.Source {
	case SourceCSV:
		if len(c.Data.CSVFiles) == 0 {
			err = multierr.Append(err, errors.New("data.csv_files 不能为空"))
		}
		for i, f := range c.Data.CSVFiles {
			if f.Path == "" || f.Symbol == "" || f.Timeframe == "" {
				err = multierr.Append(err, fmt.Errorf("data.csv_files[%d] 需要 path、symbol 与 timeframe", i))
			}
		}
	case SourceSQLite:
	case SourcePostgres:
		if c.Data.PostgresDSN == "" {
			err = multierr.Append(err, errors.New("data.postgres_dsn 不能为空"))
		}
	case SourceExchange:
		if c.Exchange.Name == "" {
			err = multierr.Append(err, errors.New("exchange.name 不能为空"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("data.source 不支持 %q", c.Data.Source))
	}
	if c.Data.WarmupBars < 0 {
		err = multierr.Append(err, errors.New("data.warmup_bars 不能为负"))
	}
	if c.Exchange.PageLimit <= 0 {
		err = multierr.Append(err, errors.New("exchange.page_limit 必须大于0"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		err = multierr.Append(err, errors.New("metrics.namespace 不能为空"))
	}
	if c.Monitor.Enabled && c.Monitor.Addr == "" {
		err = multierr.Append(err, errors.New("monitor.addr 不能为空"))
	}
	if c.Sweep.Concurrency <= 0 {
		err = multierr.Append(err, errors.New("sweep.concurrency 必须大于0"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
