package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "backtest"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("backtest.initial_capital", 100000)
	v.SetDefault("backtest.commission_rate", 0.001)
	v.SetDefault("backtest.slippage", 0)
	v.SetDefault("backtest.quote_asset", "USDT")
	v.SetDefault("backtest.venue_id", "backtest")
	v.SetDefault("backtest.error_policy", "abort")
	v.SetDefault("backtest.report_csv", "")

	v.SetDefault("strategy.name", "macross")
	v.SetDefault("strategy.timeframes", []string{"1h"})

	v.SetDefault("risk.audit_enabled", true)
	v.SetDefault("risk.position_size.enabled", false)
	v.SetDefault("risk.max_drawdown.enabled", false)
	v.SetDefault("risk.max_drawdown.max_percentage", 20)
	v.SetDefault("risk.max_drawdown.lookback_days", 30)
	v.SetDefault("risk.max_trades_per_day.enabled", false)
	v.SetDefault("risk.max_trades_per_day.max_trades", 10)
	v.SetDefault("risk.max_trades_per_day.reset_hour", 0)

	v.SetDefault("data.source", SourceSQLite)
	v.SetDefault("data.cache_to_sqlite", true)
	v.SetDefault("data.warmup_bars", 100)

	v.SetDefault("exchange.name", "binanceusdm")
	v.SetDefault("exchange.market", "future")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.page_limit", 500)
	v.SetDefault("exchange.retry.max_attempts", 5)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("database.path", "data/backtest.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "backtest")

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.addr", ":8090")

	v.SetDefault("sweep.concurrency", 4)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
