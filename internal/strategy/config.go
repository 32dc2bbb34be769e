package strategy

import (
	"errors"
	"fmt"

	"github.com/spf13/cast"

	"quant-backtest/internal/market"
)

// Config 为策略的静态配置。
type Config struct {
	Name       string                 `mapstructure:"name" json:"name"`
	Symbols    []string               `mapstructure:"symbols" json:"symbols"`
	Venues     []string               `mapstructure:"venues" json:"venues"`
	Timeframes []string               `mapstructure:"timeframes" json:"timeframes"`
	Params     map[string]interface{} `mapstructure:"params" json:"params"`
}

// Normalize 补齐默认周期与参数表。
func (c Config) Normalize() Config {
	out := c
	if len(out.Timeframes) == 0 {
		out.Timeframes = []string{market.Timeframe1m}
	}
	params := make(map[string]interface{}, len(c.Params))
	for k, v := range c.Params {
		params[k] = v
	}
	out.Params = params
	return out
}

// Validate 校验策略配置。
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("strategy: name 不能为空")
	}
	if len(c.Symbols) == 0 {
		return errors.New("strategy: symbols 至少包含一个交易对")
	}
	for _, s := range c.Symbols {
		if _, _, err := market.SplitSymbol(s); err != nil {
			return fmt.Errorf("strategy: %w", err)
		}
	}
	for _, tf := range c.Timeframes {
		if _, err := market.ParseTimeframe(tf); err != nil {
			return fmt.Errorf("strategy: %w", err)
		}
	}
	return nil
}

// WithParams 返回合并了覆盖参数的新配置。
func (c Config) WithParams(overrides map[string]interface{}) Config {
	out := c.Normalize()
	for k, v := range overrides {
		out.Params[k] = v
	}
	return out
}

// Float 读取浮点参数，缺失或无法转换时返回 def。
func (c Config) Float(key string, def float64) float64 {
	v, ok := c.Params[key]
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def
	}
	return f
}

// Int 读取整数参数。
func (c Config) Int(key string, def int) int {
	v, ok := c.Params[key]
	if !ok {
		return def
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return i
}

// String 读取字符串参数。
func (c Config) String(key, def string) string {
	v, ok := c.Params[key]
	if !ok {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return def
	}
	return s
}

// Bool 读取布尔参数。
func (c Config) Bool(key string, def bool) bool {
	v, ok := c.Params[key]
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}
