package backtest

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// ErrorPolicy 决定策略回调失败后的处理方式。
type ErrorPolicy string

const (
	// PolicyAbort 停止回放并返回部分结果。
	PolicyAbort ErrorPolicy = "abort"
	// PolicySkip 记录日志并跳过当前K线。
	PolicySkip ErrorPolicy = "skip"
)

// ParseErrorPolicy 解析策略失败处理方式，空字符串视为 abort。
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch ErrorPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAbort:
		return PolicyAbort, nil
	case PolicySkip:
		return PolicySkip, nil
	default:
		return "", fmt.Errorf("backtest: 未知的错误处理策略 %q", s)
	}
}

// Config 定义回测参数。
type Config struct {
	InitialCapital float64     // 初始资金，计入计价资产
	CommissionRate float64     // 手续费率
	Slippage       float64     // 滑点比例
	QuoteAsset     string      // 计价资产
	VenueID        string      // 模拟交易场所
	ErrorPolicy    ErrorPolicy // 策略失败处理方式
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		InitialCapital: 100000,
		CommissionRate: 0.001,
		Slippage:       0,
		QuoteAsset:     "USDT",
		VenueID:        "backtest",
		ErrorPolicy:    PolicyAbort,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.InitialCapital <= 0 {
		c.InitialCapital = def.InitialCapital
	}
	if c.QuoteAsset == "" {
		c.QuoteAsset = def.QuoteAsset
	}
	if c.VenueID == "" {
		c.VenueID = def.VenueID
	}
	if c.ErrorPolicy == "" {
		c.ErrorPolicy = def.ErrorPolicy
	}
	return c
}

// Validate 校验配置。
func (c Config) Validate() error {
	var err error
	if c.InitialCapital <= 0 {
		err = multierr.Append(err, fmt.Errorf("backtest: initial_capital 必须为正数"))
	}
	if c.CommissionRate < 0 || c.CommissionRate >= 1 {
		err = multierr.Append(err, fmt.Errorf("backtest: commission_rate 必须位于 [0,1)"))
	}
	if c.Slippage < 0 || c.Slippage >= 1 {
		err = multierr.Append(err, fmt.Errorf("backtest: slippage 必须位于 [0,1)"))
	}
	if _, perr := ParseErrorPolicy(string(c.ErrorPolicy)); perr != nil {
		err = multierr.Append(err, perr)
	}
	return err
}
