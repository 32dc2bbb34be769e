package app

import (
	"database/sql"

	"go.uber.org/zap"

	"quant-backtest/internal/config"
	"quant-backtest/internal/risk"
)

// newRiskManager 根据配置组装风控规则，每个引擎独占一个实例。
func newRiskManager(cfg config.RiskConfig, quote string, db *sql.DB, logger *zap.Logger) (*risk.Manager, error) {
	m := risk.NewManager(logger)

	if ps := cfg.PositionSize; ps.Enabled {
		m.AddRule(risk.NewPositionSizeRule("", risk.PositionSizeParams{
			MaxAmount:     limit(ps.MaxAmount),
			MaxValue:      limit(ps.MaxValue),
			MaxPercentage: limit(ps.MaxPercentage),
			QuoteAsset:    quote,
		}, logger))
	}
	if dd := cfg.MaxDrawdown; dd.Enabled {
		m.AddRule(risk.NewMaxDrawdownRule("", risk.MaxDrawdownParams{
			MaxDrawdownPercentage: dd.MaxPercentage,
			LookbackDays:          dd.LookbackDays,
		}, logger))
	}
	if mt := cfg.MaxTradesPerDay; mt.Enabled {
		m.AddRule(risk.NewMaxTradesPerDayRule("", risk.MaxTradesPerDayParams{
			MaxTrades: mt.MaxTrades,
			ResetHour: mt.ResetHour,
		}, logger))
	}

	if cfg.AuditEnabled && db != nil {
		auditor, err := risk.NewSQLiteAuditor(db, cfg.MaxTradesPerDay.ResetHour, logger)
		if err != nil {
			return nil, err
		}
		m.SetAuditor(auditor)
	}
	return m, nil
}

// limit 将零值阈值视为不限制。
func limit(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}
