package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LimitsFile overrides risk limits. Nil fields inherit the next level down.
type LimitsFile struct {
	MaxLossPerTradeUSD           *float64 `yaml:"max_loss_per_trade_usd"`
	MaxRiskPercentPerTrade       *float64 `yaml:"max_risk_percent_per_trade"`
	MaxTotalPortfolioRiskPercent *float64 `yaml:"max_total_portfolio_risk_percent"`
	MaxPortfolioDrawdownPercent  *float64 `yaml:"max_portfolio_drawdown_percent"`
	MaxStrategyDrawdownPercent   *float64 `yaml:"max_strategy_drawdown_percent"`
}

// StrategyFile is a strategy definition entry.
type StrategyFile struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Symbols       []string `yaml:"symbols"`
	AllocationPct *float64 `yaml:"allocation_pct"`
	// Accounts restricts the strategy to the listed accounts; empty means every account.
	Accounts []string `yaml:"accounts"`
}

// AccountFile holds per-account overrides.
type AccountFile struct {
	Limits      LimitsFile         `yaml:"limits"`
	Allocations map[string]float64 `yaml:"allocations"`
}

// BreakerFile holds circuit breaker thresholds.
type BreakerFile struct {
	PortfolioDrawdownPercent  *float64 `yaml:"portfolio_drawdown_percent"`
	AutoResumePercent         *float64 `yaml:"auto_resume_percent"`
	StrategyDrawdownPercent   *float64 `yaml:"strategy_drawdown_percent"`
	StrategyAutoResumePercent *float64 `yaml:"strategy_auto_resume_percent"`
}

// RiskFile is the top-level YAML structure.
type RiskFile struct {
	Strategies []StrategyFile         `yaml:"strategies"`
	Limits     LimitsFile             `yaml:"limits"`
	Accounts   map[string]AccountFile `yaml:"accounts"`
	Breaker    BreakerFile            `yaml:"breaker"`
}

// LoadRiskFile reads strategy and limit definitions from a YAML file.
// A missing file yields an empty definition set so defaults apply.
func LoadRiskFile(path string) (*RiskFile, error) {
	file := &RiskFile{}
	if path == "" {
		return file, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return file, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read risk config: %w", err)
	}

	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("parse risk config: %w", err)
	}
	if err := file.validate(); err != nil {
		return nil, err
	}
	return file, nil
}

func (f *RiskFile) validate() error {
	seen := make(map[string]bool, len(f.Strategies))
	for i, s := range f.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategies[%d]: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("strategies[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if s.AllocationPct != nil && (*s.AllocationPct < 0 || *s.AllocationPct > 100) {
			return fmt.Errorf("strategy %s: allocation_pct must be within 0-100", s.ID)
		}
	}
	return nil
}
