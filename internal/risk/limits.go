package risk

import (
	"sync"

	"portfolio-risk/pkg/config"
)

// Limits are the thresholds applied to one account.
type Limits struct {
	MaxLossPerTradeUSD           float64 `json:"max_loss_per_trade_usd"`
	MaxRiskPercentPerTrade       float64 `json:"max_risk_percent_per_trade"`
	MaxTotalPortfolioRiskPercent float64 `json:"max_total_portfolio_risk_percent"`
	MaxPortfolioDrawdownPercent  float64 `json:"max_portfolio_drawdown_percent"`
	MaxStrategyDrawdownPercent   float64 `json:"max_strategy_drawdown_percent"`
}

// DefaultLimits returns the built-in limits.
func DefaultLimits() Limits {
	return Limits{
		MaxLossPerTradeUSD:           500,
		MaxRiskPercentPerTrade:       2,
		MaxTotalPortfolioRiskPercent: 20,
		MaxPortfolioDrawdownPercent:  20,
		MaxStrategyDrawdownPercent:   15,
	}
}

// LimitOverrides replaces the fields that are set and inherits the rest.
type LimitOverrides struct {
	MaxLossPerTradeUSD           *float64 `json:"max_loss_per_trade_usd,omitempty"`
	MaxRiskPercentPerTrade       *float64 `json:"max_risk_percent_per_trade,omitempty"`
	MaxTotalPortfolioRiskPercent *float64 `json:"max_total_portfolio_risk_percent,omitempty"`
	MaxPortfolioDrawdownPercent  *float64 `json:"max_portfolio_drawdown_percent,omitempty"`
	MaxStrategyDrawdownPercent   *float64 `json:"max_strategy_drawdown_percent,omitempty"`
}

// Apply returns l with every set override replaced.
func (l Limits) Apply(o LimitOverrides) Limits {
	set := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	set(&l.MaxLossPerTradeUSD, o.MaxLossPerTradeUSD)
	set(&l.MaxRiskPercentPerTrade, o.MaxRiskPercentPerTrade)
	set(&l.MaxTotalPortfolioRiskPercent, o.MaxTotalPortfolioRiskPercent)
	set(&l.MaxPortfolioDrawdownPercent, o.MaxPortfolioDrawdownPercent)
	set(&l.MaxStrategyDrawdownPercent, o.MaxStrategyDrawdownPercent)
	return l
}

func overridesFromFile(f config.LimitsFile) LimitOverrides {
	return LimitOverrides{
		MaxLossPerTradeUSD:           f.MaxLossPerTradeUSD,
		MaxRiskPercentPerTrade:       f.MaxRiskPercentPerTrade,
		MaxTotalPortfolioRiskPercent: f.MaxTotalPortfolioRiskPercent,
		MaxPortfolioDrawdownPercent:  f.MaxPortfolioDrawdownPercent,
		MaxStrategyDrawdownPercent:   f.MaxStrategyDrawdownPercent,
	}
}

// LimitsBook resolves limits per account: defaults, then global overrides,
// then the account's own overrides.
type LimitsBook struct {
	mu       sync.RWMutex
	base     Limits
	accounts map[string]LimitOverrides
}

// NewLimitsBook creates a book whose accounts all use base.
func NewLimitsBook(base Limits) *LimitsBook {
	return &LimitsBook{base: base, accounts: make(map[string]LimitOverrides)}
}

// NewLimitsBookFromFile builds a book from the YAML risk definitions.
func NewLimitsBookFromFile(file *config.RiskFile) *LimitsBook {
	b := NewLimitsBook(DefaultLimits())
	if file == nil {
		return b
	}
	b.base = b.base.Apply(overridesFromFile(file.Limits))
	for id, acct := range file.Accounts {
		b.accounts[id] = overridesFromFile(acct.Limits)
	}
	return b
}

// Limits returns the effective limits for an account.
func (b *LimitsBook) Limits(accountID string) Limits {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.base.Apply(b.accounts[accountID])
}

// SetAccount replaces an account's overrides.
func (b *LimitsBook) SetAccount(accountID string, o LimitOverrides) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[accountID] = o
}
