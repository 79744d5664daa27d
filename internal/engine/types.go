package engine

import (
	"time"

	"portfolio-risk/internal/balance"
	"portfolio-risk/internal/monitor"
	"portfolio-risk/internal/persistence"
	"portfolio-risk/internal/risk"
	"portfolio-risk/internal/tracker"
)

// EquityInfo is an account's current equity against its peak.
type EquityInfo struct {
	AccountID   string  `json:"account_id"`
	Equity      float64 `json:"equity"`
	PeakEquity  float64 `json:"peak_equity"`
	DrawdownPct float64 `json:"drawdown_pct"`
}

// AllocationInfo is the capital a strategy may deploy.
type AllocationInfo struct {
	AccountID        string   `json:"account_id"`
	StrategyID       string   `json:"strategy_id"`
	AllocationPct    *float64 `json:"allocation_pct"`
	AllocatedCapital float64  `json:"allocated_capital"`
}

// DrawdownInfo is a strategy drawdown check with the equity curve behind it.
type DrawdownInfo struct {
	AccountID  string                  `json:"account_id"`
	StrategyID string                  `json:"strategy_id"`
	Check      risk.CheckResult        `json:"check"`
	Equity     *tracker.StrategyEquity `json:"equity,omitempty"`
}

// EquityUpdate changes the dry-run wallet of an account. Nil fields are left
// as they are; Failure makes equity reads fail until cleared with "".
type EquityUpdate struct {
	Equity    *float64           `json:"equity"`
	Positions []tracker.Position `json:"positions"`
	Failure   *string            `json:"failure"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Mode               string                          `json:"mode"`
	DryRun             bool                            `json:"dry_run"`
	Version            string                          `json:"version"`
	Accounts           []string                        `json:"accounts"`
	EvaluationInterval string                          `json:"evaluation_interval"`
	// RiskChecks lists the trade checks in the order they run.
	RiskChecks         []string                        `json:"risk_checks"`
	Balances           map[string]balance.WalletStatus `json:"balances,omitempty"`
	Metrics            monitor.Snapshot                `json:"metrics"`
	Persistence        *persistence.WriterStats        `json:"persistence,omitempty"`
	ServerTime         time.Time                       `json:"server_time"`
}
