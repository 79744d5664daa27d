// Package tracker keeps per-account equity, peak equity, daily realized P&L and
// per-strategy performance, and computes strategy allocations from them.
package tracker

import (
	"context"
	"errors"
	"time"

	"portfolio-risk/internal/strategy"
	"portfolio-risk/pkg/db"
)

// ErrEquityUnavailable wraps every failed equity read.
var ErrEquityUnavailable = errors.New("equity unavailable")

// EquitySource is the exchange-side collaborator reporting total account equity.
type EquitySource interface {
	GetTotalEquity(ctx context.Context, accountID string) (float64, error)
}

// PositionSource reports the account's open positions.
type PositionSource interface {
	GetPositions(ctx context.Context, accountID string) ([]Position, error)
}

// Store persists snapshots and performance rows and serves them back for seeding.
// Saves are called with the account locked, in the order the state changed;
// they must queue the row rather than wait on disk.
type Store interface {
	LatestEquitySnapshot(ctx context.Context, accountID string) (db.EquitySnapshot, error)
	LatestStrategyPerformance(ctx context.Context, accountID string) ([]db.StrategyPerformance, error)
	SaveEquitySnapshot(ctx context.Context, s db.EquitySnapshot) error
	SaveStrategyPerformance(ctx context.Context, p db.StrategyPerformance) error
}

// Catalog lists the strategies registered on an account.
type Catalog interface {
	ForAccount(accountID string) []strategy.Definition
	Lookup(accountID, strategyID string) (strategy.Definition, bool)
}

// ActivityChecker reports whether a strategy is currently running (not halted).
type ActivityChecker interface {
	IsActive(accountID, strategyID string) bool
}

// Position is an open exchange position.
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // long or short
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// StrategyAllocation is a strategy's share of account equity and its attributed positions.
type StrategyAllocation struct {
	StrategyID    string  `json:"strategy_id"`
	Name          string  `json:"name"`
	TargetPct     float64 `json:"target_pct"`
	CurrentEquity float64 `json:"current_equity"`
	PositionCount int     `json:"position_count"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	IsActive      bool    `json:"is_active"`
}

// Summary is the canonical per-account snapshot shared by the risk pipeline,
// the circuit breaker and reporting.
type Summary struct {
	AccountID           string               `json:"account_id"`
	Equity              float64              `json:"equity"`
	PeakEquity          float64              `json:"peak_equity"`
	DrawdownPct         float64              `json:"drawdown_pct"`
	DailyRealizedPnL    float64              `json:"daily_realized_pnl"`
	Positions           []Position           `json:"positions"`
	StrategyAllocations []StrategyAllocation `json:"strategy_allocations"`
	AsOf                time.Time            `json:"as_of"`
	// Seq increases with every equity refresh of the account; consumers use it
	// to discard summaries that arrive out of order.
	Seq uint64 `json:"seq"`
}

// StrategyEquity is a strategy's own equity curve, independent of the account peak.
type StrategyEquity struct {
	StrategyID     string  `json:"strategy_id"`
	BaseEquity     float64 `json:"base_equity"`
	PeakEquity     float64 `json:"peak_equity"`
	CurrentEquity  float64 `json:"current_equity"`
	TotalPnL       float64 `json:"total_pnl"`
	DailyPnL       float64 `json:"daily_pnl"`
	WinCount       int     `json:"win_count"`
	LossCount      int     `json:"loss_count"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
}

// DrawdownPct is the strategy's decline from its own peak.
func (s StrategyEquity) DrawdownPct() float64 {
	return Drawdown(s.PeakEquity, s.CurrentEquity)
}

// Drawdown returns (peak-equity)/peak*100 clamped to >= 0, and 0 when peak <= 0.
func Drawdown(peak, equity float64) float64 {
	if peak <= 0 {
		return 0
	}
	dd := (peak - equity) / peak * 100
	if dd < 0 {
		return 0
	}
	return dd
}
