// Package engine composes the tracker, risk pipeline and circuit breaker
// behind a single interface for the API and CLI layers.
package engine

import (
	"context"

	"portfolio-risk/internal/breaker"
	"portfolio-risk/internal/risk"
	"portfolio-risk/internal/strategy"
	"portfolio-risk/internal/tracker"
	"portfolio-risk/pkg/db"
)

// Service defines the operations exposed to the API layer.
// The API layer should only interact with the engine through this interface.
type Service interface {
	// Risk
	ValidateTrade(ctx context.Context, params risk.TradeParams) risk.ValidationResult

	// Trade ledger
	RecordTrade(ctx context.Context, t db.Trade) (db.Trade, error)
	UpdateTradeStatus(ctx context.Context, accountID, tradeID, status string) error
	ListTrades(ctx context.Context, accountID string, f db.TradeFilter) ([]db.Trade, error)

	// Equity & allocation
	GetSummary(ctx context.Context, accountID string) (tracker.Summary, error)
	GetEquity(ctx context.Context, accountID string) (*EquityInfo, error)
	GetAllocation(ctx context.Context, accountID, strategyID string) (*AllocationInfo, error)
	GetStrategyDrawdown(ctx context.Context, accountID, strategyID string) (*DrawdownInfo, error)
	RecordPnL(ctx context.Context, accountID, strategyID string, pnl float64) error
	ListStrategies(ctx context.Context, accountID string) []strategy.State

	// Dry-run equity source
	SetEquity(ctx context.Context, accountID string, u EquityUpdate) (*EquityInfo, error)

	// Circuit breaker
	BreakerStatus(ctx context.Context, accountID string) breaker.StatusView
	EvaluateBreaker(ctx context.Context, accountID string) (breaker.Status, error)
	ForceResume(ctx context.Context, accountID string) (bool, error)
	BreakerHistory(ctx context.Context, accountID string, limit int) ([]db.BreakerEvent, error)
	UpdateBreakerConfig(ctx context.Context, patch breaker.ConfigPatch) (breaker.Config, error)

	// System
	GetSystemStatus(ctx context.Context) *SystemStatus
}
