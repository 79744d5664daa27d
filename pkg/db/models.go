package db

import "time"

// Trade statuses tracked by the ledger.
const (
	TradeStatusPending = "pending"
	TradeStatusActive  = "active"
	TradeStatusClosed  = "closed"
)

// Trade is a ledger row: an intended or open position attributed to a strategy.
type Trade struct {
	ID         string
	AccountID  string
	StrategyID string
	Symbol     string
	Side       string // long or short
	EntryPrice float64
	Quantity   float64
	StopLoss   *float64
	Leverage   *float64
	Status     string
	CreatedAt  time.Time
}

// Notional is the capital the trade commits at entry.
func (t Trade) Notional() float64 {
	return t.Quantity * t.EntryPrice
}

// TradeFilter narrows a ledger query. Empty fields match everything.
type TradeFilter struct {
	Symbol     string
	StrategyID string
	Statuses   []string
}

// StrategyDefinition is a configured strategy row.
type StrategyDefinition struct {
	ID            string
	Name          string
	Symbols       []string
	AllocationPct *float64
	Accounts      []string
	UpdatedAt     time.Time
}

// EquitySnapshot records an equity reading and the running peak at that time.
type EquitySnapshot struct {
	AccountID        string
	Equity           float64
	PeakEquity       float64
	DrawdownPct      float64
	DailyRealizedPnL float64
	CreatedAt        time.Time
}

// StrategyPerformance is one performance row per realized trade result.
type StrategyPerformance struct {
	AccountID            string
	StrategyID           string
	Day                  string // UTC yyyy-mm-dd of DailyPnL
	DailyPnL             float64
	TotalPnL             float64
	WinCount             int
	LossCount            int
	MaxDrawdown          float64
	SharpeRatio          float64
	CurrentAllocationPct float64
	BaseEquity           float64
	PeakEquity           float64
	IsActive             bool
	CreatedAt            time.Time
}

// BreakerEvent is an audit row for a circuit breaker transition.
type BreakerEvent struct {
	ID          string
	AccountID   string
	Scope       string // portfolio or strategy
	StrategyID  string
	Action      string // triggered, released, force_resumed
	DrawdownPct float64
	Message     string
	CreatedAt   time.Time
}
