package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"portfolio-risk/internal/balance"
	"portfolio-risk/internal/breaker"
	"portfolio-risk/internal/monitor"
	"portfolio-risk/internal/persistence"
	"portfolio-risk/internal/risk"
	"portfolio-risk/internal/strategy"
	"portfolio-risk/internal/tracker"
	"portfolio-risk/pkg/db"
)

// ErrInvalidRequest marks caller mistakes the API maps to 400.
var ErrInvalidRequest = errors.New("invalid request")

var tradeStatuses = map[string]bool{
	db.TradeStatusPending: true,
	db.TradeStatusActive:  true,
	db.TradeStatusClosed:  true,
}

// Impl implements the Service interface by composing existing modules.
type Impl struct {
	tracker  *tracker.Tracker
	pipeline *risk.Pipeline
	breaker  *breaker.Breaker
	balances *balance.MultiAccount
	registry *strategy.Registry
	executor *strategy.Executor
	ledger   *db.Queries
	metrics  *monitor.Metrics
	writer   *persistence.BatchWriter
	accounts []string

	// System metadata
	meta SystemStatus
}

// Config holds the configuration for creating an engine implementation.
type Config struct {
	Tracker  *tracker.Tracker
	Pipeline *risk.Pipeline
	Breaker  *breaker.Breaker
	Balances *balance.MultiAccount
	Registry *strategy.Registry
	Executor *strategy.Executor
	Ledger   *db.Queries
	Metrics  *monitor.Metrics
	// Writer is optional; its counters are reported in the system status.
	Writer   *persistence.BatchWriter
	// Accounts are evaluated on every tick even before any activity.
	Accounts []string
	Meta     SystemStatus
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	return &Impl{
		tracker:  cfg.Tracker,
		pipeline: cfg.Pipeline,
		breaker:  cfg.Breaker,
		balances: cfg.Balances,
		registry: cfg.Registry,
		executor: cfg.Executor,
		ledger:   cfg.Ledger,
		metrics:  cfg.Metrics,
		writer:   cfg.Writer,
		accounts: cfg.Accounts,
		meta:     cfg.Meta,
	}
}

// --- Risk ---

func (e *Impl) ValidateTrade(ctx context.Context, params risk.TradeParams) risk.ValidationResult {
	return e.pipeline.ValidateTrade(ctx, params)
}

// --- Trade ledger ---

func (e *Impl) RecordTrade(ctx context.Context, t db.Trade) (db.Trade, error) {
	if t.AccountID == "" {
		return db.Trade{}, db.ErrAccountIDRequired
	}
	side, err := risk.ParseSide(t.Side)
	if err != nil {
		return db.Trade{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(t.Symbol) == "" || t.Quantity <= 0 || t.EntryPrice <= 0 {
		return db.Trade{}, fmt.Errorf("%w: symbol, quantity and entry price are required", ErrInvalidRequest)
	}
	if t.Status == "" {
		t.Status = db.TradeStatusPending
	}
	if !tradeStatuses[t.Status] {
		return db.Trade{}, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, t.Status)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Side = string(side)
	t.Symbol = strings.ToUpper(t.Symbol)
	t.CreatedAt = time.Now().UTC()

	// A pending order holds its notional on the wallet until it fills or is dropped.
	acct := e.wallet(t.AccountID)
	reserved := acct != nil && t.Status == db.TradeStatusPending
	if reserved {
		if err := acct.Lock(t.Notional()); err != nil {
			return db.Trade{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	if err := e.ledger.InsertTrade(ctx, t); err != nil {
		if reserved {
			acct.Unlock(t.Notional())
		}
		return db.Trade{}, err
	}
	return t, nil
}

func (e *Impl) UpdateTradeStatus(ctx context.Context, accountID, tradeID, status string) error {
	if !tradeStatuses[status] {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	prev, err := e.ledger.GetTrade(ctx, accountID, tradeID)
	if err != nil {
		return err
	}
	if err := e.ledger.UpdateTradeStatus(ctx, accountID, tradeID, status); err != nil {
		return err
	}
	if prev.Status == db.TradeStatusPending && status != db.TradeStatusPending {
		if acct := e.wallet(accountID); acct != nil {
			acct.Unlock(prev.Notional())
		}
	}
	return nil
}

// wallet returns the account's balance holder, or nil when none is known.
func (e *Impl) wallet(accountID string) *balance.Account {
	if e.balances == nil {
		return nil
	}
	return e.balances.Get(accountID)
}

func (e *Impl) ListTrades(ctx context.Context, accountID string, f db.TradeFilter) ([]db.Trade, error) {
	return e.ledger.ListTrades(ctx, accountID, f)
}

// --- Equity & allocation ---

func (e *Impl) GetSummary(ctx context.Context, accountID string) (tracker.Summary, error) {
	return e.tracker.GetPortfolioSummary(ctx, accountID)
}

func (e *Impl) GetEquity(ctx context.Context, accountID string) (*EquityInfo, error) {
	equity, err := e.tracker.GetEquity(ctx, accountID)
	if err != nil {
		return nil, err
	}
	peak := e.tracker.GetPeakEquity(accountID)
	return &EquityInfo{
		AccountID:   accountID,
		Equity:      equity,
		PeakEquity:  peak,
		DrawdownPct: tracker.Drawdown(peak, equity),
	}, nil
}

func (e *Impl) GetAllocation(ctx context.Context, accountID, strategyID string) (*AllocationInfo, error) {
	capital, err := e.tracker.GetAllocatedCapital(ctx, accountID, strategyID)
	if err != nil {
		return nil, err
	}
	info := &AllocationInfo{AccountID: accountID, StrategyID: strategyID, AllocatedCapital: capital}
	if pct, ok := e.registry.Allocation(accountID, strategyID); ok {
		info.AllocationPct = &pct
	}
	return info, nil
}

func (e *Impl) GetStrategyDrawdown(ctx context.Context, accountID, strategyID string) (*DrawdownInfo, error) {
	info := &DrawdownInfo{
		AccountID:  accountID,
		StrategyID: strategyID,
		Check:      e.pipeline.CheckStrategyDrawdown(ctx, accountID, strategyID),
	}
	if se, ok := e.tracker.StrategyEquity(accountID, strategyID); ok {
		info.Equity = &se
	}
	return info, nil
}

// RecordPnL records a realized result. On dry-run accounts the result is also
// credited to the wallet so equity follows the realized P&L.
func (e *Impl) RecordPnL(ctx context.Context, accountID, strategyID string, pnl float64) error {
	if strategyID == "" {
		return fmt.Errorf("%w: strategy id required", ErrInvalidRequest)
	}
	if err := e.tracker.RecordTradePnL(ctx, accountID, strategyID, pnl); err != nil {
		return err
	}
	if acct := e.wallet(accountID); acct != nil {
		acct.Add(pnl)
	}
	return nil
}

func (e *Impl) ListStrategies(_ context.Context, accountID string) []strategy.State {
	return e.executor.States(accountID)
}

// --- Dry-run equity source ---

func (e *Impl) SetEquity(ctx context.Context, accountID string, u EquityUpdate) (*EquityInfo, error) {
	if e.balances == nil {
		return nil, fmt.Errorf("%w: no dry-run equity source configured", ErrInvalidRequest)
	}
	acct, err := e.balances.GetOrCreate(accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u.Failure != nil {
		if *u.Failure == "" {
			acct.SetFailure(nil)
		} else {
			acct.SetFailure(errors.New(*u.Failure))
		}
	}
	if u.Equity != nil {
		if *u.Equity < 0 {
			return nil, fmt.Errorf("%w: equity must not be negative", ErrInvalidRequest)
		}
		acct.SetInitialBalance(*u.Equity)
	}
	if u.Positions != nil {
		acct.SetPositions(u.Positions)
	}
	return e.GetEquity(ctx, accountID)
}

// --- Circuit breaker ---

func (e *Impl) BreakerStatus(_ context.Context, accountID string) breaker.StatusView {
	return e.breaker.GetStatus(accountID)
}

func (e *Impl) EvaluateBreaker(ctx context.Context, accountID string) (breaker.Status, error) {
	return e.breaker.Evaluate(ctx, accountID)
}

func (e *Impl) ForceResume(ctx context.Context, accountID string) (bool, error) {
	return e.breaker.ForceResume(ctx, accountID)
}

func (e *Impl) BreakerHistory(ctx context.Context, accountID string, limit int) ([]db.BreakerEvent, error) {
	return e.breaker.History(ctx, accountID, limit)
}

func (e *Impl) UpdateBreakerConfig(_ context.Context, patch breaker.ConfigPatch) (breaker.Config, error) {
	cfg, err := e.breaker.UpdateConfig(patch)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return cfg, nil
}

// --- System ---

// Accounts returns the configured accounts plus every account the tracker has seen.
func (e *Impl) Accounts() []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{e.accounts, e.tracker.Accounts()} {
		for _, a := range list {
			if a != "" && !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (e *Impl) GetSystemStatus(_ context.Context) *SystemStatus {
	status := e.meta
	status.Accounts = e.Accounts()
	status.Metrics = e.metrics.Snapshot(len(status.Accounts))
	status.RiskChecks = e.pipeline.Checks()
	if e.balances != nil {
		status.Balances = e.balances.Balances()
	}
	if e.writer != nil {
		stats := e.writer.Stats()
		status.Persistence = &stats
	}
	status.ServerTime = time.Now().UTC()
	return &status
}
