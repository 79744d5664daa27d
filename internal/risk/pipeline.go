package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"portfolio-risk/internal/events"
	"portfolio-risk/internal/monitor"
	"portfolio-risk/internal/tracker"
	"portfolio-risk/pkg/db"
)

// SummarySource provides the canonical per-account snapshot.
type SummarySource interface {
	GetPortfolioSummary(ctx context.Context, accountID string) (tracker.Summary, error)
}

// TradeLedger lists an account's recorded trades.
type TradeLedger interface {
	ListTrades(ctx context.Context, accountID string, f db.TradeFilter) ([]db.Trade, error)
}

// LimitsProvider resolves the limits of an account.
type LimitsProvider interface {
	Limits(accountID string) Limits
}

// AllocationProvider resolves a strategy's allocation percentage. ok is false
// when no allocation is configured, which leaves the strategy uncapped.
type AllocationProvider interface {
	Allocation(accountID, strategyID string) (pct float64, ok bool)
}

// StrategyEquitySource reports a strategy's own equity curve.
type StrategyEquitySource interface {
	StrategyEquity(accountID, strategyID string) (tracker.StrategyEquity, bool)
}

// HaltSource reports circuit breaker halts. An account halt applies to every
// trade on the account; a strategy halt only to that strategy's trades.
type HaltSource interface {
	IsPortfolioHalted(accountID string) bool
	IsHalted(accountID, strategyID string) bool
}

// Options wires the pipeline. Summaries and Ledger are required.
type Options struct {
	Summaries   SummarySource
	Ledger      TradeLedger
	Limits      LimitsProvider
	Allocations AllocationProvider
	Strategies  StrategyEquitySource
	Halts       HaltSource
	Bus         *events.Bus
	Metrics     *monitor.Metrics
	Log         *zap.Logger
	// CallTimeout bounds each ledger query. Defaults to 5s.
	CallTimeout time.Duration
}

// Pipeline runs the ordered trade checks.
type Pipeline struct {
	opts   Options
	checks []Check
	log    *zap.Logger
}

// NewPipeline creates a pipeline with the standard check order: cheap
// arithmetic on the request first, ledger scans last.
func NewPipeline(opts Options) *Pipeline {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Limits == nil {
		opts.Limits = NewLimitsBook(DefaultLimits())
	}
	p := &Pipeline{opts: opts, log: opts.Log.Named("risk")}
	p.checks = []Check{
		checkFunc{CheckEquity, p.checkEquity},
		checkFunc{CheckStopLossDirection, checkStopLossDirection},
		checkFunc{CheckMaxLossPerTrade, checkMaxLossPerTrade},
		checkFunc{CheckRiskPercent, checkRiskPercent},
		checkFunc{CheckPortfolioRisk, p.checkPortfolioRisk},
		checkFunc{CheckStrategyAllocation, p.checkStrategyAllocation},
		checkFunc{CheckStrategyConflict, p.checkStrategyConflict},
		checkFunc{CheckPortfolioDrawdown, checkPortfolioDrawdown},
		checkFunc{CheckBreakerHalt, p.checkBreakerHalt},
	}
	return p
}

// Checks returns the check names in evaluation order.
func (p *Pipeline) Checks() []string {
	names := make([]string, len(p.checks))
	for i, c := range p.checks {
		names[i] = c.Name()
	}
	return names
}

// ValidateTrade runs every check in order and stops at the first failure.
// It never returns an error: dependency failures are reported as a rejected
// result of kind KindDependency.
func (p *Pipeline) ValidateTrade(ctx context.Context, params TradeParams) (res ValidationResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("validation panicked", zap.String("account", params.AccountID), zap.Any("panic", r))
			res = ValidationResult{Kind: KindDependency, Check: "internal", Error: fmt.Sprintf("validation aborted: %v", r)}
		}
		check := res.Check
		if res.Passed {
			check = "all"
		}
		p.opts.Metrics.RecordValidation(check, res.Passed, time.Since(start))
	}()

	ev, bad := p.prepare(params)
	if bad != nil {
		return p.reject(params, CheckParams, *bad)
	}
	for _, c := range p.checks {
		if r := c.Run(ctx, ev); !r.Passed {
			return p.reject(params, c.Name(), r)
		}
	}

	p.log.Debug("trade approved",
		zap.String("account", params.AccountID),
		zap.String("strategy", params.StrategyID),
		zap.String("symbol", params.Symbol),
		zap.Float64("potential_loss", ev.PotentialLoss),
		zap.Float64("risk_percent", ev.RiskPercent))
	return ValidationResult{Passed: true, Details: ev.details()}
}

func (p *Pipeline) prepare(params TradeParams) (*Evaluation, *CheckResult) {
	invalid := func(format string, args ...any) (*Evaluation, *CheckResult) {
		r := fail(KindPrecondition, nil, format, args...)
		return nil, &r
	}
	if params.AccountID == "" {
		return invalid("account id required")
	}
	if strings.TrimSpace(params.Symbol) == "" {
		return invalid("symbol required")
	}
	side, err := ParseSide(params.Side)
	if err != nil {
		return invalid("%v", err)
	}
	if params.Quantity <= 0 || params.EntryPrice <= 0 {
		return invalid("quantity and entry price must be positive")
	}
	return &Evaluation{
		Params:        params,
		Side:          side,
		Limits:        p.opts.Limits.Limits(params.AccountID),
		PotentialLoss: potentialLoss(params),
	}, nil
}

func (p *Pipeline) reject(params TradeParams, check string, r CheckResult) ValidationResult {
	p.log.Info("trade rejected",
		zap.String("account", params.AccountID),
		zap.String("strategy", params.StrategyID),
		zap.String("symbol", params.Symbol),
		zap.String("check", check),
		zap.String("kind", string(r.Kind)),
		zap.String("reason", r.Message))

	p.opts.Bus.Publish(events.EventRiskRejected, events.RejectionMessage{
		AccountID:  params.AccountID,
		StrategyID: params.StrategyID,
		Symbol:     params.Symbol,
		Check:      check,
		Error:      r.Message,
		Details:    r.Details,
	})
	if check == CheckPortfolioDrawdown || check == CheckBreakerHalt {
		p.opts.Bus.Publish(events.EventRiskAlert, monitor.Alert{
			Level:     monitor.LevelCritical,
			AccountID: params.AccountID,
			Message:   r.Message,
			At:        time.Now(),
		})
	}
	return ValidationResult{Error: r.Message, Kind: r.Kind, Check: check, Details: r.Details}
}

func (p *Pipeline) listTrades(ctx context.Context, accountID string, f db.TradeFilter) ([]db.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	defer cancel()
	return p.opts.Ledger.ListTrades(ctx, accountID, f)
}

// CheckStrategyDrawdown compares a strategy's own drawdown with the account's
// MaxStrategyDrawdownPercent.
func (p *Pipeline) CheckStrategyDrawdown(_ context.Context, accountID, strategyID string) CheckResult {
	if p.opts.Strategies == nil {
		return pass()
	}
	se, found := p.opts.Strategies.StrategyEquity(accountID, strategyID)
	return EvaluateStrategyDrawdown(se, found, p.opts.Limits.Limits(accountID).MaxStrategyDrawdownPercent)
}
