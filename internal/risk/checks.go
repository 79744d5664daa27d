package risk

import (
	"context"
	"math"

	"portfolio-risk/internal/tracker"
	"portfolio-risk/pkg/db"
)

// Check names, in pipeline order.
const (
	CheckParams             = "params"
	CheckEquity             = "equity"
	CheckStopLossDirection  = "stop_loss_direction"
	CheckMaxLossPerTrade    = "max_loss_per_trade"
	CheckRiskPercent        = "risk_percent_per_trade"
	CheckPortfolioRisk      = "total_portfolio_risk"
	CheckStrategyAllocation = "strategy_allocation"
	CheckStrategyConflict   = "strategy_conflict"
	CheckPortfolioDrawdown  = "portfolio_drawdown"
	CheckStrategyDrawdown   = "strategy_drawdown"
	CheckBreakerHalt        = "breaker_halt"
)

// Check is one stage of the pipeline.
type Check interface {
	Name() string
	Run(ctx context.Context, ev *Evaluation) CheckResult
}

// Evaluation is the state shared by the checks of one validation. Earlier
// checks fill in the figures later ones depend on.
type Evaluation struct {
	Params  TradeParams
	Side    Side
	Limits  Limits
	Summary tracker.Summary

	PotentialLoss    float64
	RiskPercent      float64
	PortfolioRiskPct float64
	DrawdownPct      float64
}

// Equity is the account equity from the refreshed summary.
func (ev *Evaluation) Equity() float64 {
	return ev.Summary.Equity
}

func (ev *Evaluation) details() map[string]any {
	return map[string]any{
		"equity":                 ev.Equity(),
		"potential_loss":         ev.PotentialLoss,
		"risk_percent":           ev.RiskPercent,
		"portfolio_risk_percent": ev.PortfolioRiskPct,
		"drawdown_pct":           ev.DrawdownPct,
		"limits":                 ev.Limits,
	}
}

type checkFunc struct {
	name string
	run  func(ctx context.Context, ev *Evaluation) CheckResult
}

func (c checkFunc) Name() string { return c.name }

func (c checkFunc) Run(ctx context.Context, ev *Evaluation) CheckResult { return c.run(ctx, ev) }

// potentialLoss is quantity times the distance to the stop; zero without a stop.
func potentialLoss(p TradeParams) float64 {
	if p.StopLoss == nil {
		return 0
	}
	return p.Quantity * math.Abs(p.EntryPrice-*p.StopLoss)
}

func (p *Pipeline) checkEquity(ctx context.Context, ev *Evaluation) CheckResult {
	summary, err := p.opts.Summaries.GetPortfolioSummary(ctx, ev.Params.AccountID)
	if err != nil {
		return fail(KindPrecondition, nil, "equity unavailable: %v", err)
	}
	if summary.Equity <= 0 {
		return fail(KindPrecondition, map[string]any{"equity": summary.Equity},
			"equity unavailable: account equity is %.2f", summary.Equity)
	}
	ev.Summary = summary
	return pass()
}

func checkStopLossDirection(_ context.Context, ev *Evaluation) CheckResult {
	sl := ev.Params.StopLoss
	if sl == nil {
		return pass()
	}
	entry := ev.Params.EntryPrice
	details := map[string]any{"side": ev.Side, "entry_price": entry, "stop_loss": *sl}
	switch {
	case ev.Side == SideLong && *sl >= entry:
		return fail(KindLimit, details, "invalid stop-loss for long: stop %.2f must be below entry %.2f", *sl, entry)
	case ev.Side == SideShort && *sl <= entry:
		return fail(KindLimit, details, "invalid stop-loss for short: stop %.2f must be above entry %.2f", *sl, entry)
	}
	return pass()
}

func checkMaxLossPerTrade(_ context.Context, ev *Evaluation) CheckResult {
	loss, equity, limit := ev.PotentialLoss, ev.Equity(), ev.Limits.MaxLossPerTradeUSD
	if loss > equity {
		return fail(KindLimit, map[string]any{"potential_loss": loss, "equity": equity},
			"potential loss $%.2f exceeds account equity $%.2f", loss, equity)
	}
	if loss > limit {
		return fail(KindLimit, map[string]any{"potential_loss": loss, "limit": limit},
			"potential loss $%.2f exceeds max per trade $%.2f", loss, limit)
	}
	return pass()
}

func checkRiskPercent(_ context.Context, ev *Evaluation) CheckResult {
	ev.RiskPercent = ev.PotentialLoss / ev.Equity() * 100
	limit := ev.Limits.MaxRiskPercentPerTrade
	if ev.RiskPercent > limit {
		return fail(KindLimit, map[string]any{"risk_percent": ev.RiskPercent, "limit": limit},
			"trade risk %.2f%% of equity exceeds max %.2f%% per trade", ev.RiskPercent, limit)
	}
	return pass()
}

func (p *Pipeline) checkPortfolioRisk(ctx context.Context, ev *Evaluation) CheckResult {
	trades, err := p.listTrades(ctx, ev.Params.AccountID, db.TradeFilter{Statuses: []string{db.TradeStatusActive}})
	if err != nil {
		return fail(KindDependency, nil, "trade ledger unavailable: %v", err)
	}

	var existing float64
	for _, t := range trades {
		if t.StopLoss == nil {
			continue
		}
		existing += t.Quantity * math.Abs(t.EntryPrice-*t.StopLoss)
	}
	total := existing + ev.PotentialLoss
	ev.PortfolioRiskPct = total / ev.Equity() * 100

	limit := ev.Limits.MaxTotalPortfolioRiskPercent
	if ev.PortfolioRiskPct > limit {
		return fail(KindLimit, map[string]any{
			"existing_risk":          existing,
			"total_risk":             total,
			"portfolio_risk_percent": ev.PortfolioRiskPct,
			"limit":                  limit,
		}, "total portfolio risk %.2f%% exceeds max %.2f%%", ev.PortfolioRiskPct, limit)
	}
	return pass()
}

func (p *Pipeline) checkStrategyAllocation(ctx context.Context, ev *Evaluation) CheckResult {
	strategyID := ev.Params.StrategyID
	if strategyID == "" || p.opts.Allocations == nil {
		return pass()
	}
	pct, ok := p.opts.Allocations.Allocation(ev.Params.AccountID, strategyID)
	if !ok {
		return pass()
	}

	trades, err := p.listTrades(ctx, ev.Params.AccountID, db.TradeFilter{
		StrategyID: strategyID,
		Statuses:   []string{db.TradeStatusPending, db.TradeStatusActive},
	})
	if err != nil {
		return fail(KindDependency, nil, "trade ledger unavailable: %v", err)
	}

	var exposure float64
	for _, t := range trades {
		exposure += t.Quantity * t.EntryPrice
	}
	total := exposure + ev.Params.Quantity*ev.Params.EntryPrice
	allowed := ev.Equity() * pct / 100
	if total > allowed {
		return fail(KindLimit, map[string]any{
			"strategy_id":       strategyID,
			"current_exposure":  exposure,
			"total_exposure":    total,
			"allocated_capital": allowed,
			"allocation_pct":    pct,
		}, "strategy %s allocation exceeded: exposure $%.2f exceeds $%.2f (%.1f%% of equity)",
			strategyID, total, allowed, pct)
	}
	return pass()
}

func (p *Pipeline) checkStrategyConflict(ctx context.Context, ev *Evaluation) CheckResult {
	strategyID := ev.Params.StrategyID
	if strategyID == "" {
		return pass()
	}
	trades, err := p.listTrades(ctx, ev.Params.AccountID, db.TradeFilter{
		Symbol:   ev.Params.Symbol,
		Statuses: []string{db.TradeStatusActive},
	})
	if err != nil {
		return fail(KindDependency, nil, "trade ledger unavailable: %v", err)
	}

	opposing := ev.Side.Opposite()
	for _, t := range trades {
		if t.StrategyID == "" || t.StrategyID == strategyID {
			continue
		}
		side, err := ParseSide(t.Side)
		if err != nil || side != opposing {
			continue
		}
		return fail(KindLimit, map[string]any{
			"conflicting_strategy": t.StrategyID,
			"conflicting_side":     side,
			"symbol":               ev.Params.Symbol,
		}, "strategy conflict: %s holds %s on %s", t.StrategyID, side, ev.Params.Symbol)
	}
	return pass()
}

func checkPortfolioDrawdown(_ context.Context, ev *Evaluation) CheckResult {
	peak := ev.Summary.PeakEquity
	if peak <= 0 {
		return pass()
	}
	ev.DrawdownPct = tracker.Drawdown(peak, ev.Equity())
	limit := ev.Limits.MaxPortfolioDrawdownPercent
	if ev.DrawdownPct > limit {
		return fail(KindLimit, map[string]any{
			"peak_equity":  peak,
			"equity":       ev.Equity(),
			"drawdown_pct": ev.DrawdownPct,
			"limit":        limit,
		}, "CIRCUIT BREAKER: portfolio drawdown %.2f%% exceeds max %.2f%%", ev.DrawdownPct, limit)
	}
	return pass()
}

// checkBreakerHalt keeps a tripped breaker visible to callers until it is
// released, including while drawdown sits between the resume and trigger levels.
func (p *Pipeline) checkBreakerHalt(_ context.Context, ev *Evaluation) CheckResult {
	if p.opts.Halts == nil {
		return pass()
	}
	accountID, strategyID := ev.Params.AccountID, ev.Params.StrategyID
	details := map[string]any{"drawdown_pct": ev.DrawdownPct}
	if p.opts.Halts.IsPortfolioHalted(accountID) {
		return fail(KindLimit, details,
			"CIRCUIT BREAKER: account %s is halted at %.2f%% drawdown", accountID, ev.DrawdownPct)
	}
	if strategyID != "" && p.opts.Halts.IsHalted(accountID, strategyID) {
		details["strategy_id"] = strategyID
		return fail(KindLimit, details, "CIRCUIT BREAKER: strategy %s is halted", strategyID)
	}
	return pass()
}

// EvaluateStrategyDrawdown compares a strategy's own drawdown with maxPct.
// A strategy without a performance record has nothing to enforce and passes.
func EvaluateStrategyDrawdown(se tracker.StrategyEquity, found bool, maxPct float64) CheckResult {
	if !found {
		return pass()
	}
	dd := se.DrawdownPct()
	details := map[string]any{
		"strategy_id":    se.StrategyID,
		"peak_equity":    se.PeakEquity,
		"current_equity": se.CurrentEquity,
		"drawdown_pct":   dd,
		"limit":          maxPct,
	}
	if dd > maxPct {
		return fail(KindLimit, details, "strategy %s drawdown %.2f%% exceeds max %.2f%%", se.StrategyID, dd, maxPct)
	}
	return CheckResult{Passed: true, Details: details}
}
