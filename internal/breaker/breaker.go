// Package breaker halts and resumes strategies when drawdown crosses the
// configured thresholds, with a lower resume level so trading does not flap
// around the trigger.
package breaker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"portfolio-risk/internal/events"
	"portfolio-risk/internal/monitor"
	"portfolio-risk/internal/risk"
	"portfolio-risk/internal/strategy"
	"portfolio-risk/internal/tracker"
	"portfolio-risk/pkg/cache"
	"portfolio-risk/pkg/db"
	"portfolio-risk/pkg/id"
)

// Reason records why a strategy is halted.
type Reason string

const (
	ReasonPortfolio Reason = "portfolio"
	ReasonStrategy  Reason = "strategy"
)

const (
	scopePortfolio = "portfolio"
	scopeStrategy  = "strategy"
)

// HaltedStrategy is a paused strategy and the reason it was paused.
type HaltedStrategy struct {
	StrategyID  string    `json:"strategy_id"`
	DrawdownPct float64   `json:"drawdown_pct"`
	HaltedAt    time.Time `json:"halted_at"`
	Reason      Reason    `json:"reason"`
}

// Status is the breaker state of one account.
type Status struct {
	AccountID          string           `json:"account_id"`
	PortfolioTriggered bool             `json:"portfolio_triggered"`
	TriggeredAt        *time.Time       `json:"triggered_at,omitempty"`
	DrawdownPct        float64          `json:"drawdown_pct"`
	HaltedStrategies   []HaltedStrategy `json:"halted_strategies"`
	LastEvaluatedAt    *time.Time       `json:"last_evaluated_at,omitempty"`
}

// StatusView is a status together with the thresholds in force.
type StatusView struct {
	Status
	Config Config `json:"config"`
}

// Tracker is the slice of the equity tracker the breaker depends on.
type Tracker interface {
	GetPortfolioSummary(ctx context.Context, accountID string) (tracker.Summary, error)
	StrategyEquity(accountID, strategyID string) (tracker.StrategyEquity, bool)
	ResetPeak(ctx context.Context, accountID string) (float64, error)
}

// Catalog lists the strategies registered on an account.
type Catalog interface {
	ForAccount(accountID string) []strategy.Definition
}

// Executor pauses and resumes strategies. Each call reports whether a
// matching strategy was found.
type Executor interface {
	Pause(ctx context.Context, accountID, strategyID string) (bool, error)
	Resume(ctx context.Context, accountID, strategyID string) (bool, error)
}

// EventStore persists the transition audit trail.
type EventStore interface {
	SaveBreakerEvent(ctx context.Context, e db.BreakerEvent) error
	ListBreakerEvents(ctx context.Context, accountID string, limit int) ([]db.BreakerEvent, error)
}

// Options wires the breaker. Tracker and Catalog are required.
type Options struct {
	Tracker  Tracker
	Catalog  Catalog
	Executor Executor
	Store    EventStore
	// Limits tightens the triggers per account. An account whose drawdown
	// limit is below a trigger trips at that limit.
	Limits   risk.LimitsProvider
	Alerts   monitor.AlertSink
	Bus      *events.Bus
	Metrics  *monitor.Metrics
	Log      *zap.Logger
	Config   Config
	// SideEffectTimeout bounds each executor, alert and store call. Defaults to 5s.
	SideEffectTimeout time.Duration
	Now               func() time.Time
}

// Breaker is the per-account circuit breaker.
type Breaker struct {
	opts     Options
	log      *zap.Logger
	accounts *cache.ShardedMap[*accountState]

	cfgMu sync.RWMutex
	cfg   Config
}

type accountState struct {
	mu sync.Mutex

	triggered     bool
	triggeredAt   *time.Time
	drawdownPct   float64
	halted        map[string]HaltedStrategy
	lastSeq       uint64
	lastEvaluated *time.Time
}

// New creates a breaker. A zero Config selects DefaultConfig.
func New(opts Options) (*Breaker, error) {
	if opts.Config == (Config{}) {
		opts.Config = DefaultConfig()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Breaker{
		opts:     opts,
		log:      opts.Log.Named("breaker"),
		accounts: cache.NewShardedMap[*accountState](),
		cfg:      opts.Config,
	}, nil
}

func (b *Breaker) state(accountID string) *accountState {
	return b.accounts.GetOrCreate(accountID, func() *accountState {
		return &accountState{halted: make(map[string]HaltedStrategy)}
	})
}

// Config returns the live thresholds.
func (b *Breaker) Config() Config {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.cfg
}

// UpdateConfig merges patch into the live thresholds. An invalid result is
// rejected and the previous config stays in force.
func (b *Breaker) UpdateConfig(patch ConfigPatch) (Config, error) {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	next := b.cfg.Merge(patch)
	if err := next.Validate(); err != nil {
		return b.cfg, err
	}
	b.cfg = next
	b.log.Info("config updated",
		zap.Float64("portfolio_drawdown_percent", next.PortfolioDrawdownPercent),
		zap.Float64("auto_resume_percent", next.AutoResumePercent),
		zap.Float64("strategy_drawdown_percent", next.StrategyDrawdownPercent),
		zap.Float64("strategy_auto_resume_percent", next.StrategyAutoResumePercent))
	return next, nil
}

// Evaluate refreshes the account summary and applies it. A failed equity read
// makes no decision: the state is left as it was and the error is returned.
func (b *Breaker) Evaluate(ctx context.Context, accountID string) (Status, error) {
	start := time.Now()
	defer func() { b.opts.Metrics.RecordEvaluation(time.Since(start)) }()

	summary, err := b.opts.Tracker.GetPortfolioSummary(ctx, accountID)
	if err != nil {
		b.log.Warn("evaluation skipped", zap.String("account", accountID), zap.Error(err))
		return b.GetStatus(accountID).Status, fmt.Errorf("evaluate %s: %w", accountID, err)
	}
	b.Observe(ctx, summary)
	return b.GetStatus(accountID).Status, nil
}

// Observe runs the state machine against a summary. Summaries older than the
// last one applied for the account are ignored, and re-applying a summary that
// causes no transition has no side effects.
func (b *Breaker) Observe(ctx context.Context, summary tracker.Summary) {
	st := b.state(summary.AccountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if summary.Seq != 0 && summary.Seq < st.lastSeq {
		return
	}
	st.lastSeq = summary.Seq

	cfg := b.thresholds(summary.AccountID, b.Config())
	now := b.opts.Now()
	defs := b.opts.Catalog.ForAccount(summary.AccountID)
	st.drawdownPct = summary.DrawdownPct
	st.lastEvaluated = &now

	switch {
	case !st.triggered && summary.DrawdownPct > cfg.PortfolioDrawdownPercent:
		b.triggerPortfolioLocked(ctx, st, summary, defs, cfg, now)
	case st.triggered && summary.DrawdownPct <= cfg.AutoResumePercent:
		b.releasePortfolioLocked(ctx, st, summary, defs, cfg, now)
	case st.triggered:
		b.haltNewcomersLocked(ctx, st, summary, defs, now)
	default:
		b.evaluateStrategiesLocked(ctx, st, summary.AccountID, defs, cfg, now)
	}
	b.publishGaugesLocked(summary.AccountID, st)
}

func (b *Breaker) triggerPortfolioLocked(ctx context.Context, st *accountState, summary tracker.Summary, defs []strategy.Definition, cfg Config, now time.Time) {
	accountID := summary.AccountID
	st.triggered = true
	st.triggeredAt = &now

	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		prev, wasHalted := st.halted[d.ID]
		h := HaltedStrategy{StrategyID: d.ID, DrawdownPct: summary.DrawdownPct, HaltedAt: now, Reason: ReasonPortfolio}
		if wasHalted {
			h.HaltedAt = prev.HaltedAt
		} else {
			b.pause(ctx, accountID, d.ID)
		}
		st.halted[d.ID] = h
		ids = append(ids, d.ID)
	}

	msg := fmt.Sprintf("portfolio drawdown %.2f%% exceeds %.2f%%: %d strategies halted",
		summary.DrawdownPct, cfg.PortfolioDrawdownPercent, len(ids))
	b.log.Error("portfolio circuit breaker triggered", zap.String("account", accountID),
		zap.Float64("drawdown_pct", summary.DrawdownPct), zap.Strings("strategies", ids))

	b.broadcast(events.EventBreakerPortfolio, events.BreakerMessage{
		Type: scopePortfolio, Action: events.ActionTriggered, AccountID: accountID,
		DrawdownPct: summary.DrawdownPct, Strategies: ids,
	})
	b.alert(ctx, monitor.Alert{Level: monitor.LevelCritical, AccountID: accountID, Message: "CIRCUIT BREAKER: " + msg, At: now})
	b.record(ctx, accountID, scopePortfolio, "", events.ActionTriggered, summary.DrawdownPct, msg, now)
}

func (b *Breaker) releasePortfolioLocked(ctx context.Context, st *accountState, summary tracker.Summary, defs []strategy.Definition, cfg Config, now time.Time) {
	accountID := summary.AccountID
	st.triggered = false
	st.triggeredAt = nil

	registered := make(map[string]bool, len(defs))
	for _, d := range defs {
		registered[d.ID] = true
	}

	var resumed, kept []string
	for _, sid := range sortedKeys(st.halted) {
		h := st.halted[sid]
		if h.Reason != ReasonPortfolio {
			continue
		}
		se, found := b.opts.Tracker.StrategyEquity(accountID, sid)
		if registered[sid] && !risk.EvaluateStrategyDrawdown(se, found, cfg.StrategyDrawdownPercent).Passed {
			h.Reason = ReasonStrategy
			h.DrawdownPct = se.DrawdownPct()
			st.halted[sid] = h
			kept = append(kept, sid)
			continue
		}
		delete(st.halted, sid)
		b.resume(ctx, accountID, sid)
		resumed = append(resumed, sid)
	}

	msg := fmt.Sprintf("portfolio drawdown recovered to %.2f%% (resume at %.2f%%): %d strategies resumed",
		summary.DrawdownPct, cfg.AutoResumePercent, len(resumed))
	b.log.Info("portfolio circuit breaker released", zap.String("account", accountID),
		zap.Float64("drawdown_pct", summary.DrawdownPct), zap.Strings("resumed", resumed), zap.Strings("still_halted", kept))

	b.broadcast(events.EventBreakerPortfolio, events.BreakerMessage{
		Type: scopePortfolio, Action: events.ActionReleased, AccountID: accountID,
		DrawdownPct: summary.DrawdownPct, Strategies: resumed,
	})
	b.alert(ctx, monitor.Alert{Level: monitor.LevelInfo, AccountID: accountID, Message: msg, At: now})
	b.record(ctx, accountID, scopePortfolio, "", events.ActionReleased, summary.DrawdownPct, msg, now)
}

// haltNewcomersLocked keeps strategies registered after the trigger paused too.
func (b *Breaker) haltNewcomersLocked(ctx context.Context, st *accountState, summary tracker.Summary, defs []strategy.Definition, now time.Time) {
	for _, d := range defs {
		if _, ok := st.halted[d.ID]; ok {
			continue
		}
		st.halted[d.ID] = HaltedStrategy{StrategyID: d.ID, DrawdownPct: summary.DrawdownPct, HaltedAt: now, Reason: ReasonPortfolio}
		b.pause(ctx, summary.AccountID, d.ID)
		b.log.Info("strategy halted under active portfolio breaker",
			zap.String("account", summary.AccountID), zap.String("strategy", d.ID))
	}
}

func (b *Breaker) evaluateStrategiesLocked(ctx context.Context, st *accountState, accountID string, defs []strategy.Definition, cfg Config, now time.Time) {
	for _, d := range defs {
		se, found := b.opts.Tracker.StrategyEquity(accountID, d.ID)
		dd := se.DrawdownPct()
		h, halted := st.halted[d.ID]

		switch {
		case !halted && !risk.EvaluateStrategyDrawdown(se, found, cfg.StrategyDrawdownPercent).Passed:
			st.halted[d.ID] = HaltedStrategy{StrategyID: d.ID, DrawdownPct: dd, HaltedAt: now, Reason: ReasonStrategy}
			b.pause(ctx, accountID, d.ID)

			msg := fmt.Sprintf("strategy %s drawdown %.2f%% exceeds %.2f%%", d.ID, dd, cfg.StrategyDrawdownPercent)
			b.log.Warn("strategy circuit breaker triggered", zap.String("account", accountID),
				zap.String("strategy", d.ID), zap.Float64("drawdown_pct", dd))
			b.broadcast(events.EventBreakerStrategy, events.BreakerMessage{
				Type: scopeStrategy, Action: events.ActionTriggered, AccountID: accountID, StrategyID: d.ID, DrawdownPct: dd,
			})
			b.alert(ctx, monitor.Alert{Level: monitor.LevelWarning, AccountID: accountID, StrategyID: d.ID, Message: msg, At: now})
			b.record(ctx, accountID, scopeStrategy, d.ID, events.ActionTriggered, dd, msg, now)

		case halted && h.Reason == ReasonStrategy && dd <= cfg.StrategyAutoResumePercent:
			delete(st.halted, d.ID)
			b.resume(ctx, accountID, d.ID)

			msg := fmt.Sprintf("strategy %s drawdown recovered to %.2f%%", d.ID, dd)
			b.log.Info("strategy circuit breaker released", zap.String("account", accountID),
				zap.String("strategy", d.ID), zap.Float64("drawdown_pct", dd))
			b.broadcast(events.EventBreakerStrategy, events.BreakerMessage{
				Type: scopeStrategy, Action: events.ActionReleased, AccountID: accountID, StrategyID: d.ID, DrawdownPct: dd,
			})
			b.record(ctx, accountID, scopeStrategy, d.ID, events.ActionReleased, dd, msg, now)

		case halted:
			h.DrawdownPct = dd
			st.halted[d.ID] = h
		}
	}
}

// thresholds returns cfg tightened to the account's drawdown limits. A lowered
// trigger keeps its resume level at the same fraction of the trigger.
func (b *Breaker) thresholds(accountID string, cfg Config) Config {
	if b.opts.Limits == nil {
		return cfg
	}
	l := b.opts.Limits.Limits(accountID)
	cfg.PortfolioDrawdownPercent, cfg.AutoResumePercent =
		tighten(cfg.PortfolioDrawdownPercent, cfg.AutoResumePercent, l.MaxPortfolioDrawdownPercent)
	cfg.StrategyDrawdownPercent, cfg.StrategyAutoResumePercent =
		tighten(cfg.StrategyDrawdownPercent, cfg.StrategyAutoResumePercent, l.MaxStrategyDrawdownPercent)
	return cfg
}

func tighten(trigger, resume, limit float64) (float64, float64) {
	if limit <= 0 || limit >= trigger {
		return trigger, resume
	}
	return limit, resume * limit / trigger
}

// ForceResume clears every halt on the account regardless of drawdown and
// resets the tracked peak to current equity. It returns false when nothing
// was halted.
func (b *Breaker) ForceResume(ctx context.Context, accountID string) (bool, error) {
	st, ok := b.accounts.Get(accountID)
	if !ok {
		return false, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.triggered && len(st.halted) == 0 {
		return false, nil
	}

	ids := sortedKeys(st.halted)
	st.triggered = false
	st.triggeredAt = nil
	st.halted = make(map[string]HaltedStrategy)
	for _, sid := range ids {
		b.resume(ctx, accountID, sid)
	}

	now := b.opts.Now()
	msg := fmt.Sprintf("force resumed by operator: %d strategies resumed", len(ids))
	b.log.Warn("circuit breaker force resumed", zap.String("account", accountID), zap.Strings("strategies", ids))
	b.broadcast(events.EventBreakerPortfolio, events.BreakerMessage{
		Type: scopePortfolio, Action: events.ActionForceResumed, AccountID: accountID,
		DrawdownPct: st.drawdownPct, Strategies: ids,
	})
	b.alert(ctx, monitor.Alert{Level: monitor.LevelWarning, AccountID: accountID, Message: msg, At: now})
	b.record(ctx, accountID, scopePortfolio, "", events.ActionForceResumed, st.drawdownPct, msg, now)

	peak, err := b.opts.Tracker.ResetPeak(ctx, accountID)
	if err != nil {
		b.publishGaugesLocked(accountID, st)
		return true, fmt.Errorf("reset peak: %w", err)
	}
	st.drawdownPct = 0
	b.log.Info("peak equity reset after force resume", zap.String("account", accountID), zap.Float64("peak_equity", peak))
	b.publishGaugesLocked(accountID, st)
	return true, nil
}

// GetStatus returns the account's breaker state and the thresholds in force
// for it. It has no side effects.
func (b *Breaker) GetStatus(accountID string) StatusView {
	view := StatusView{
		Status: Status{AccountID: accountID, HaltedStrategies: []HaltedStrategy{}},
		Config: b.thresholds(accountID, b.Config()),
	}
	st, ok := b.accounts.Get(accountID)
	if !ok {
		return view
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	view.PortfolioTriggered = st.triggered
	view.TriggeredAt = copyTime(st.triggeredAt)
	view.DrawdownPct = st.drawdownPct
	view.LastEvaluatedAt = copyTime(st.lastEvaluated)
	for _, sid := range sortedKeys(st.halted) {
		view.HaltedStrategies = append(view.HaltedStrategies, st.halted[sid])
	}
	return view
}

// IsHalted reports whether a strategy is currently paused by the breaker.
func (b *Breaker) IsHalted(accountID, strategyID string) bool {
	st, ok := b.accounts.Get(accountID)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	_, halted := st.halted[strategyID]
	return halted
}

// IsPortfolioHalted reports whether the account-wide breaker is tripped.
func (b *Breaker) IsPortfolioHalted(accountID string) bool {
	st, ok := b.accounts.Get(accountID)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.triggered
}

// History returns the newest recorded transitions for the account.
func (b *Breaker) History(ctx context.Context, accountID string, limit int) ([]db.BreakerEvent, error) {
	if b.opts.Store == nil {
		return []db.BreakerEvent{}, nil
	}
	return b.opts.Store.ListBreakerEvents(ctx, accountID, limit)
}

func (b *Breaker) pause(ctx context.Context, accountID, strategyID string) {
	if b.opts.Executor == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, b.opts.SideEffectTimeout)
	defer cancel()
	found, err := b.opts.Executor.Pause(cctx, accountID, strategyID)
	if err != nil {
		b.opts.Metrics.RecordSideEffectFailure("pause")
		b.log.Error("pause failed", zap.String("account", accountID), zap.String("strategy", strategyID), zap.Error(err))
		return
	}
	if !found {
		b.log.Debug("pause found no running strategy", zap.String("account", accountID), zap.String("strategy", strategyID))
	}
}

func (b *Breaker) resume(ctx context.Context, accountID, strategyID string) {
	if b.opts.Executor == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, b.opts.SideEffectTimeout)
	defer cancel()
	found, err := b.opts.Executor.Resume(cctx, accountID, strategyID)
	if err != nil {
		b.opts.Metrics.RecordSideEffectFailure("resume")
		b.log.Error("resume failed", zap.String("account", accountID), zap.String("strategy", strategyID), zap.Error(err))
		return
	}
	if !found {
		b.log.Debug("resume found no paused strategy", zap.String("account", accountID), zap.String("strategy", strategyID))
	}
}

func (b *Breaker) broadcast(topic events.Event, msg events.BreakerMessage) {
	b.opts.Bus.Publish(topic, msg)
	b.opts.Metrics.RecordBreakerEvent(msg.Type, string(msg.Action))
}

func (b *Breaker) alert(ctx context.Context, a monitor.Alert) {
	if b.opts.Alerts == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, b.opts.SideEffectTimeout)
	defer cancel()
	if err := b.opts.Alerts.Send(cctx, a); err != nil {
		b.opts.Metrics.RecordSideEffectFailure("alert")
		b.log.Warn("alert failed", zap.String("account", a.AccountID), zap.Error(err))
	}
}

func (b *Breaker) record(ctx context.Context, accountID, scope, strategyID string, action events.BreakerAction, dd float64, msg string, now time.Time) {
	if b.opts.Store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, b.opts.SideEffectTimeout)
	defer cancel()
	err := b.opts.Store.SaveBreakerEvent(cctx, db.BreakerEvent{
		ID:          id.NewAt(now),
		AccountID:   accountID,
		Scope:       scope,
		StrategyID:  strategyID,
		Action:      string(action),
		DrawdownPct: dd,
		Message:     msg,
		CreatedAt:   now,
	})
	if err != nil {
		b.opts.Metrics.RecordSideEffectFailure("record")
		b.log.Error("breaker event not recorded", zap.String("account", accountID), zap.Error(err))
	}
}

func (b *Breaker) publishGaugesLocked(accountID string, st *accountState) {
	b.opts.Metrics.SetBreakerState(accountID, st.triggered, len(st.halted))
}

func sortedKeys(m map[string]HaltedStrategy) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
