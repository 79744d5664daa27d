package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"portfolio-risk/internal/events"
	"portfolio-risk/internal/monitor"
	"portfolio-risk/pkg/cache"
	"portfolio-risk/pkg/db"
)

const dayLayout = "2006-01-02"

// Options wires the tracker's collaborators. Equity and Catalog are required.
type Options struct {
	Equity    EquitySource
	Positions PositionSource
	Store     Store
	Catalog   Catalog
	Activity  ActivityChecker
	Bus       *events.Bus
	Metrics   *monitor.Metrics
	Log       *zap.Logger

	// CallTimeout bounds every collaborator call. Defaults to 5s.
	CallTimeout time.Duration
	// Now is the clock; defaults to time.Now. Day boundaries are taken in UTC.
	Now func() time.Time
}

// Tracker is the registry of per-account risk state.
type Tracker struct {
	opts     Options
	accounts *cache.ShardedMap[*accountState]
	log      *zap.Logger
}

// accountState is owned by one account; every read-modify-write happens under mu.
type accountState struct {
	mu sync.Mutex

	seeded           bool
	equity           float64
	peakEquity       float64
	dailyRealizedPnL float64
	day              string
	seq              uint64
	strategies       map[string]*strategyPerf
}

type strategyPerf struct {
	// based is false until the strategy has a capital base to measure
	// drawdown against; such a strategy reports no equity curve.
	based      bool
	base       float64
	totalPnL   float64
	unrealized float64
	peak       float64
	day        string
	dailyPnL   float64
	wins       int
	losses     int
	maxDD      float64

	// Welford accumulators over per-trade P&L for the Sharpe ratio.
	n    int
	mean float64
	m2   float64
}

// New creates a tracker.
func New(opts Options) *Tracker {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Tracker{
		opts:     opts,
		accounts: cache.NewShardedMap[*accountState](),
		log:      opts.Log.Named("tracker"),
	}
}

func (t *Tracker) state(accountID string) *accountState {
	return t.accounts.GetOrCreate(accountID, func() *accountState {
		return &accountState{strategies: make(map[string]*strategyPerf)}
	})
}

func (t *Tracker) today() string {
	return t.opts.Now().UTC().Format(dayLayout)
}

// rolloverLocked resets the daily bucket when the UTC date has changed.
func (s *accountState) rolloverLocked(today string) {
	if s.day == today {
		return
	}
	s.day = today
	s.dailyRealizedPnL = 0
}

// ensureSeeded restores peak equity and strategy performance from the store the
// first time an account is touched. A store failure is returned so callers fail
// closed instead of trading against a lost peak.
func (t *Tracker) ensureSeeded(ctx context.Context, accountID string, s *accountState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded {
		return nil
	}
	if t.opts.Store == nil {
		s.seeded = true
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, t.opts.CallTimeout)
	defer cancel()

	snap, err := t.opts.Store.LatestEquitySnapshot(cctx, accountID)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load equity snapshot: %w", err)
	default:
		s.peakEquity = math.Max(s.peakEquity, snap.PeakEquity)
		if s.equity == 0 {
			s.equity = snap.Equity
		}
	}

	perf, err := t.opts.Store.LatestStrategyPerformance(cctx, accountID)
	if err != nil {
		return fmt.Errorf("load strategy performance: %w", err)
	}
	today := t.today()
	s.rolloverLocked(today)
	for _, p := range perf {
		sp := &strategyPerf{
			based:    p.BaseEquity > 0,
			base:     p.BaseEquity,
			totalPnL: p.TotalPnL,
			peak:     p.PeakEquity,
			day:      p.Day,
			wins:     p.WinCount,
			losses:   p.LossCount,
			maxDD:    p.MaxDrawdown,
		}
		if p.Day == today {
			sp.dailyPnL = p.DailyPnL
			s.dailyRealizedPnL += p.DailyPnL
		}
		s.strategies[p.StrategyID] = sp
	}

	s.seeded = true
	t.log.Debug("account seeded", zap.String("account", accountID),
		zap.Float64("peak_equity", s.peakEquity), zap.Int("strategies", len(perf)))
	return nil
}

// fetchEquity calls the equity source under the call timeout.
func (t *Tracker) fetchEquity(ctx context.Context, accountID string) (float64, error) {
	cctx, cancel := context.WithTimeout(ctx, t.opts.CallTimeout)
	defer cancel()

	equity, err := t.opts.Equity.GetTotalEquity(cctx, accountID)
	if err != nil {
		t.opts.Metrics.RecordEquityError(accountID)
		return 0, fmt.Errorf("%w: %v", ErrEquityUnavailable, err)
	}
	return equity, nil
}

// GetEquity fetches the account's equity and raises the peak when exceeded.
// On a failed fetch the stored equity and peak are left untouched.
func (t *Tracker) GetEquity(ctx context.Context, accountID string) (float64, error) {
	s := t.state(accountID)
	if err := t.ensureSeeded(ctx, accountID, s); err != nil {
		return 0, err
	}
	equity, err := t.fetchEquity(ctx, accountID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	t.applyEquityLocked(s, equity)
	peak := s.peakEquity
	s.mu.Unlock()

	t.opts.Metrics.ObserveEquity(accountID, equity, peak, Drawdown(peak, equity))
	return equity, nil
}

func (t *Tracker) applyEquityLocked(s *accountState, equity float64) {
	s.rolloverLocked(t.today())
	s.equity = equity
	if equity > s.peakEquity {
		s.peakEquity = equity
	}
	s.seq++
}

// GetPeakEquity returns the last known peak without a network call.
func (t *Tracker) GetPeakEquity(accountID string) float64 {
	s, ok := t.accounts.Get(accountID)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peakEquity
}

// GetAllocatedCapital returns equity*targetPct/100 for a registered strategy with
// a configured allocation and 0 for anything else.
func (t *Tracker) GetAllocatedCapital(ctx context.Context, accountID, strategyID string) (float64, error) {
	def, ok := t.opts.Catalog.Lookup(accountID, strategyID)
	if !ok || def.AllocationPct == nil {
		return 0, nil
	}
	equity, err := t.GetEquity(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return equity * *def.AllocationPct / 100, nil
}

// RecordTradePnL adds a realized result to the daily bucket and the strategy's
// performance. Memory is updated before returning; a failed write to the
// store is logged and never rolls the update back.
func (t *Tracker) RecordTradePnL(ctx context.Context, accountID, strategyID string, pnl float64) error {
	if accountID == "" {
		return db.ErrAccountIDRequired
	}
	s := t.state(accountID)
	if err := t.ensureSeeded(ctx, accountID, s); err != nil {
		t.log.Warn("recording pnl without seeded history", zap.String("account", accountID), zap.Error(err))
	}

	s.mu.Lock()
	sp, ok := s.strategies[strategyID]
	needBase := (!ok || !sp.based) && s.equity == 0
	s.mu.Unlock()
	if needBase {
		// A strategy's curve starts from a share of equity; read it once so
		// the first result is not measured against a zero base.
		if _, err := t.GetEquity(ctx, accountID); err != nil {
			t.log.Warn("strategy base deferred", zap.String("account", accountID),
				zap.String("strategy", strategyID), zap.Error(err))
		}
	}

	now := t.opts.Now()
	today := now.UTC().Format(dayLayout)
	allocPct, allocated := t.allocation(accountID, strategyID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked(today)
	s.dailyRealizedPnL += pnl

	sp, ok = s.strategies[strategyID]
	if !ok {
		sp = &strategyPerf{}
		s.strategies[strategyID] = sp
	}
	if !sp.based {
		sp.rebase(strategyBase(s.equity, allocPct, allocated))
	}
	sp.record(pnl, today)
	row := db.StrategyPerformance{
		AccountID:            accountID,
		StrategyID:           strategyID,
		Day:                  sp.day,
		DailyPnL:             sp.dailyPnL,
		TotalPnL:             sp.totalPnL,
		WinCount:             sp.wins,
		LossCount:            sp.losses,
		MaxDrawdown:          sp.maxDD,
		SharpeRatio:          sp.sharpe(),
		CurrentAllocationPct: allocPct,
		BaseEquity:           sp.base,
		PeakEquity:           sp.peak,
		IsActive:             t.isActive(accountID, strategyID),
		CreatedAt:            now,
	}

	t.opts.Metrics.RecordPnL(accountID, strategyID, pnl)
	t.log.Info("trade pnl recorded", zap.String("account", accountID), zap.String("strategy", strategyID),
		zap.Float64("pnl", pnl), zap.Float64("daily_realized_pnl", s.dailyRealizedPnL))

	t.persistLocked(func(ctx context.Context) error {
		return t.opts.Store.SaveStrategyPerformance(ctx, row)
	}, "strategy performance", accountID)
	return nil
}

func (t *Tracker) allocation(accountID, strategyID string) (float64, bool) {
	def, ok := t.opts.Catalog.Lookup(accountID, strategyID)
	if !ok || def.AllocationPct == nil {
		return 0, false
	}
	return *def.AllocationPct, true
}

// strategyBase is the capital a strategy's drawdown is measured against: its
// allocated share of equity, or the whole account when it has no allocation.
func strategyBase(equity, allocPct float64, allocated bool) float64 {
	if !allocated {
		return equity
	}
	return equity * allocPct / 100
}

// rebase starts the strategy's curve from base, carrying results recorded so
// far. A non-positive base leaves the strategy without a curve.
func (sp *strategyPerf) rebase(base float64) {
	if base <= 0 {
		return
	}
	sp.based = true
	sp.base = base
	sp.peak = sp.current()
	sp.maxDD = 0
}

func (sp *strategyPerf) record(pnl float64, today string) {
	if sp.day != today {
		sp.day = today
		sp.dailyPnL = 0
	}
	sp.dailyPnL += pnl
	sp.totalPnL += pnl
	switch {
	case pnl > 0:
		sp.wins++
	case pnl < 0:
		sp.losses++
	}

	sp.n++
	delta := pnl - sp.mean
	sp.mean += delta / float64(sp.n)
	sp.m2 += delta * (pnl - sp.mean)

	sp.mark()
}

// mark raises the strategy peak and the max drawdown after a change in equity.
func (sp *strategyPerf) mark() {
	if !sp.based {
		return
	}
	current := sp.current()
	if current > sp.peak {
		sp.peak = current
	}
	if dd := Drawdown(sp.peak, current); dd > sp.maxDD {
		sp.maxDD = dd
	}
}

func (sp *strategyPerf) current() float64 {
	return sp.base + sp.totalPnL + sp.unrealized
}

// sharpe is the per-trade mean over sample standard deviation of realized P&L.
func (sp *strategyPerf) sharpe() float64 {
	if sp.n < 2 {
		return 0
	}
	std := math.Sqrt(sp.m2 / float64(sp.n-1))
	if std == 0 {
		return 0
	}
	return sp.mean / std
}

func (sp *strategyPerf) view(strategyID, today string) StrategyEquity {
	daily := sp.dailyPnL
	if sp.day != today {
		daily = 0
	}
	return StrategyEquity{
		StrategyID:     strategyID,
		BaseEquity:     sp.base,
		PeakEquity:     sp.peak,
		CurrentEquity:  sp.current(),
		TotalPnL:       sp.totalPnL,
		DailyPnL:       daily,
		WinCount:       sp.wins,
		LossCount:      sp.losses,
		MaxDrawdownPct: sp.maxDD,
		SharpeRatio:    sp.sharpe(),
	}
}

// StrategyEquity returns a strategy's own equity curve. ok is false until the
// strategy has recorded a result against a known capital base.
func (t *Tracker) StrategyEquity(accountID, strategyID string) (StrategyEquity, bool) {
	s, ok := t.accounts.Get(accountID)
	if !ok {
		return StrategyEquity{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.strategies[strategyID]
	if !ok || !sp.based {
		return StrategyEquity{}, false
	}
	return sp.view(strategyID, t.today()), true
}

// GetPortfolioSummary is the single call that refreshes equity, updates the
// peak and recomputes drawdown, so every consumer observes the same snapshot.
func (t *Tracker) GetPortfolioSummary(ctx context.Context, accountID string) (Summary, error) {
	s := t.state(accountID)
	if err := t.ensureSeeded(ctx, accountID, s); err != nil {
		return Summary{}, err
	}
	equity, err := t.fetchEquity(ctx, accountID)
	if err != nil {
		return Summary{}, err
	}
	positions := t.fetchPositions(ctx, accountID)
	defs := t.opts.Catalog.ForAccount(accountID)
	now := t.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	t.applyEquityLocked(s, equity)

	allocations := make([]StrategyAllocation, 0, len(defs))
	for _, d := range defs {
		a := StrategyAllocation{
			StrategyID: d.ID,
			Name:       d.Name,
			IsActive:   t.isActive(accountID, d.ID),
		}
		if d.AllocationPct != nil {
			a.TargetPct = *d.AllocationPct
			a.CurrentEquity = equity * a.TargetPct / 100
		}
		for _, p := range positions {
			if d.Trades(p.Symbol) {
				a.PositionCount++
				a.UnrealizedPnL += p.UnrealizedPnL
			}
		}
		if sp, ok := s.strategies[d.ID]; ok {
			if !sp.based {
				sp.rebase(strategyBase(equity, a.TargetPct, d.AllocationPct != nil))
			}
			sp.unrealized = a.UnrealizedPnL
			sp.mark()
		}
		allocations = append(allocations, a)
	}

	summary := Summary{
		AccountID:           accountID,
		Equity:              s.equity,
		PeakEquity:          s.peakEquity,
		DrawdownPct:         Drawdown(s.peakEquity, s.equity),
		DailyRealizedPnL:    s.dailyRealizedPnL,
		Positions:           positions,
		StrategyAllocations: allocations,
		AsOf:                now,
		Seq:                 s.seq,
	}

	t.opts.Metrics.ObserveEquity(accountID, summary.Equity, summary.PeakEquity, summary.DrawdownPct)
	t.opts.Bus.Publish(events.EventEquityRefreshed, summary)

	snap := db.EquitySnapshot{
		AccountID:        accountID,
		Equity:           summary.Equity,
		PeakEquity:       summary.PeakEquity,
		DrawdownPct:      summary.DrawdownPct,
		DailyRealizedPnL: summary.DailyRealizedPnL,
		CreatedAt:        now,
	}
	t.persistLocked(func(ctx context.Context) error {
		return t.opts.Store.SaveEquitySnapshot(ctx, snap)
	}, "equity snapshot", accountID)

	return summary, nil
}

func (t *Tracker) fetchPositions(ctx context.Context, accountID string) []Position {
	if t.opts.Positions == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, t.opts.CallTimeout)
	defer cancel()
	positions, err := t.opts.Positions.GetPositions(cctx, accountID)
	if err != nil {
		t.log.Warn("positions unavailable", zap.String("account", accountID), zap.Error(err))
		return nil
	}
	return positions
}

// ResetPeak lowers the peak to the last known equity. It is reserved for an
// operator's force-resume and is persisted so a restart does not restore the old peak.
func (t *Tracker) ResetPeak(ctx context.Context, accountID string) (float64, error) {
	s := t.state(accountID)
	if err := t.ensureSeeded(ctx, accountID, s); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.peakEquity = s.equity
	s.seq++
	snap := db.EquitySnapshot{
		AccountID:        accountID,
		Equity:           s.equity,
		PeakEquity:       s.peakEquity,
		DailyRealizedPnL: s.dailyRealizedPnL,
		CreatedAt:        t.opts.Now(),
	}

	t.log.Warn("peak equity reset", zap.String("account", accountID), zap.Float64("peak_equity", snap.PeakEquity))
	t.persistLocked(func(ctx context.Context) error {
		return t.opts.Store.SaveEquitySnapshot(ctx, snap)
	}, "peak reset snapshot", accountID)
	return snap.PeakEquity, nil
}

// Accounts lists every account the tracker has seen.
func (t *Tracker) Accounts() []string {
	return t.accounts.Keys()
}

// CleanupIdle evicts accounts that have not been touched within ttl.
func (t *Tracker) CleanupIdle(ttl time.Duration) int {
	return t.accounts.CleanupIdle(ttl)
}

func (t *Tracker) isActive(accountID, strategyID string) bool {
	if t.opts.Activity == nil {
		return true
	}
	return t.opts.Activity.IsActive(accountID, strategyID)
}

// persistLocked hands a row to the store while the account lock is held, so
// rows reach the store in the order the state changed.
func (t *Tracker) persistLocked(write func(ctx context.Context) error, what, accountID string) {
	if t.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.CallTimeout)
	defer cancel()
	if err := write(ctx); err != nil {
		t.log.Error("persist failed", zap.String("what", what), zap.String("account", accountID), zap.Error(err))
	}
}
