package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"portfolio-risk/internal/events"
	"portfolio-risk/internal/monitor"
	"portfolio-risk/internal/persistence"
	"portfolio-risk/internal/risk"
	"portfolio-risk/internal/strategy"
	"portfolio-risk/internal/tracker"
	"portfolio-risk/pkg/db"
)

type equitySource struct {
	mu     sync.Mutex
	equity float64
	err    error
}

func (e *equitySource) set(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.equity, e.err = v, nil
}

func (e *equitySource) GetTotalEquity(context.Context, string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equity, e.err
}

type failingExecutor struct{}

func (failingExecutor) Pause(context.Context, string, string) (bool, error) {
	return false, errors.New("executor unreachable")
}

func (failingExecutor) Resume(context.Context, string, string) (bool, error) {
	return false, errors.New("executor unreachable")
}

type harness struct {
	breaker  *Breaker
	tracker  *tracker.Tracker
	equity   *equitySource
	executor *strategy.Executor
	bus      *events.Bus
}

func pct(v float64) *float64 { return &v }

func newHarness(t *testing.T, exec Executor) *harness {
	t.Helper()
	return newHarnessWithLimits(t, exec, nil)
}

func newHarnessWithLimits(t *testing.T, exec Executor, limits risk.LimitsProvider) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	writer := persistence.NewBatchWriter(database.DB, 100, time.Hour, zap.NewNop())
	recorder := persistence.NewRecorder(database.Queries(), writer)

	registry := strategy.NewRegistry()
	registry.Register(strategy.Definition{ID: "trend", Name: "Trend", Symbols: []string{"BTCUSDT"}, AllocationPct: pct(40)})
	registry.Register(strategy.Definition{ID: "grid", Name: "Grid", Symbols: []string{"ETHUSDT"}})
	executor := strategy.NewExecutor(registry, nil)
	if exec == nil {
		exec = executor
	}

	h := &harness{equity: &equitySource{}, executor: executor, bus: events.NewBus()}
	h.tracker = tracker.New(tracker.Options{
		Equity:   h.equity,
		Store:    recorder,
		Catalog:  registry,
		Activity: executor,
	})
	h.breaker, err = New(Options{
		Tracker:  h.tracker,
		Catalog:  registry,
		Executor: exec,
		Store:    recorder,
		Limits:   limits,
		Alerts:   monitor.NewLogSink(zap.NewNop()),
		Bus:      h.bus,
		Metrics:  monitor.NewMetrics(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		writer.Close()
		database.Close()
	})
	return h
}

func (h *harness) evaluateAt(t *testing.T, equity float64) Status {
	t.Helper()
	h.equity.set(equity)
	st, err := h.breaker.Evaluate(context.Background(), "acct")
	require.NoError(t, err)
	return st
}

func reasons(st Status) map[string]Reason {
	out := make(map[string]Reason, len(st.HaltedStrategies))
	for _, h := range st.HaltedStrategies {
		out[h.StrategyID] = h.Reason
	}
	return out
}

func drain(ch <-chan events.Envelope) int {
	n := 0
	for {
		select {
		case <-ch:
			n++
		case <-time.After(50 * time.Millisecond):
			return n
		}
	}
}

func TestPortfolioHysteresis(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	stream, unsub := h.bus.SubscribeMany([]events.Event{events.EventBreakerPortfolio, events.EventBreakerStrategy}, 16)
	defer unsub()

	st := h.evaluateAt(t, 100000)
	assert.False(t, st.PortfolioTriggered)
	assert.Empty(t, st.HaltedStrategies)

	st = h.evaluateAt(t, 70000)
	require.True(t, st.PortfolioTriggered)
	require.NotNil(t, st.TriggeredAt)
	assert.InDelta(t, 30.0, st.DrawdownPct, 1e-9)
	assert.Equal(t, map[string]Reason{"grid": ReasonPortfolio, "trend": ReasonPortfolio}, reasons(st))
	assert.False(t, h.executor.IsActive("acct", "trend"))
	assert.False(t, h.executor.IsActive("acct", "grid"))
	assert.Equal(t, 1, drain(stream))

	// Dead zone between resume and trigger thresholds.
	st = h.evaluateAt(t, 85000)
	assert.True(t, st.PortfolioTriggered)
	assert.Len(t, st.HaltedStrategies, 2)
	assert.Equal(t, 0, drain(stream))

	// Re-evaluating at the same level is idempotent.
	st = h.evaluateAt(t, 70000)
	assert.True(t, st.PortfolioTriggered)
	assert.Equal(t, 0, drain(stream))

	st = h.evaluateAt(t, 95000)
	assert.False(t, st.PortfolioTriggered)
	assert.Nil(t, st.TriggeredAt)
	assert.Empty(t, st.HaltedStrategies)
	assert.True(t, h.executor.IsActive("acct", "trend"))
	assert.True(t, h.executor.IsActive("acct", "grid"))
	assert.Equal(t, 1, drain(stream))

	history, err := h.breaker.History(ctx, "acct", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "released", history[0].Action)
	assert.Equal(t, "triggered", history[1].Action)
	assert.Len(t, history[0].ID, 26)
}

func TestForceResumeNoop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	resumed, err := h.breaker.ForceResume(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, resumed)

	before := h.evaluateAt(t, 100000)
	resumed, err = h.breaker.ForceResume(ctx, "acct")
	require.NoError(t, err)
	assert.False(t, resumed)

	after := h.breaker.GetStatus("acct").Status
	assert.Equal(t, before, after)
}

func TestForceResumeClearsHaltAndResetsPeak(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.evaluateAt(t, 100000)
	require.True(t, h.evaluateAt(t, 70000).PortfolioTriggered)

	resumed, err := h.breaker.ForceResume(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, resumed)

	st := h.breaker.GetStatus("acct")
	assert.False(t, st.PortfolioTriggered)
	assert.Empty(t, st.HaltedStrategies)
	assert.True(t, h.executor.IsActive("acct", "trend"))
	assert.Equal(t, 70000.0, h.tracker.GetPeakEquity("acct"))

	// The reset peak keeps the next evaluation from re-triggering.
	st2 := h.evaluateAt(t, 70000)
	assert.False(t, st2.PortfolioTriggered)
	assert.Equal(t, 0.0, st2.DrawdownPct)

	history, err := h.breaker.History(ctx, "acct", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "force_resumed", history[0].Action)
}

func TestStrategyHaltAndRecovery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.evaluateAt(t, 100000)
	require.NoError(t, h.tracker.RecordTradePnL(ctx, "acct", "trend", -8000)) // 40000 -> 32000

	st := h.evaluateAt(t, 100000)
	assert.False(t, st.PortfolioTriggered)
	require.Len(t, st.HaltedStrategies, 1)
	assert.Equal(t, "trend", st.HaltedStrategies[0].StrategyID)
	assert.Equal(t, ReasonStrategy, st.HaltedStrategies[0].Reason)
	assert.InDelta(t, 20.0, st.HaltedStrategies[0].DrawdownPct, 1e-9)
	assert.False(t, h.executor.IsActive("acct", "trend"))
	assert.True(t, h.executor.IsActive("acct", "grid"))
	assert.True(t, h.breaker.IsHalted("acct", "trend"))

	// 12.5% is between the strategy thresholds.
	require.NoError(t, h.tracker.RecordTradePnL(ctx, "acct", "trend", 3000))
	st = h.evaluateAt(t, 100000)
	require.Len(t, st.HaltedStrategies, 1)
	assert.InDelta(t, 12.5, st.HaltedStrategies[0].DrawdownPct, 1e-9)

	// 5% is below the strategy resume threshold.
	require.NoError(t, h.tracker.RecordTradePnL(ctx, "acct", "trend", 3000))
	st = h.evaluateAt(t, 100000)
	assert.Empty(t, st.HaltedStrategies)
	assert.True(t, h.executor.IsActive("acct", "trend"))
}

func TestPortfolioReleaseKeepsStrategyInBreach(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.evaluateAt(t, 100000)
	require.NoError(t, h.tracker.RecordTradePnL(ctx, "acct", "trend", -8000))
	require.Equal(t, ReasonStrategy, reasons(h.evaluateAt(t, 100000))["trend"])

	st := h.evaluateAt(t, 70000)
	require.True(t, st.PortfolioTriggered)
	assert.Equal(t, map[string]Reason{"grid": ReasonPortfolio, "trend": ReasonPortfolio}, reasons(st))

	st = h.evaluateAt(t, 95000)
	assert.False(t, st.PortfolioTriggered)
	assert.Equal(t, map[string]Reason{"trend": ReasonStrategy}, reasons(st))
	assert.False(t, h.executor.IsActive("acct", "trend"))
	assert.True(t, h.executor.IsActive("acct", "grid"))
}

func TestEquityFailureMakesNoDecision(t *testing.T) {
	h := newHarness(t, nil)

	h.evaluateAt(t, 100000)
	require.True(t, h.evaluateAt(t, 70000).PortfolioTriggered)

	h.equity.mu.Lock()
	h.equity.err = errors.New("exchange timeout")
	h.equity.mu.Unlock()

	st, err := h.breaker.Evaluate(context.Background(), "acct")
	assert.ErrorIs(t, err, tracker.ErrEquityUnavailable)
	assert.True(t, st.PortfolioTriggered)
	assert.Len(t, st.HaltedStrategies, 2)
}

func TestObserveIgnoresStaleSummaries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.breaker.Observe(ctx, tracker.Summary{AccountID: "acct", DrawdownPct: 30, Seq: 5})
	require.True(t, h.breaker.GetStatus("acct").PortfolioTriggered)

	h.breaker.Observe(ctx, tracker.Summary{AccountID: "acct", DrawdownPct: 0, Seq: 3})
	assert.True(t, h.breaker.GetStatus("acct").PortfolioTriggered)

	h.breaker.Observe(ctx, tracker.Summary{AccountID: "acct", DrawdownPct: 0, Seq: 6})
	assert.False(t, h.breaker.GetStatus("acct").PortfolioTriggered)
}

func TestSideEffectFailureStillRecordsState(t *testing.T) {
	h := newHarness(t, failingExecutor{})

	h.evaluateAt(t, 100000)
	st := h.evaluateAt(t, 60000)
	assert.True(t, st.PortfolioTriggered)
	assert.Len(t, st.HaltedStrategies, 2)
}

func TestUpdateConfig(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.breaker.UpdateConfig(ConfigPatch{AutoResumePercent: pct(30)})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, DefaultConfig(), h.breaker.Config())

	cfg, err := h.breaker.UpdateConfig(ConfigPatch{PortfolioDrawdownPercent: pct(20)})
	require.NoError(t, err)
	assert.Equal(t, 20.0, cfg.PortfolioDrawdownPercent)
	assert.Equal(t, 10.0, cfg.AutoResumePercent)
	assert.Equal(t, cfg, h.breaker.GetStatus("acct").Config)

	h.evaluateAt(t, 100000)
	assert.True(t, h.evaluateAt(t, 78000).PortfolioTriggered)
}

func TestAccountLimitTightensPortfolioTrigger(t *testing.T) {
	book := risk.NewLimitsBook(risk.DefaultLimits())
	book.SetAccount("acct", risk.LimitOverrides{MaxPortfolioDrawdownPercent: pct(10)})
	h := newHarnessWithLimits(t, nil, book)
	ctx := context.Background()

	cfg := h.breaker.GetStatus("acct").Config
	assert.Equal(t, 10.0, cfg.PortfolioDrawdownPercent)
	assert.Equal(t, 4.0, cfg.AutoResumePercent)
	assert.Equal(t, DefaultConfig(), h.breaker.GetStatus("other").Config)

	h.evaluateAt(t, 100000)
	st := h.evaluateAt(t, 88000)
	require.True(t, st.PortfolioTriggered)
	assert.True(t, h.breaker.IsPortfolioHalted("acct"))

	history, err := h.breaker.History(ctx, "acct", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Message, "exceeds 10.00%")

	assert.True(t, h.evaluateAt(t, 95000).PortfolioTriggered)
	assert.False(t, h.evaluateAt(t, 97000).PortfolioTriggered)
	assert.False(t, h.breaker.IsPortfolioHalted("acct"))
}

func TestAccountLimitTightensStrategyTrigger(t *testing.T) {
	book := risk.NewLimitsBook(risk.DefaultLimits())
	book.SetAccount("acct", risk.LimitOverrides{MaxStrategyDrawdownPercent: pct(10)})
	h := newHarnessWithLimits(t, nil, book)
	ctx := context.Background()

	h.evaluateAt(t, 100000)
	require.NoError(t, h.tracker.RecordTradePnL(ctx, "acct", "trend", -5000)) // 40000 -> 35000

	st := h.evaluateAt(t, 100000)
	assert.Equal(t, map[string]Reason{"trend": ReasonStrategy}, reasons(st))
	assert.False(t, st.PortfolioTriggered)
	assert.False(t, h.breaker.IsPortfolioHalted("acct"))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Options{Config: Config{PortfolioDrawdownPercent: 10, AutoResumePercent: 10, StrategyDrawdownPercent: 5}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
