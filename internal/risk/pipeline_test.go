package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio-risk/internal/events"
	"portfolio-risk/internal/monitor"
	"portfolio-risk/internal/tracker"
	"portfolio-risk/pkg/config"
	"portfolio-risk/pkg/db"
)

type fakeSummaries struct {
	summary tracker.Summary
	err     error
}

func (f *fakeSummaries) GetPortfolioSummary(_ context.Context, accountID string) (tracker.Summary, error) {
	if f.err != nil {
		return tracker.Summary{}, f.err
	}
	s := f.summary
	s.AccountID = accountID
	return s, nil
}

type brokenLedger struct{}

func (brokenLedger) ListTrades(context.Context, string, db.TradeFilter) ([]db.Trade, error) {
	return nil, errors.New("database is locked")
}

type allocations map[string]float64

func (a allocations) Allocation(_, strategyID string) (float64, bool) {
	pct, ok := a[strategyID]
	return pct, ok
}

type strategyEquity map[string]tracker.StrategyEquity

func (s strategyEquity) StrategyEquity(_, strategyID string) (tracker.StrategyEquity, bool) {
	se, ok := s[strategyID]
	return se, ok
}

func f64(v float64) *float64 { return &v }

func newLedger(t *testing.T, trades ...db.Trade) *db.Queries {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	q := database.Queries()
	for _, tr := range trades {
		require.NoError(t, q.InsertTrade(context.Background(), tr))
	}
	return q
}

func summaryAt(equity, peak float64) *fakeSummaries {
	return &fakeSummaries{summary: tracker.Summary{Equity: equity, PeakEquity: peak}}
}

func btcLong(stop *float64) TradeParams {
	return TradeParams{
		AccountID:  "acct",
		Symbol:     "BTCUSDT",
		Side:       "long",
		Quantity:   0.1,
		EntryPrice: 50000,
		StopLoss:   stop,
	}
}

func TestParseSide(t *testing.T) {
	for in, want := range map[string]Side{"long": SideLong, "BUY": SideLong, " Short ": SideShort, "sell": SideShort} {
		got, err := ParseSide(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSide("sideways")
	assert.Error(t, err)
}

func TestStopLossDirection(t *testing.T) {
	tests := []struct {
		name   string
		side   string
		stop   *float64
		passed bool
	}{
		{name: "long below entry", side: "long", stop: f64(49000), passed: true},
		{name: "long at entry", side: "long", stop: f64(50000)},
		{name: "long above entry", side: "buy", stop: f64(51000)},
		{name: "short above entry", side: "short", stop: f64(51000), passed: true},
		{name: "short at entry", side: "short", stop: f64(50000)},
		{name: "short below entry", side: "sell", stop: f64(49000)},
		{name: "no stop", side: "short", passed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline(Options{Summaries: summaryAt(1_000_000, 0), Ledger: newLedger(t)})
			params := btcLong(tt.stop)
			params.Side = tt.side
			params.Quantity = 0.001

			res := p.ValidateTrade(context.Background(), params)
			if tt.passed {
				assert.True(t, res.Passed, res.Error)
				return
			}
			assert.False(t, res.Passed)
			assert.Equal(t, CheckStopLossDirection, res.Check)
			assert.Equal(t, KindLimit, res.Kind)
			assert.Contains(t, res.Error, "50000.00")
		})
	}
}

func TestMaxLossPerTrade(t *testing.T) {
	tight := NewLimitsBook(DefaultLimits())
	tight.SetAccount("acct", LimitOverrides{MaxLossPerTradeUSD: f64(50)})

	tests := []struct {
		name    string
		equity  float64
		limits  LimitsProvider
		passed  bool
		message string
	}{
		{name: "overdraws equity", equity: 50, message: "exceeds account equity"},
		{name: "over per-trade cap", equity: 10000, limits: tight, message: "exceeds max per trade"},
		{name: "within default cap", equity: 10000, passed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline(Options{Summaries: summaryAt(tt.equity, tt.equity), Ledger: newLedger(t), Limits: tt.limits})
			res := p.ValidateTrade(context.Background(), btcLong(f64(49000)))

			if tt.passed {
				require.True(t, res.Passed, res.Error)
				assert.InDelta(t, 100.0, res.Details["potential_loss"].(float64), 1e-9)
				assert.InDelta(t, 1.0, res.Details["risk_percent"].(float64), 1e-9)
				assert.Equal(t, 10000.0, res.Details["equity"])
				assert.Equal(t, DefaultLimits(), res.Details["limits"])
				return
			}
			assert.False(t, res.Passed)
			assert.Equal(t, CheckMaxLossPerTrade, res.Check)
			assert.Contains(t, res.Error, tt.message)
		})
	}
}

func TestRiskPercentPerTrade(t *testing.T) {
	p := NewPipeline(Options{Summaries: summaryAt(10000, 10000), Ledger: newLedger(t)})
	params := btcLong(f64(47500)) // loss 250 = 2.5% of equity

	res := p.ValidateTrade(context.Background(), params)
	assert.False(t, res.Passed)
	assert.Equal(t, CheckRiskPercent, res.Check)
	assert.InDelta(t, 2.5, res.Details["risk_percent"].(float64), 1e-9)
}

func TestEquityPrecondition(t *testing.T) {
	t.Run("fetch failure", func(t *testing.T) {
		p := NewPipeline(Options{Summaries: &fakeSummaries{err: tracker.ErrEquityUnavailable}, Ledger: newLedger(t)})
		res := p.ValidateTrade(context.Background(), btcLong(nil))
		assert.False(t, res.Passed)
		assert.Equal(t, CheckEquity, res.Check)
		assert.Equal(t, KindPrecondition, res.Kind)
		assert.Contains(t, res.Error, "equity unavailable")
	})
	t.Run("zero equity", func(t *testing.T) {
		p := NewPipeline(Options{Summaries: summaryAt(0, 100), Ledger: newLedger(t)})
		res := p.ValidateTrade(context.Background(), btcLong(nil))
		assert.Equal(t, CheckEquity, res.Check)
		assert.Equal(t, KindPrecondition, res.Kind)
	})
}

func TestInvalidParams(t *testing.T) {
	p := NewPipeline(Options{Summaries: summaryAt(10000, 0), Ledger: newLedger(t)})

	params := btcLong(nil)
	params.Side = "hold"
	res := p.ValidateTrade(context.Background(), params)
	assert.Equal(t, CheckParams, res.Check)
	assert.Equal(t, KindPrecondition, res.Kind)

	params = btcLong(nil)
	params.AccountID = ""
	res = p.ValidateTrade(context.Background(), params)
	assert.Equal(t, "account id required", res.Error)
}

func TestChecksShortCircuitInOrder(t *testing.T) {
	p := NewPipeline(Options{Summaries: summaryAt(50, 50), Ledger: brokenLedger{}})

	// Both the stop direction and the loss cap are violated; the earlier check wins.
	res := p.ValidateTrade(context.Background(), btcLong(f64(60000)))
	assert.Equal(t, CheckStopLossDirection, res.Check)

	assert.Equal(t, []string{
		CheckEquity, CheckStopLossDirection, CheckMaxLossPerTrade, CheckRiskPercent,
		CheckPortfolioRisk, CheckStrategyAllocation, CheckStrategyConflict, CheckPortfolioDrawdown,
		CheckBreakerHalt,
	}, p.Checks())
}

func TestLedgerFailureFailsClosed(t *testing.T) {
	p := NewPipeline(Options{Summaries: summaryAt(10000, 10000), Ledger: brokenLedger{}})

	res := p.ValidateTrade(context.Background(), btcLong(f64(49000)))
	assert.False(t, res.Passed)
	assert.Equal(t, CheckPortfolioRisk, res.Check)
	assert.Equal(t, KindDependency, res.Kind)
	assert.Contains(t, res.Error, "trade ledger unavailable")
}

func TestTotalPortfolioRisk(t *testing.T) {
	ledger := newLedger(t,
		db.Trade{ID: "t1", AccountID: "acct", Symbol: "ETHUSDT", Side: "long", EntryPrice: 3000, Quantity: 1, StopLoss: f64(2100), Status: db.TradeStatusActive},
		db.Trade{ID: "t2", AccountID: "acct", Symbol: "SOLUSDT", Side: "short", EntryPrice: 100, Quantity: 10, StopLoss: f64(200), Status: db.TradeStatusActive},
		db.Trade{ID: "t3", AccountID: "acct", Symbol: "SOLUSDT", Side: "long", EntryPrice: 100, Quantity: 50, Status: db.TradeStatusActive},
		db.Trade{ID: "t4", AccountID: "acct", Symbol: "ETHUSDT", Side: "long", EntryPrice: 3000, Quantity: 5, StopLoss: f64(1000), Status: db.TradeStatusClosed},
		db.Trade{ID: "t5", AccountID: "other", Symbol: "ETHUSDT", Side: "long", EntryPrice: 3000, Quantity: 5, StopLoss: f64(1000), Status: db.TradeStatusActive},
	)
	p := NewPipeline(Options{Summaries: summaryAt(10000, 10000), Ledger: ledger})

	// Existing risk 900 + 1000 = 19%; this trade adds 1.5%.
	res := p.ValidateTrade(context.Background(), btcLong(f64(48500)))
	assert.False(t, res.Passed)
	assert.Equal(t, CheckPortfolioRisk, res.Check)
	assert.InDelta(t, 1900.0, res.Details["existing_risk"].(float64), 1e-9)
	assert.InDelta(t, 20.5, res.Details["portfolio_risk_percent"].(float64), 1e-9)

	// 0.5% keeps the total at 19.5%.
	res = p.ValidateTrade(context.Background(), btcLong(f64(49500)))
	assert.True(t, res.Passed, res.Error)
	assert.InDelta(t, 19.5, res.Details["portfolio_risk_percent"].(float64), 1e-9)
}

func TestStrategyAllocation(t *testing.T) {
	ledger := newLedger(t,
		db.Trade{ID: "p1", AccountID: "acct", StrategyID: "trend", Symbol: "BTCUSDT", Side: "long", EntryPrice: 50000, Quantity: 0.01, Status: db.TradeStatusPending},
		db.Trade{ID: "c1", AccountID: "acct", StrategyID: "trend", Symbol: "BTCUSDT", Side: "long", EntryPrice: 50000, Quantity: 1, Status: db.TradeStatusClosed},
	)
	p := NewPipeline(Options{
		Summaries:   summaryAt(10000, 10000),
		Ledger:      ledger,
		Allocations: allocations{"trend": 10},
	})

	params := btcLong(nil)
	params.StrategyID = "trend"
	params.Quantity = 0.02

	res := p.ValidateTrade(context.Background(), params)
	assert.False(t, res.Passed)
	assert.Equal(t, CheckStrategyAllocation, res.Check)
	assert.InDelta(t, 500.0, res.Details["current_exposure"].(float64), 1e-9)
	assert.Equal(t, 1000.0, res.Details["allocated_capital"])

	params.Quantity = 0.005
	res = p.ValidateTrade(context.Background(), params)
	assert.True(t, res.Passed, res.Error)

	params.StrategyID = "uncapped"
	params.Quantity = 1
	res = p.ValidateTrade(context.Background(), params)
	assert.True(t, res.Passed, res.Error)
}

func TestStrategyConflict(t *testing.T) {
	ledger := newLedger(t,
		db.Trade{ID: "a", AccountID: "acct", StrategyID: "trend-a", Symbol: "BTCUSDT", Side: "LONG", EntryPrice: 50000, Quantity: 0.01, Status: db.TradeStatusActive},
	)
	p := NewPipeline(Options{Summaries: summaryAt(10000, 10000), Ledger: ledger})

	short := btcLong(nil)
	short.Side = "short"
	short.StrategyID = "trend-b"
	res := p.ValidateTrade(context.Background(), short)
	assert.False(t, res.Passed)
	assert.Equal(t, CheckStrategyConflict, res.Check)
	assert.Contains(t, res.Error, "trend-a")
	assert.Contains(t, res.Error, "long")

	same := btcLong(nil)
	same.StrategyID = "trend-b"
	res = p.ValidateTrade(context.Background(), same)
	assert.True(t, res.Passed, res.Error)

	own := btcLong(nil)
	own.Side = "sell"
	own.StrategyID = "trend-a"
	res = p.ValidateTrade(context.Background(), own)
	assert.True(t, res.Passed, res.Error)
}

func TestPortfolioDrawdownCircuitBreaker(t *testing.T) {
	bus := events.NewBus()
	rejected, unsubRejected := bus.Subscribe(events.EventRiskRejected, 1)
	defer unsubRejected()
	alerts, unsubAlerts := bus.Subscribe(events.EventRiskAlert, 1)
	defer unsubAlerts()

	p := NewPipeline(Options{Summaries: summaryAt(15000, 20000), Ledger: newLedger(t), Bus: bus, Metrics: monitor.NewMetrics()})
	params := btcLong(nil)
	params.Quantity = 0.01

	res := p.ValidateTrade(context.Background(), params)
	assert.False(t, res.Passed)
	assert.Equal(t, CheckPortfolioDrawdown, res.Check)
	assert.Contains(t, res.Error, "CIRCUIT BREAKER")
	assert.Equal(t, 25.0, res.Details["drawdown_pct"])

	select {
	case msg := <-rejected:
		assert.Equal(t, CheckPortfolioDrawdown, msg.(events.RejectionMessage).Check)
	case <-time.After(time.Second):
		t.Fatal("rejection not published")
	}
	select {
	case msg := <-alerts:
		assert.Equal(t, monitor.LevelCritical, msg.(monitor.Alert).Level)
	case <-time.After(time.Second):
		t.Fatal("alert not published")
	}

	// Without a recorded peak there is nothing to compare against.
	p = NewPipeline(Options{Summaries: summaryAt(15000, 0), Ledger: newLedger(t)})
	assert.True(t, p.ValidateTrade(context.Background(), params).Passed)
}

type halts struct {
	portfolio  map[string]bool
	strategies map[string]bool
}

func (h halts) IsPortfolioHalted(accountID string) bool { return h.portfolio[accountID] }

func (h halts) IsHalted(_, strategyID string) bool { return h.strategies[strategyID] }

func TestBreakerHaltRejectsInsideHysteresisBand(t *testing.T) {
	bus := events.NewBus()
	alerts, unsub := bus.Subscribe(events.EventRiskAlert, 1)
	defer unsub()

	// 15% drawdown passes the 20% drawdown limit but the breaker has not released.
	p := NewPipeline(Options{
		Summaries: summaryAt(85000, 100000),
		Ledger:    newLedger(t),
		Halts:     halts{portfolio: map[string]bool{"acct": true}},
		Bus:       bus,
	})
	params := btcLong(nil)
	params.StrategyID = "trend"

	res := p.ValidateTrade(context.Background(), params)
	assert.False(t, res.Passed)
	assert.Equal(t, CheckBreakerHalt, res.Check)
	assert.Contains(t, res.Error, "CIRCUIT BREAKER")
	assert.Contains(t, res.Error, "15.00%")

	select {
	case msg := <-alerts:
		assert.Equal(t, monitor.LevelCritical, msg.(monitor.Alert).Level)
	case <-time.After(time.Second):
		t.Fatal("alert not published")
	}
}

func TestBreakerHaltScopedToStrategy(t *testing.T) {
	p := NewPipeline(Options{
		Summaries: summaryAt(100000, 100000),
		Ledger:    newLedger(t),
		Halts:     halts{strategies: map[string]bool{"trend": true}},
	})
	params := btcLong(nil)

	params.StrategyID = "trend"
	res := p.ValidateTrade(context.Background(), params)
	assert.False(t, res.Passed)
	assert.Equal(t, CheckBreakerHalt, res.Check)
	assert.Equal(t, "CIRCUIT BREAKER: strategy trend is halted", res.Error)

	params.StrategyID = "grid"
	assert.True(t, p.ValidateTrade(context.Background(), params).Passed)

	params.StrategyID = ""
	assert.True(t, p.ValidateTrade(context.Background(), params).Passed)
}

func TestStrategyDrawdown(t *testing.T) {
	curves := strategyEquity{
		"trend": {StrategyID: "trend", PeakEquity: 1000, CurrentEquity: 800},
		"grid":  {StrategyID: "grid", PeakEquity: 1000, CurrentEquity: 900},
	}
	p := NewPipeline(Options{Summaries: summaryAt(1, 1), Ledger: brokenLedger{}, Strategies: curves})
	ctx := context.Background()

	res := p.CheckStrategyDrawdown(ctx, "acct", "trend")
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "trend drawdown 20.00%")

	res = p.CheckStrategyDrawdown(ctx, "acct", "grid")
	assert.True(t, res.Passed)
	assert.InDelta(t, 10.0, res.Details["drawdown_pct"].(float64), 1e-9)

	assert.True(t, p.CheckStrategyDrawdown(ctx, "acct", "missing").Passed)
	assert.True(t, EvaluateStrategyDrawdown(tracker.StrategyEquity{}, false, 0).Passed)
}

func TestLimitsBookFromFile(t *testing.T) {
	file := &config.RiskFile{
		Limits: config.LimitsFile{MaxRiskPercentPerTrade: f64(1)},
		Accounts: map[string]config.AccountFile{
			"vip": {Limits: config.LimitsFile{MaxLossPerTradeUSD: f64(5000)}},
		},
	}
	book := NewLimitsBookFromFile(file)

	def := book.Limits("anyone")
	assert.Equal(t, 500.0, def.MaxLossPerTradeUSD)
	assert.Equal(t, 1.0, def.MaxRiskPercentPerTrade)

	vip := book.Limits("vip")
	assert.Equal(t, 5000.0, vip.MaxLossPerTradeUSD)
	assert.Equal(t, 1.0, vip.MaxRiskPercentPerTrade)
	assert.Equal(t, 20.0, vip.MaxTotalPortfolioRiskPercent)
}
