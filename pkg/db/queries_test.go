package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, ApplyMigrations(database))
	return database
}

func ptr(v float64) *float64 { return &v }

func TestQueriesRequireAccountID(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	_, err := q.ListTrades(ctx, "", TradeFilter{})
	assert.ErrorIs(t, err, ErrAccountIDRequired)

	_, err = q.LatestEquitySnapshot(ctx, "")
	assert.ErrorIs(t, err, ErrAccountIDRequired)

	_, err = q.LatestStrategyPerformance(ctx, "")
	assert.ErrorIs(t, err, ErrAccountIDRequired)

	_, err = q.ListBreakerEvents(ctx, "", 10)
	assert.ErrorIs(t, err, ErrAccountIDRequired)

	assert.ErrorIs(t, q.InsertTrade(ctx, Trade{ID: "t"}), ErrAccountIDRequired)
}

func TestListTradesFiltersAndIsolates(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	trades := []Trade{
		{ID: "a1", AccountID: "acct-a", StrategyID: "trend", Symbol: "BTCUSDT", Side: "LONG", EntryPrice: 50000, Quantity: 0.1, StopLoss: ptr(49000), Status: TradeStatusActive},
		{ID: "a2", AccountID: "acct-a", StrategyID: "grid", Symbol: "ETHUSDT", Side: "short", EntryPrice: 3000, Quantity: 1, Status: TradeStatusPending},
		{ID: "a3", AccountID: "acct-a", StrategyID: "trend", Symbol: "BTCUSDT", Side: "long", EntryPrice: 48000, Quantity: 0.2, Status: TradeStatusClosed},
		{ID: "b1", AccountID: "acct-b", StrategyID: "trend", Symbol: "BTCUSDT", Side: "long", EntryPrice: 50000, Quantity: 1, Status: TradeStatusActive},
	}
	for _, tr := range trades {
		require.NoError(t, q.InsertTrade(ctx, tr))
	}

	open, err := q.ListTrades(ctx, "acct-a", TradeFilter{})
	require.NoError(t, err)
	require.Len(t, open, 2)

	first := open[0]
	assert.Equal(t, "a1", first.ID)
	assert.Equal(t, "long", first.Side)
	require.NotNil(t, first.StopLoss)
	assert.Equal(t, 49000.0, *first.StopLoss)
	assert.Nil(t, open[1].StopLoss)

	active, err := q.ListTrades(ctx, "acct-a", TradeFilter{Statuses: []string{TradeStatusActive}})
	require.NoError(t, err)
	require.Len(t, active, 1)

	bySymbol, err := q.ListTrades(ctx, "acct-a", TradeFilter{Symbol: "ETHUSDT"})
	require.NoError(t, err)
	require.Len(t, bySymbol, 1)
	assert.Equal(t, "a2", bySymbol[0].ID)

	byStrategy, err := q.ListTrades(ctx, "acct-b", TradeFilter{StrategyID: "trend"})
	require.NoError(t, err)
	require.Len(t, byStrategy, 1)
	assert.Equal(t, "b1", byStrategy[0].ID)

	require.NoError(t, q.UpdateTradeStatus(ctx, "acct-a", "a1", TradeStatusClosed))
	assert.ErrorIs(t, q.UpdateTradeStatus(ctx, "acct-b", "a2", TradeStatusClosed), ErrNotFound)

	open, err = q.ListTrades(ctx, "acct-a", TradeFilter{})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestGetTradeIsAccountScoped(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()
	require.NoError(t, q.InsertTrade(ctx, Trade{
		ID: "a1", AccountID: "acct-a", StrategyID: "trend", Symbol: "BTCUSDT", Side: "long",
		EntryPrice: 50000, Quantity: 0.2, Status: TradeStatusPending,
	}))

	got, err := q.GetTrade(ctx, "acct-a", "a1")
	require.NoError(t, err)
	assert.Equal(t, TradeStatusPending, got.Status)
	assert.Equal(t, 10000.0, got.Notional())
	assert.Nil(t, got.StopLoss)

	_, err = q.GetTrade(ctx, "acct-b", "a1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = q.GetTrade(ctx, "", "a1")
	assert.ErrorIs(t, err, ErrAccountIDRequired)
}

func TestLatestEquitySnapshot(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	_, err := q.LatestEquitySnapshot(ctx, "acct")
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now()
	require.NoError(t, q.InsertEquitySnapshot(ctx, EquitySnapshot{AccountID: "acct", Equity: 100, PeakEquity: 100, CreatedAt: now}))
	require.NoError(t, q.InsertEquitySnapshot(ctx, EquitySnapshot{AccountID: "acct", Equity: 80, PeakEquity: 100, DrawdownPct: 20, CreatedAt: now}))

	snap, err := q.LatestEquitySnapshot(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 80.0, snap.Equity)
	assert.Equal(t, 100.0, snap.PeakEquity)
	assert.Equal(t, 20.0, snap.DrawdownPct)
}

func TestLatestStrategyPerformancePerStrategy(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()
	now := time.Now()

	rows := []StrategyPerformance{
		{AccountID: "acct", StrategyID: "trend", Day: "2026-10-19", DailyPnL: 100, TotalPnL: 100, WinCount: 1, IsActive: true, CreatedAt: now},
		{AccountID: "acct", StrategyID: "trend", Day: "2026-10-19", DailyPnL: 70, TotalPnL: 70, WinCount: 1, LossCount: 1, IsActive: true, CreatedAt: now},
		{AccountID: "acct", StrategyID: "grid", Day: "2026-10-19", DailyPnL: -5, TotalPnL: -5, LossCount: 1, CreatedAt: now},
		{AccountID: "other", StrategyID: "trend", Day: "2026-10-19", TotalPnL: 999, CreatedAt: now},
	}
	for _, r := range rows {
		require.NoError(t, q.InsertStrategyPerformance(ctx, r))
	}

	latest, err := q.LatestStrategyPerformance(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, latest, 2)

	assert.Equal(t, "grid", latest[0].StrategyID)
	assert.False(t, latest[0].IsActive)
	assert.Equal(t, "trend", latest[1].StrategyID)
	assert.Equal(t, 70.0, latest[1].TotalPnL)
	assert.Equal(t, 1, latest[1].LossCount)
	assert.True(t, latest[1].IsActive)
}

func TestSyncStrategiesUpserts(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	require.NoError(t, q.SyncStrategies(ctx, []StrategyDefinition{
		{ID: "trend", Name: "Trend", Symbols: []string{"BTCUSDT", "ETHUSDT"}, AllocationPct: ptr(40)},
		{ID: "grid", Name: "Grid", Symbols: []string{"ETHUSDT"}, Accounts: []string{"acct-2"}},
	}))
	require.NoError(t, q.SyncStrategies(ctx, []StrategyDefinition{
		{ID: "trend", Name: "Trend v2", Symbols: []string{"BTCUSDT"}, AllocationPct: ptr(35)},
	}))

	defs, err := q.ListStrategies(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, "grid", defs[0].ID)
	assert.Nil(t, defs[0].AllocationPct)
	assert.Equal(t, []string{"acct-2"}, defs[0].Accounts)

	assert.Equal(t, "Trend v2", defs[1].Name)
	assert.Equal(t, []string{"BTCUSDT"}, defs[1].Symbols)
	require.NotNil(t, defs[1].AllocationPct)
	assert.Equal(t, 35.0, *defs[1].AllocationPct)
}

func TestBreakerEventsNewestFirst(t *testing.T) {
	d := newTestDB(t)
	q := d.Queries()
	ctx := context.Background()

	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	for i, action := range []string{"triggered", "released"} {
		e := BreakerEvent{
			ID:        []string{"01A", "01B"}[i],
			AccountID: "acct",
			Scope:     "portfolio",
			Action:    action,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		_, err := d.DB.ExecContext(ctx, InsertBreakerEventSQL, e.Args()...)
		require.NoError(t, err)
	}

	events, err := q.ListBreakerEvents(ctx, "acct", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "released", events[0].Action)
	assert.Equal(t, "triggered", events[1].Action)
}
