package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio-risk/pkg/config"
	"portfolio-risk/pkg/db"
)

func pct(v float64) *float64 { return &v }

func testRiskFile() *config.RiskFile {
	return &config.RiskFile{
		Strategies: []config.StrategyFile{
			{ID: "trend", Name: "Trend", Symbols: []string{"BTCUSDT"}, AllocationPct: pct(40)},
			{ID: "grid", Symbols: []string{"ETHUSDT"}},
			{ID: "vip", Name: "VIP only", Symbols: []string{"SOLUSDT"}, AllocationPct: pct(10), Accounts: []string{"vip"}},
		},
		Accounts: map[string]config.AccountFile{
			"small": {Allocations: map[string]float64{"trend": 15}},
		},
	}
}

func TestRegistryFromFile(t *testing.T) {
	r := NewRegistryFromFile(testRiskFile())

	defs := r.ForAccount("main")
	require.Len(t, defs, 2)
	assert.Equal(t, "grid", defs[0].ID)
	assert.Equal(t, "grid", defs[0].Name, "name defaults to id")
	assert.Equal(t, "trend", defs[1].ID)

	assert.Len(t, r.ForAccount("vip"), 3)
	_, ok := r.Lookup("main", "vip")
	assert.False(t, ok, "account-scoped strategy is hidden elsewhere")
}

func TestRegistryAllocation(t *testing.T) {
	r := NewRegistryFromFile(testRiskFile())

	got, ok := r.Allocation("main", "trend")
	require.True(t, ok)
	assert.Equal(t, 40.0, got)

	got, ok = r.Allocation("small", "trend")
	require.True(t, ok)
	assert.Equal(t, 15.0, got, "account override wins")

	_, ok = r.Allocation("main", "grid")
	assert.False(t, ok, "no allocation configured")
	_, ok = r.Allocation("main", "missing")
	assert.False(t, ok)

	// Overrides never leak into the shared definition.
	d, _ := r.Lookup("main", "trend")
	assert.Equal(t, 40.0, *d.AllocationPct)
}

func TestDefinitionTrades(t *testing.T) {
	d := Definition{Symbols: []string{"BTCUSDT", "ETHUSDT"}}
	assert.True(t, d.Trades("btcusdt"))
	assert.False(t, d.Trades("SOLUSDT"))
}

func TestRegistrySyncToDB(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	q := database.Queries()

	r := NewRegistryFromFile(testRiskFile())
	ctx := context.Background()
	require.NoError(t, r.SyncToDB(ctx, q))

	r.Register(Definition{ID: "grid", Name: "Grid v2", Symbols: []string{"ETHUSDT", "BNBUSDT"}, AllocationPct: pct(5)})
	require.NoError(t, r.SyncToDB(ctx, q))

	stored, err := q.ListStrategies(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, "grid", stored[0].ID)
	assert.Equal(t, "Grid v2", stored[0].Name)
	assert.Equal(t, []string{"ETHUSDT", "BNBUSDT"}, stored[0].Symbols)
	require.NotNil(t, stored[0].AllocationPct)
	assert.Equal(t, 5.0, *stored[0].AllocationPct)
	assert.Equal(t, []string{"vip"}, stored[2].Accounts)
}
