package balance

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio-risk/internal/tracker"
)

type stubExchange struct {
	bal       Balance
	positions []tracker.Position
	err       error
}

func (s *stubExchange) GetBalance(context.Context) (Balance, error) { return s.bal, s.err }

func (s *stubExchange) GetPositions(context.Context) ([]tracker.Position, error) {
	return s.positions, s.err
}

func TestDryRunAccountEquityIncludesUnrealized(t *testing.T) {
	m := NewMultiAccount(DryRunFactory(10000, nil), true)
	ctx := context.Background()

	eq, err := m.GetTotalEquity(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 10000.0, eq)

	acct := m.Get("acct")
	require.NotNil(t, acct)
	acct.SetPosition(tracker.Position{Symbol: "btcusdt", Side: "long", Quantity: 0.1, UnrealizedPnL: -250})
	acct.SetPosition(tracker.Position{Symbol: "ETHUSDT", Side: "short", Quantity: 1, UnrealizedPnL: 50})
	acct.Add(100)

	eq, err = m.GetTotalEquity(ctx, "acct")
	require.NoError(t, err)
	assert.InDelta(t, 9900.0, eq, 1e-9)

	positions, err := m.GetPositions(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)
	assert.Equal(t, "ETHUSDT", positions[1].Symbol)

	acct.SetPosition(tracker.Position{Symbol: "BTCUSDT"})
	positions, err = m.GetPositions(ctx, "acct")
	require.NoError(t, err)
	assert.Len(t, positions, 1)
}

func TestUnknownAccountWithoutAutoCreate(t *testing.T) {
	m := NewMultiAccount(DryRunFactory(5000, nil), false)

	_, err := m.GetTotalEquity(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownAccount)

	_, err = m.GetOrCreate("ghost")
	require.NoError(t, err)
	eq, err := m.GetTotalEquity(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, 5000.0, eq)

	_, err = m.GetOrCreate("")
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestSetFailure(t *testing.T) {
	m := NewMultiAccount(DryRunFactory(1000, nil), true)
	acct, err := m.GetOrCreate("acct")
	require.NoError(t, err)

	boom := errors.New("exchange down")
	acct.SetFailure(boom)
	_, err = m.GetTotalEquity(context.Background(), "acct")
	assert.ErrorIs(t, err, boom)
	_, err = m.GetPositions(context.Background(), "acct")
	assert.ErrorIs(t, err, boom)

	acct.SetFailure(nil)
	eq, err := m.GetTotalEquity(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, eq)
}

func TestLockUnlock(t *testing.T) {
	acct := NewAccount("acct", nil, nil)
	acct.SetInitialBalance(100)

	require.NoError(t, acct.Lock(60))
	assert.Error(t, acct.Lock(50))
	assert.Equal(t, Balance{Total: 100, Available: 40, Locked: 60}, acct.GetBalance())

	acct.Unlock(80)
	assert.Equal(t, Balance{Total: 100, Available: 100, Locked: 0}, acct.GetBalance())
}

func TestSyncFromExchange(t *testing.T) {
	ex := &stubExchange{
		bal:       Balance{Total: 2500, Available: 2000, Locked: 500},
		positions: []tracker.Position{{Symbol: "solusdt", Quantity: 3, UnrealizedPnL: 12}},
	}
	m := NewMultiAccount(func(id string) (*Account, error) {
		return NewAccount(id, ex, nil), nil
	}, true)
	acct, err := m.GetOrCreate("live")
	require.NoError(t, err)

	require.NoError(t, m.SyncAll(context.Background()))
	assert.False(t, acct.LastSync().IsZero())
	require.NotNil(t, m.Balances()["live"].LastSync)
	eq, err := acct.Equity()
	require.NoError(t, err)
	assert.Equal(t, 2512.0, eq)

	ex.err = errors.New("rate limited")
	assert.Error(t, m.SyncAll(context.Background()))
	assert.Equal(t, 2500.0, acct.GetBalance().Total)
}

func TestBalancesByAccount(t *testing.T) {
	m := NewMultiAccount(DryRunFactory(100, nil), true)
	_, _ = m.GetOrCreate("a")
	b, _ := m.GetOrCreate("b")
	b.Add(-40)

	assert.Equal(t, map[string]WalletStatus{
		"a": {Balance: Balance{Total: 100, Available: 100}},
		"b": {Balance: Balance{Total: 60, Available: 60}},
	}, m.Balances())
}
