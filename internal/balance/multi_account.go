// Package balance provides per-account wallet balances and open positions.
// Accounts without an exchange client run in dry-run mode.
package balance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"portfolio-risk/internal/tracker"
)

// ErrUnknownAccount is returned for reads against an account that was never created.
var ErrUnknownAccount = errors.New("unknown account")

// AccountFactory creates the Account for an account id.
type AccountFactory func(accountID string) (*Account, error)

// MultiAccount manages balances for multiple accounts. It implements
// tracker.EquitySource and tracker.PositionSource.
type MultiAccount struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	factory  AccountFactory
	// autoCreate lets reads create missing accounts through the factory.
	autoCreate bool
}

// NewMultiAccount creates a manager. With autoCreate, equity and position
// reads for an unseen account create it instead of failing.
func NewMultiAccount(factory AccountFactory, autoCreate bool) *MultiAccount {
	return &MultiAccount{
		accounts:   make(map[string]*Account),
		factory:    factory,
		autoCreate: autoCreate,
	}
}

// DryRunFactory returns a factory seeding each new account with initialEquity.
func DryRunFactory(initialEquity float64, log *zap.Logger) AccountFactory {
	return func(accountID string) (*Account, error) {
		acct := NewAccount(accountID, nil, log)
		acct.SetInitialBalance(initialEquity)
		return acct, nil
	}
}

// GetOrCreate returns the account, creating it if needed.
func (m *MultiAccount) GetOrCreate(accountID string) (*Account, error) {
	if accountID == "" {
		return nil, ErrUnknownAccount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if acct, ok := m.accounts[accountID]; ok {
		return acct, nil
	}

	acct, err := m.factory(accountID)
	if err != nil {
		return nil, err
	}
	m.accounts[accountID] = acct
	return acct, nil
}

// Get returns the account, or nil if not found.
func (m *MultiAccount) Get(accountID string) *Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[accountID]
}

func (m *MultiAccount) lookup(accountID string) (*Account, error) {
	if m.autoCreate {
		return m.GetOrCreate(accountID)
	}
	if acct := m.Get(accountID); acct != nil {
		return acct, nil
	}
	return nil, ErrUnknownAccount
}

// GetTotalEquity implements tracker.EquitySource.
func (m *MultiAccount) GetTotalEquity(_ context.Context, accountID string) (float64, error) {
	acct, err := m.lookup(accountID)
	if err != nil {
		return 0, err
	}
	return acct.Equity()
}

// GetPositions implements tracker.PositionSource.
func (m *MultiAccount) GetPositions(_ context.Context, accountID string) ([]tracker.Position, error) {
	acct, err := m.lookup(accountID)
	if err != nil {
		return nil, err
	}
	return acct.Positions()
}

// SyncAll refreshes every exchange-backed account. Errors are collected so
// one failing account does not stop the others.
func (m *MultiAccount) SyncAll(ctx context.Context) error {
	m.mu.RLock()
	accts := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		accts = append(accts, a)
	}
	m.mu.RUnlock()

	var errs []error
	for _, a := range accts {
		if err := a.Sync(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WalletStatus is an account's balance and when it was last read from the exchange.
type WalletStatus struct {
	Balance
	LastSync *time.Time `json:"last_sync,omitempty"`
}

// Balances returns the wallet of every account. Dry-run accounts have no LastSync.
func (m *MultiAccount) Balances() map[string]WalletStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]WalletStatus, len(m.accounts))
	for id, acct := range m.accounts {
		w := WalletStatus{Balance: acct.GetBalance()}
		if ts := acct.LastSync(); !ts.IsZero() {
			w.LastSync = &ts
		}
		result[id] = w
	}
	return result
}

func sortedSymbols(m map[string]tracker.Position) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
