package balance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"portfolio-risk/internal/tracker"
)

// ExchangeClient reads an account's live balance and positions. A nil client
// keeps the account in dry-run mode where both are set by hand.
type ExchangeClient interface {
	GetBalance(ctx context.Context) (Balance, error)
	GetPositions(ctx context.Context) ([]tracker.Position, error)
}

// Balance represents account balance
type Balance struct {
	Total     float64 `json:"total"`
	Available float64 `json:"available"`
	Locked    float64 `json:"locked"`
}

// Account holds the balance and open positions of one account.
type Account struct {
	id       string
	exchange ExchangeClient
	log      *zap.Logger

	mu        sync.RWMutex
	balance   Balance
	positions map[string]tracker.Position // symbol -> position
	lastSync  time.Time
	failure   error
}

// NewAccount creates an account. exchange may be nil.
func NewAccount(id string, exchange ExchangeClient, log *zap.Logger) *Account {
	if log == nil {
		log = zap.NewNop()
	}
	return &Account{
		id:        id,
		exchange:  exchange,
		log:       log.With(zap.String("account", id)),
		positions: make(map[string]tracker.Position),
	}
}

// ID returns the account id.
func (a *Account) ID() string { return a.id }

// Sync fetches latest balance and positions from the exchange.
func (a *Account) Sync(ctx context.Context) error {
	if a.exchange == nil {
		// No exchange configured (dry-run mode)
		return nil
	}

	bal, err := a.exchange.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("sync balance: %w", err)
	}
	positions, err := a.exchange.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("sync positions: %w", err)
	}

	a.mu.Lock()
	a.balance = bal
	a.positions = make(map[string]tracker.Position, len(positions))
	for _, p := range positions {
		a.positions[strings.ToUpper(p.Symbol)] = p
	}
	a.lastSync = time.Now()
	a.mu.Unlock()

	a.log.Debug("balance synced",
		zap.Float64("total", bal.Total),
		zap.Float64("available", bal.Available),
		zap.Int("positions", len(positions)))
	return nil
}

// Equity is the wallet total plus the unrealized P&L of open positions.
func (a *Account) Equity() (float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.failure != nil {
		return 0, a.failure
	}
	equity := a.balance.Total
	for _, p := range a.positions {
		equity += p.UnrealizedPnL
	}
	return equity, nil
}

// Positions returns the open positions sorted by symbol.
func (a *Account) Positions() ([]tracker.Position, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.failure != nil {
		return nil, a.failure
	}
	out := make([]tracker.Position, 0, len(a.positions))
	for _, sym := range sortedSymbols(a.positions) {
		out = append(out, a.positions[sym])
	}
	return out, nil
}

// SetInitialBalance sets initial balance (for dry-run mode)
func (a *Account) SetInitialBalance(amount float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.balance = Balance{Total: amount, Available: amount}
	a.log.Info("balance set", zap.Float64("total", amount))
}

// Add credits a realized result to the wallet; negative amounts debit it.
func (a *Account) Add(amount float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.balance.Total += amount
	a.balance.Available += amount
}

// Lock reserves balance for a pending order.
func (a *Account) Lock(amount float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if amount > a.balance.Available {
		return fmt.Errorf("insufficient balance: need %.2f, have %.2f", amount, a.balance.Available)
	}
	a.balance.Available -= amount
	a.balance.Locked += amount
	return nil
}

// Unlock releases locked balance
func (a *Account) Unlock(amount float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if amount > a.balance.Locked {
		amount = a.balance.Locked
	}
	a.balance.Locked -= amount
	a.balance.Available += amount
}

// SetPosition upserts a position; a zero quantity removes it.
func (a *Account) SetPosition(p tracker.Position) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sym := strings.ToUpper(p.Symbol)
	if p.Quantity == 0 {
		delete(a.positions, sym)
		return
	}
	p.Symbol = sym
	a.positions[sym] = p
}

// SetPositions replaces every open position.
func (a *Account) SetPositions(positions []tracker.Position) {
	a.mu.Lock()
	a.positions = make(map[string]tracker.Position, len(positions))
	a.mu.Unlock()
	for _, p := range positions {
		a.SetPosition(p)
	}
}

// SetFailure makes subsequent reads fail with err until cleared with nil.
func (a *Account) SetFailure(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failure = err
}

// GetBalance returns current balance snapshot
func (a *Account) GetBalance() Balance {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.balance
}

// LastSync returns the time of the last successful exchange sync.
func (a *Account) LastSync() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastSync
}
