package strategy

import (
	"context"
	"sort"
	"strings"
	"sync"

	"portfolio-risk/pkg/config"
	"portfolio-risk/pkg/db"
)

// Definition is a registered strategy and the share of account equity it may deploy.
type Definition struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
	// AllocationPct is nil when no cap is configured; such a strategy is unconstrained.
	AllocationPct *float64 `json:"allocation_pct,omitempty"`
	Accounts      []string `json:"accounts,omitempty"`
}

// Trades reports whether the strategy trades symbol.
func (d Definition) Trades(symbol string) bool {
	for _, s := range d.Symbols {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}

func (d Definition) appliesTo(accountID string) bool {
	if len(d.Accounts) == 0 {
		return true
	}
	for _, a := range d.Accounts {
		if a == accountID {
			return true
		}
	}
	return false
}

// Registry holds strategy definitions plus per-account allocation overrides.
type Registry struct {
	mu        sync.RWMutex
	defs      map[string]Definition
	overrides map[string]map[string]float64 // accountID -> strategyID -> pct
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:      make(map[string]Definition),
		overrides: make(map[string]map[string]float64),
	}
}

// NewRegistryFromFile builds a registry from the YAML risk definitions.
func NewRegistryFromFile(file *config.RiskFile) *Registry {
	r := NewRegistry()
	if file == nil {
		return r
	}
	for _, s := range file.Strategies {
		name := s.Name
		if name == "" {
			name = s.ID
		}
		r.Register(Definition{
			ID:            s.ID,
			Name:          name,
			Symbols:       s.Symbols,
			AllocationPct: s.AllocationPct,
			Accounts:      s.Accounts,
		})
	}
	for accountID, acct := range file.Accounts {
		for strategyID, pct := range acct.Allocations {
			r.SetAllocation(accountID, strategyID, pct)
		}
	}
	return r
}

// Register adds or replaces a definition.
func (r *Registry) Register(d Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.ID] = d
}

// SetAllocation overrides a strategy's allocation for one account.
func (r *Registry) SetAllocation(accountID, strategyID string, pct float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.overrides[accountID] == nil {
		r.overrides[accountID] = make(map[string]float64)
	}
	r.overrides[accountID][strategyID] = pct
}

// ForAccount returns the strategies registered on an account, sorted by id,
// with account allocation overrides applied.
func (r *Registry) ForAccount(accountID string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		if !d.appliesTo(accountID) {
			continue
		}
		out = append(out, r.resolveLocked(accountID, d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns a strategy registered on the account.
func (r *Registry) Lookup(accountID, strategyID string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[strategyID]
	if !ok || !d.appliesTo(accountID) {
		return Definition{}, false
	}
	return r.resolveLocked(accountID, d), true
}

// Allocation returns the allocation percentage for a strategy on an account.
// ok is false when the strategy is unknown or has no allocation configured.
func (r *Registry) Allocation(accountID, strategyID string) (pct float64, ok bool) {
	d, found := r.Lookup(accountID, strategyID)
	if !found || d.AllocationPct == nil {
		return 0, false
	}
	return *d.AllocationPct, true
}

func (r *Registry) resolveLocked(accountID string, d Definition) Definition {
	if pct, ok := r.overrides[accountID][d.ID]; ok {
		p := pct
		d.AllocationPct = &p
	}
	return d
}

// SyncToDB upserts the definitions into the strategies table.
func (r *Registry) SyncToDB(ctx context.Context, q *db.Queries) error {
	r.mu.RLock()
	defs := make([]db.StrategyDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		defs = append(defs, db.StrategyDefinition{
			ID:            d.ID,
			Name:          d.Name,
			Symbols:       d.Symbols,
			AllocationPct: d.AllocationPct,
			Accounts:      d.Accounts,
		})
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return q.SyncStrategies(ctx, defs)
}
