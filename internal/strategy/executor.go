package strategy

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Executor tracks which strategies are running or paused per account. It is the
// in-process stand-in for the external strategy runner: pause and resume report
// whether a matching strategy was found.
type Executor struct {
	mu       sync.RWMutex
	registry *Registry
	paused   map[string]map[string]bool // accountID -> set of paused strategy IDs
	log      *zap.Logger
}

// NewExecutor creates an executor over the registry's strategies.
func NewExecutor(registry *Registry, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		registry: registry,
		paused:   make(map[string]map[string]bool),
		log:      log.Named("executor"),
	}
}

// Pause stops a running strategy. It returns false when the strategy is unknown
// for the account or already paused.
func (e *Executor) Pause(_ context.Context, accountID, strategyID string) (bool, error) {
	if _, ok := e.registry.Lookup(accountID, strategyID); !ok {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused[accountID][strategyID] {
		return false, nil
	}
	if e.paused[accountID] == nil {
		e.paused[accountID] = make(map[string]bool)
	}
	e.paused[accountID][strategyID] = true
	e.log.Info("strategy paused", zap.String("account", accountID), zap.String("strategy", strategyID))
	return true, nil
}

// Resume restarts a paused strategy. It returns false when nothing was paused.
func (e *Executor) Resume(_ context.Context, accountID, strategyID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused[accountID][strategyID] {
		return false, nil
	}
	delete(e.paused[accountID], strategyID)
	e.log.Info("strategy resumed", zap.String("account", accountID), zap.String("strategy", strategyID))
	return true, nil
}

// IsActive reports whether the strategy is currently allowed to run on the account.
func (e *Executor) IsActive(accountID, strategyID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.paused[accountID][strategyID]
}

// State is a strategy's run state on an account.
type State struct {
	Definition
	Running bool `json:"running"`
}

// States lists every strategy on the account with its run state.
func (e *Executor) States(accountID string) []State {
	defs := e.registry.ForAccount(accountID)
	out := make([]State, 0, len(defs))
	for _, d := range defs {
		out = append(out, State{Definition: d, Running: e.IsActive(accountID, d.ID)})
	}
	return out
}
