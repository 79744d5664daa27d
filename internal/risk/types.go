// Package risk gates every proposed trade through an ordered set of checks
// against the account's equity, its configured limits and the trade ledger.
package risk

import (
	"fmt"
	"strings"
)

// Side is a normalized trade direction.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide accepts long/short and the exchange spellings BUY/SELL.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return SideLong, nil
	case "short", "sell":
		return SideShort, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// TradeParams is a proposed trade.
type TradeParams struct {
	AccountID  string   `json:"account_id"`
	Symbol     string   `json:"symbol"`
	Side       string   `json:"side"`
	Quantity   float64  `json:"quantity"`
	EntryPrice float64  `json:"entry_price"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	Leverage   *float64 `json:"leverage,omitempty"`
	StrategyID string   `json:"strategy_id,omitempty"`
}

// Kind classifies a failed check so callers can tell a missing precondition or
// a broken dependency apart from an actual limit breach.
type Kind string

const (
	KindPrecondition Kind = "precondition"
	KindLimit        Kind = "limit"
	KindDependency   Kind = "dependency"
)

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Passed  bool           `json:"passed"`
	Kind    Kind           `json:"kind,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func pass() CheckResult {
	return CheckResult{Passed: true}
}

func fail(kind Kind, details map[string]any, format string, args ...any) CheckResult {
	return CheckResult{Kind: kind, Message: fmt.Sprintf(format, args...), Details: details}
}

// ValidationResult is returned by Pipeline.ValidateTrade. Check names the check
// that rejected the trade and is empty on success.
type ValidationResult struct {
	Passed  bool           `json:"passed"`
	Error   string         `json:"error,omitempty"`
	Kind    Kind           `json:"kind,omitempty"`
	Check   string         `json:"check,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}
