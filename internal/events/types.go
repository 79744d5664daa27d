package events

// Event enumerates high-level topics inside the risk engine.
type Event string

const (
	EventEquityRefreshed  Event = "equity.refreshed"
	EventRiskRejected     Event = "risk.rejected"
	EventBreakerPortfolio Event = "breaker.portfolio"
	EventBreakerStrategy  Event = "breaker.strategy"
	EventRiskAlert        Event = "risk_alert"
)

// BreakerAction is the action field of a breaker broadcast.
type BreakerAction string

const (
	ActionTriggered    BreakerAction = "triggered"
	ActionReleased     BreakerAction = "released"
	ActionForceResumed BreakerAction = "force_resumed"
)

// BreakerMessage is published on EventBreakerPortfolio and EventBreakerStrategy.
type BreakerMessage struct {
	Type        string        `json:"type"` // portfolio or strategy
	Action      BreakerAction `json:"action"`
	AccountID   string        `json:"account_id"`
	StrategyID  string        `json:"strategy_id,omitempty"`
	DrawdownPct float64       `json:"drawdown_pct"`
	Strategies  []string      `json:"strategies,omitempty"`
}

// RejectionMessage is published on EventRiskRejected.
type RejectionMessage struct {
	AccountID  string         `json:"account_id"`
	StrategyID string         `json:"strategy_id,omitempty"`
	Symbol     string         `json:"symbol"`
	Check      string         `json:"check"`
	Error      string         `json:"error"`
	Details    map[string]any `json:"details,omitempty"`
}
