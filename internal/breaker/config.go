package breaker

import (
	"errors"
	"fmt"

	"portfolio-risk/pkg/config"
)

// ErrInvalidConfig is returned when thresholds would not provide hysteresis.
var ErrInvalidConfig = errors.New("invalid circuit breaker config")

// Config holds the trigger and auto-resume thresholds, in percent drawdown.
type Config struct {
	PortfolioDrawdownPercent  float64 `json:"portfolio_drawdown_percent"`
	AutoResumePercent         float64 `json:"auto_resume_percent"`
	StrategyDrawdownPercent   float64 `json:"strategy_drawdown_percent"`
	StrategyAutoResumePercent float64 `json:"strategy_auto_resume_percent"`
}

// DefaultConfig triggers a full halt at 25% and resumes at 10%.
func DefaultConfig() Config {
	return Config{
		PortfolioDrawdownPercent:  25,
		AutoResumePercent:         10,
		StrategyDrawdownPercent:   15,
		StrategyAutoResumePercent: 7.5,
	}
}

// ConfigPatch is a partial update; nil fields keep their current value.
type ConfigPatch struct {
	PortfolioDrawdownPercent  *float64 `json:"portfolio_drawdown_percent,omitempty"`
	AutoResumePercent         *float64 `json:"auto_resume_percent,omitempty"`
	StrategyDrawdownPercent   *float64 `json:"strategy_drawdown_percent,omitempty"`
	StrategyAutoResumePercent *float64 `json:"strategy_auto_resume_percent,omitempty"`
}

// Merge returns c with the patch applied.
func (c Config) Merge(p ConfigPatch) Config {
	if p.PortfolioDrawdownPercent != nil {
		c.PortfolioDrawdownPercent = *p.PortfolioDrawdownPercent
	}
	if p.AutoResumePercent != nil {
		c.AutoResumePercent = *p.AutoResumePercent
	}
	if p.StrategyDrawdownPercent != nil {
		c.StrategyDrawdownPercent = *p.StrategyDrawdownPercent
	}
	if p.StrategyAutoResumePercent != nil {
		c.StrategyAutoResumePercent = *p.StrategyAutoResumePercent
	}
	return c
}

// Validate requires positive thresholds with each resume level strictly below
// its trigger.
func (c Config) Validate() error {
	switch {
	case c.PortfolioDrawdownPercent <= 0 || c.StrategyDrawdownPercent <= 0:
		return fmt.Errorf("%w: trigger thresholds must be positive", ErrInvalidConfig)
	case c.AutoResumePercent < 0 || c.StrategyAutoResumePercent < 0:
		return fmt.Errorf("%w: resume thresholds must not be negative", ErrInvalidConfig)
	case c.AutoResumePercent >= c.PortfolioDrawdownPercent:
		return fmt.Errorf("%w: auto resume %.2f%% must be below portfolio trigger %.2f%%",
			ErrInvalidConfig, c.AutoResumePercent, c.PortfolioDrawdownPercent)
	case c.StrategyAutoResumePercent >= c.StrategyDrawdownPercent:
		return fmt.Errorf("%w: strategy auto resume %.2f%% must be below strategy trigger %.2f%%",
			ErrInvalidConfig, c.StrategyAutoResumePercent, c.StrategyDrawdownPercent)
	}
	return nil
}

// ConfigFromFile merges the YAML breaker section over the defaults.
func ConfigFromFile(f config.BreakerFile) (Config, error) {
	cfg := DefaultConfig().Merge(ConfigPatch{
		PortfolioDrawdownPercent:  f.PortfolioDrawdownPercent,
		AutoResumePercent:         f.AutoResumePercent,
		StrategyDrawdownPercent:   f.StrategyDrawdownPercent,
		StrategyAutoResumePercent: f.StrategyAutoResumePercent,
	})
	return cfg, cfg.Validate()
}
