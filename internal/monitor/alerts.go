package monitor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Level is an alert's severity.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert is a notification for operators.
type Alert struct {
	Level      Level     `json:"level"`
	AccountID  string    `json:"account_id"`
	StrategyID string    `json:"strategy_id,omitempty"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// AlertSink is pluggable alert delivery.
type AlertSink interface {
	Send(ctx context.Context, a Alert) error
}

// LogSink writes alerts to a zap logger.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("alert")}
}

func (s *LogSink) Send(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("account", a.AccountID),
		zap.Time("at", a.At),
	}
	if a.StrategyID != "" {
		fields = append(fields, zap.String("strategy", a.StrategyID))
	}
	switch a.Level {
	case LevelCritical:
		s.log.Error(a.Message, fields...)
	case LevelWarning:
		s.log.Warn(a.Message, fields...)
	default:
		s.log.Info(a.Message, fields...)
	}
	return nil
}

// MultiSink delivers to every sink and joins their errors.
type MultiSink []AlertSink

func (m MultiSink) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
