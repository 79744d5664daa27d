package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"portfolio-risk/internal/events"
)

// Monitor forwards alerts published on the bus to a sink.
type Monitor struct {
	Bus     *events.Bus
	Sink    AlertSink
	Log     *zap.Logger
	Timeout time.Duration
}

// Start consumes EventRiskAlert until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	log := m.Log
	if log == nil {
		log = zap.NewNop()
	}
	if m.Bus == nil || m.Sink == nil {
		log.Warn("monitor not fully configured; skipping")
		return
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	stream, unsub := m.Bus.Subscribe(events.EventRiskAlert, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				a := toAlert(msg)
				sctx, cancel := context.WithTimeout(ctx, timeout)
				if err := m.Sink.Send(sctx, a); err != nil {
					log.Warn("alert delivery failed", zap.String("account", a.AccountID), zap.Error(err))
				}
				cancel()
			}
		}
	}()
}

func toAlert(v any) Alert {
	switch t := v.(type) {
	case Alert:
		if t.At.IsZero() {
			t.At = time.Now()
		}
		return t
	case string:
		return Alert{Level: LevelWarning, Message: t, At: time.Now()}
	default:
		return Alert{Level: LevelWarning, Message: "alert triggered", At: time.Now()}
	}
}
