package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio-risk/internal/events"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (c *captureSink) Send(_ context.Context, a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return c.err
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func TestMonitorForwardsBusAlerts(t *testing.T) {
	bus := events.NewBus()
	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	(&Monitor{Bus: bus, Sink: sink}).Start(ctx)
	bus.Publish(events.EventRiskAlert, Alert{Level: LevelCritical, AccountID: "acct", Message: "drawdown"})
	bus.Publish(events.EventRiskAlert, "plain text")

	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "acct", sink.alerts[0].AccountID)
	assert.False(t, sink.alerts[0].At.IsZero())
	assert.Equal(t, "plain text", sink.alerts[1].Message)
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	ok, bad := &captureSink{}, &captureSink{err: boom}

	err := MultiSink{bad, ok}.Send(context.Background(), Alert{Message: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, ok.count())
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveEquity("a", 1, 1, 0)
		m.RecordValidation("all", true, time.Millisecond)
		m.SetBreakerState("a", true, 1)
	})
	assert.Equal(t, LatencyStats{}, m.Snapshot(0).ValidationLatency)
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()
	m.ObserveEquity("acct", 80, 100, 20)
	m.SetBreakerState("acct", true, 2)
	m.RecordValidation("max_loss", false, 2*time.Millisecond)

	assert.Equal(t, 20.0, testutil.ToFloat64(m.drawdown.WithLabelValues("acct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.portfolioHalted.WithLabelValues("acct")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.haltedStrats.WithLabelValues("acct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.validations.WithLabelValues("max_loss", "rejected")))
	assert.Equal(t, 1, m.Snapshot(1).ValidationLatency.Count)
}

func TestLatencyWindowStats(t *testing.T) {
	w := NewLatencyWindow(3)
	assert.Zero(t, w.Stats().Count)
	for _, ms := range []int{5, 1, 3, 10} {
		w.Record(time.Duration(ms) * time.Millisecond)
	}
	s := w.Stats()
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 10.0, s.Max)
	assert.InDelta(t, 14.0/3, s.Avg, 1e-9)
	assert.Equal(t, 3.0, s.P50)
	assert.Equal(t, 10.0, s.P99)
}
