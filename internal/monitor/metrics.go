package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portfolio_risk"

// Metrics holds the engine's Prometheus collectors on a dedicated registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	equity          *prometheus.GaugeVec
	peakEquity      *prometheus.GaugeVec
	drawdown        *prometheus.GaugeVec
	equityErrors    *prometheus.CounterVec
	realizedPnL     *prometheus.CounterVec
	validations     *prometheus.CounterVec
	validationTime  prometheus.Histogram
	portfolioHalted *prometheus.GaugeVec
	haltedStrats    *prometheus.GaugeVec
	breakerEvents   *prometheus.CounterVec
	sideEffectFails *prometheus.CounterVec
	persistedRows   *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec

	// Sliding windows kept alongside the histograms for the status snapshot.
	ValidationLatency *LatencyWindow
	EvaluationLatency *LatencyWindow
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		equity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "equity",
			Help:      "Last observed total equity per account",
		}, []string{"account"}),
		peakEquity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peak_equity",
			Help:      "High-water mark of equity per account",
		}, []string{"account"}),
		drawdown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drawdown_percent",
			Help:      "Current drawdown from peak per account",
		}, []string{"account"}),
		equityErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "equity_errors_total",
			Help:      "Failed equity reads per account",
		}, []string{"account"}),
		realizedPnL: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realized_pnl_events_total",
			Help:      "Recorded trade results by outcome",
		}, []string{"account", "strategy", "outcome"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Trade validations by deciding check and result",
		}, []string{"check", "result"}),
		validationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "validation_duration_seconds",
			Help:      "Time to run the validation pipeline",
			Buckets:   prometheus.DefBuckets,
		}),
		portfolioHalted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_halted",
			Help:      "1 while the portfolio breaker is engaged",
		}, []string{"account"}),
		haltedStrats: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "halted_strategies",
			Help:      "Number of halted strategies per account",
		}, []string{"account"}),
		breakerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_events_total",
			Help:      "Breaker transitions by scope and action",
		}, []string{"scope", "action"}),
		sideEffectFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_effect_failures_total",
			Help:      "Failed best-effort side effects by kind",
		}, []string{"kind"}),
		persistedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persisted_rows_total",
			Help:      "Rows flushed by the batch writer by table and result",
		}, []string{"table", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		ValidationLatency: NewLatencyWindow(1000),
		EvaluationLatency: NewLatencyWindow(1000),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.equity, m.peakEquity, m.drawdown, m.equityErrors, m.realizedPnL,
		m.validations, m.validationTime,
		m.portfolioHalted, m.haltedStrats, m.breakerEvents, m.sideEffectFails,
		m.persistedRows,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEquity sets the account's equity gauges.
func (m *Metrics) ObserveEquity(account string, equity, peak, drawdownPct float64) {
	if m == nil {
		return
	}
	m.equity.WithLabelValues(account).Set(equity)
	m.peakEquity.WithLabelValues(account).Set(peak)
	m.drawdown.WithLabelValues(account).Set(drawdownPct)
}

func (m *Metrics) RecordEquityError(account string) {
	if m == nil {
		return
	}
	m.equityErrors.WithLabelValues(account).Inc()
}

func (m *Metrics) RecordPnL(account, strategy string, pnl float64) {
	if m == nil {
		return
	}
	outcome := "flat"
	switch {
	case pnl > 0:
		outcome = "win"
	case pnl < 0:
		outcome = "loss"
	}
	m.realizedPnL.WithLabelValues(account, strategy, outcome).Inc()
}

// RecordValidation counts a pipeline outcome. check is the check that decided
// the result, or "all" when every check passed.
func (m *Metrics) RecordValidation(check string, passed bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "rejected"
	if passed {
		result = "passed"
	}
	m.validations.WithLabelValues(check, result).Inc()
	m.validationTime.Observe(d.Seconds())
	m.ValidationLatency.Record(d)
}

func (m *Metrics) RecordEvaluation(d time.Duration) {
	if m == nil {
		return
	}
	m.EvaluationLatency.Record(d)
}

// SetBreakerState mirrors the breaker's state for one account.
func (m *Metrics) SetBreakerState(account string, portfolioHalted bool, haltedStrategies int) {
	if m == nil {
		return
	}
	v := 0.0
	if portfolioHalted {
		v = 1
	}
	m.portfolioHalted.WithLabelValues(account).Set(v)
	m.haltedStrats.WithLabelValues(account).Set(float64(haltedStrategies))
}

func (m *Metrics) RecordBreakerEvent(scope, action string) {
	if m == nil {
		return
	}
	m.breakerEvents.WithLabelValues(scope, action).Inc()
}

func (m *Metrics) RecordSideEffectFailure(kind string) {
	if m == nil {
		return
	}
	m.sideEffectFails.WithLabelValues(kind).Inc()
}

// RecordPersisted counts rows of one table that a flush wrote or dropped.
func (m *Metrics) RecordPersisted(table string, rows int, ok bool) {
	if m == nil || rows == 0 {
		return
	}
	result := "written"
	if !ok {
		result = "dropped"
	}
	m.persistedRows.WithLabelValues(table, result).Add(float64(rows))
}

func (m *Metrics) RecordHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
