package main

import (
	"context"
	"log"
	"time"

	"go.uber.org/zap"

	"portfolio-risk/internal/balance"
	"portfolio-risk/internal/breaker"
	"portfolio-risk/internal/engine"
	"portfolio-risk/internal/events"
	"portfolio-risk/internal/monitor"
	"portfolio-risk/internal/persistence"
	"portfolio-risk/internal/risk"
	"portfolio-risk/internal/strategy"
	"portfolio-risk/internal/tracker"
	"portfolio-risk/pkg/config"
	"portfolio-risk/pkg/db"
	"portfolio-risk/pkg/logger"
)

// dry_run_demo walks one account through a drawdown using the in-memory
// equity source and an in-memory database. Nothing leaves the process.
//
// Usage:
//   go run ./scripts/dry_run_demo
//
// It will:
//   1) Validate a sized trade on a fresh account and record it.
//   2) Drop equity 30% and show the breaker trip and trades get rejected.
//   3) Recover to within the resume band and show the breaker release.

const account = "demo"

func main() {
	log.Println("=== DRY-RUN demo starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	riskFile, err := config.LoadRiskFile(cfg.RiskConfigPath)
	if err != nil {
		log.Fatalf("load risk config error: %v", err)
	}
	zl := logger.NewDevelopment()
	defer func() { _ = zl.Sync() }()

	ctx := context.Background()
	svc, cleanup := buildEngine(riskFile, zl)
	defer cleanup()

	initial := 100000.0
	if _, err := svc.SetEquity(ctx, account, engine.EquityUpdate{Equity: &initial}); err != nil {
		log.Fatalf("seed equity: %v", err)
	}

	stop := 49000.0
	trade := risk.TradeParams{
		AccountID: account, Symbol: "BTCUSDT", Side: "long",
		Quantity: 0.2, EntryPrice: 50000, StopLoss: &stop,
	}

	log.Printf("[SCENARIO 1] Validate and record a trade at equity %.0f", initial)
	report(svc.ValidateTrade(ctx, trade))
	if _, err := svc.RecordTrade(ctx, db.Trade{
		AccountID: account, Symbol: trade.Symbol, Side: trade.Side,
		Quantity: trade.Quantity, EntryPrice: trade.EntryPrice, StopLoss: trade.StopLoss,
		Status: db.TradeStatusActive,
	}); err != nil {
		log.Fatalf("record trade: %v", err)
	}

	log.Printf("[SCENARIO 2] Equity falls to 70000")
	setEquity(ctx, svc, 70000)
	status, err := svc.EvaluateBreaker(ctx, account)
	if err != nil {
		log.Fatalf("evaluate: %v", err)
	}
	log.Printf("breaker triggered=%v drawdown=%.2f%%", status.PortfolioTriggered, status.DrawdownPct)
	report(svc.ValidateTrade(ctx, trade))

	log.Printf("[SCENARIO 3] Equity recovers to 92000")
	setEquity(ctx, svc, 92000)
	status, _ = svc.EvaluateBreaker(ctx, account)
	log.Printf("breaker triggered=%v drawdown=%.2f%%", status.PortfolioTriggered, status.DrawdownPct)

	history, err := svc.BreakerHistory(ctx, account, 10)
	if err != nil {
		log.Fatalf("history: %v", err)
	}
	for _, ev := range history {
		log.Printf("event %s %s %s dd=%.2f%% %s", ev.CreatedAt.Format(time.RFC3339), ev.Scope, ev.Action, ev.DrawdownPct, ev.Message)
	}

	log.Println("=== DRY-RUN demo finished ===")
}

func buildEngine(riskFile *config.RiskFile, zl *zap.Logger) (*engine.Impl, func()) {
	database, err := db.New(":memory:")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	queries := database.Queries()
	writer := persistence.NewBatchWriter(database.DB, 50, time.Second, zl)
	recorder := persistence.NewRecorder(queries, writer)

	registry := strategy.NewRegistryFromFile(riskFile)
	executor := strategy.NewExecutor(registry, zl)
	bus := events.NewBus()
	balances := balance.NewMultiAccount(balance.DryRunFactory(0, zl), true)

	tr := tracker.New(tracker.Options{
		Equity: balances, Positions: balances, Store: recorder,
		Catalog: registry, Activity: executor, Bus: bus, Log: zl,
	})
	limits := risk.NewLimitsBookFromFile(riskFile)
	breakerCfg, err := breaker.ConfigFromFile(riskFile.Breaker)
	if err != nil {
		log.Fatalf("breaker config: %v", err)
	}
	br, err := breaker.New(breaker.Options{
		Tracker: tr, Catalog: registry, Executor: executor, Store: recorder, Limits: limits,
		Alerts: monitor.NewLogSink(zl), Bus: bus, Log: zl, Config: breakerCfg,
	})
	if err != nil {
		log.Fatalf("breaker: %v", err)
	}
	pipeline := risk.NewPipeline(risk.Options{
		Summaries: tr, Ledger: queries, Limits: limits,
		Allocations: registry, Strategies: tr, Halts: br, Bus: bus, Log: zl,
	})

	impl := engine.NewImpl(engine.Config{
		Tracker: tr, Pipeline: pipeline, Breaker: br, Balances: balances,
		Registry: registry, Executor: executor, Ledger: queries,
		Accounts: []string{account},
	})
	return impl, func() {
		writer.Close()
		database.Close()
	}
}

func setEquity(ctx context.Context, svc *engine.Impl, v float64) {
	info, err := svc.SetEquity(ctx, account, engine.EquityUpdate{Equity: &v})
	if err != nil {
		log.Fatalf("set equity: %v", err)
	}
	log.Printf("equity=%.2f peak=%.2f drawdown=%.2f%%", info.Equity, info.PeakEquity, info.DrawdownPct)
}

func report(res risk.ValidationResult) {
	if res.Passed {
		log.Printf("trade approved")
		return
	}
	log.Printf("trade rejected at %s (%s): %s", res.Check, res.Kind, res.Error)
}
