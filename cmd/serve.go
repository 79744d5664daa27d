package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"portfolio-risk/internal/api"
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

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the periodic breaker evaluation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	riskFile, err := config.LoadRiskFile(cfg.RiskConfigPath)
	if err != nil {
		return err
	}
	log.Info("starting",
		zap.String("version", Version),
		zap.String("port", cfg.Port),
		zap.String("db_path", cfg.DBPath),
		zap.String("risk_config", cfg.RiskConfigPath),
		zap.Strings("accounts", cfg.Accounts))

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	queries := database.Queries()

	metrics := monitor.NewMetrics()

	// Async persistence of snapshots, performance rows and breaker events
	writer := persistence.NewBatchWriter(database.DB, cfg.BatchSize, cfg.BatchFlushInterval, log).Instrument(metrics)
	defer writer.Close()
	recorder := persistence.NewRecorder(queries, writer)

	registry := strategy.NewRegistryFromFile(riskFile)
	if err := registry.SyncToDB(ctx, queries); err != nil {
		log.Warn("strategy sync failed", zap.Error(err))
	}
	executor := strategy.NewExecutor(registry, log)

	bus := events.NewBus()

	// Dry-run equity source; accounts appear on first use
	balances := balance.NewMultiAccount(balance.DryRunFactory(cfg.DryRunInitialEquity, log), true)
	for _, acct := range cfg.Accounts {
		if _, err := balances.GetOrCreate(acct); err != nil {
			return fmt.Errorf("init account %s: %w", acct, err)
		}
	}

	tr := tracker.New(tracker.Options{
		Equity:      balances,
		Positions:   balances,
		Store:       recorder,
		Catalog:     registry,
		Activity:    executor,
		Bus:         bus,
		Metrics:     metrics,
		Log:         log,
		CallTimeout: cfg.ExternalCallTimeout,
	})

	limits := risk.NewLimitsBookFromFile(riskFile)

	breakerCfg, err := breaker.ConfigFromFile(riskFile.Breaker)
	if err != nil {
		return err
	}
	alerts := monitor.NewLogSink(log)
	br, err := breaker.New(breaker.Options{
		Tracker:           tr,
		Catalog:           registry,
		Executor:          executor,
		Store:             recorder,
		Limits:            limits,
		Alerts:            alerts,
		Bus:               bus,
		Metrics:           metrics,
		Log:               log,
		Config:            breakerCfg,
		SideEffectTimeout: cfg.ExternalCallTimeout,
	})
	if err != nil {
		return err
	}

	pipeline := risk.NewPipeline(risk.Options{
		Summaries:   tr,
		Ledger:      queries,
		Limits:      limits,
		Allocations: registry,
		Strategies:  tr,
		Halts:       br,
		Bus:         bus,
		Metrics:     metrics,
		Log:         log,
		CallTimeout: cfg.ExternalCallTimeout,
	})

	mon := &monitor.Monitor{Bus: bus, Sink: alerts, Log: log, Timeout: cfg.ExternalCallTimeout}
	mon.Start(ctx)

	impl := engine.NewImpl(engine.Config{
		Tracker:  tr,
		Pipeline: pipeline,
		Breaker:  br,
		Balances: balances,
		Registry: registry,
		Executor: executor,
		Ledger:   queries,
		Metrics:  metrics,
		Writer:   writer,
		Accounts: cfg.Accounts,
		Meta: engine.SystemStatus{
			Mode:               "dry-run",
			DryRun:             true,
			Version:            Version,
			EvaluationInterval: cfg.EvaluationInterval.String(),
		},
	})
	sched := engine.NewScheduler(impl, engine.SchedulerConfig{
		Interval: cfg.EvaluationInterval,
		Timeout:  cfg.ExternalCallTimeout,
		IdleTTL:  cfg.IdleAccountTTL,
		Bus:      bus,
		Log:      log,
	})
	sched.Start(ctx)
	defer func() {
		cancel()
		sched.Wait()
	}()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(impl, bus, metrics, log, cfg.JWTSecret)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("api listening", zap.String("addr", srv.Addr))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("api server failed", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	return nil
}
