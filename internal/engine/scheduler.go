package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"portfolio-risk/internal/events"
	"portfolio-risk/internal/tracker"
)

// Scheduler drives the circuit breaker: a periodic tick evaluates every known
// account in parallel, and equity refreshes published on the bus are applied
// as soon as they arrive.
type Scheduler struct {
	impl     *Impl
	bus      *events.Bus
	interval time.Duration
	timeout  time.Duration
	idleTTL  time.Duration
	log      *zap.Logger

	wg sync.WaitGroup
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Interval time.Duration // default 30s
	Timeout  time.Duration // per account evaluation, default 5s
	IdleTTL  time.Duration // 0 disables cleanup
	Bus      *events.Bus
	Log      *zap.Logger
}

// NewScheduler creates a scheduler over the engine.
func NewScheduler(impl *Impl, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Scheduler{
		impl:     impl,
		bus:      cfg.Bus,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		idleTTL:  cfg.IdleTTL,
		log:      cfg.Log.Named("scheduler"),
	}
}

// Start runs the loops until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s.bus != nil {
		stream, unsub := s.bus.Subscribe(events.EventEquityRefreshed, 100)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer unsub()
			s.observe(ctx, stream)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.Tick(ctx)
		for {
			select {
			case <-ticker.C:
				s.Tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.Info("scheduler started", zap.Duration("interval", s.interval), zap.Duration("timeout", s.timeout))
}

// Wait blocks until the loops started by Start have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) observe(ctx context.Context, stream <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			summary, ok := msg.(tracker.Summary)
			if !ok {
				continue
			}
			s.impl.breaker.Observe(ctx, summary)
		}
	}
}

// Tick syncs exchange balances, evaluates every account concurrently and
// drops idle tracker state. It returns the number of failed evaluations.
func (s *Scheduler) Tick(ctx context.Context) int {
	if s.impl.balances != nil {
		sctx, cancel := context.WithTimeout(ctx, s.timeout)
		if err := s.impl.balances.SyncAll(sctx); err != nil {
			s.log.Warn("balance sync failed", zap.Error(err))
		}
		cancel()
	}

	accounts := s.impl.Accounts()
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, acct := range accounts {
		wg.Add(1)
		go func(accountID string) {
			defer wg.Done()
			actx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			if _, err := s.impl.breaker.Evaluate(actx, accountID); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(acct)
	}
	wg.Wait()

	if s.idleTTL > 0 {
		if n := s.impl.tracker.CleanupIdle(s.idleTTL); n > 0 {
			s.log.Info("idle accounts evicted", zap.Int("count", n))
		}
	}
	if failed > 0 {
		s.log.Warn("evaluation tick incomplete", zap.Int("accounts", len(accounts)), zap.Int("failed", failed))
	}
	return failed
}
