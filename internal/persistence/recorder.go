package persistence

import (
	"context"

	"portfolio-risk/pkg/db"
)

// Recorder is the datastore facade used by the tracker and the circuit breaker:
// reads go straight to the queries, writes are queued on the batch writer.
type Recorder struct {
	queries *db.Queries
	writer  *BatchWriter
}

// NewRecorder wires queries and a batch writer together.
func NewRecorder(queries *db.Queries, writer *BatchWriter) *Recorder {
	return &Recorder{queries: queries, writer: writer}
}

// LatestEquitySnapshot returns the newest persisted snapshot for an account.
func (r *Recorder) LatestEquitySnapshot(ctx context.Context, accountID string) (db.EquitySnapshot, error) {
	r.flushPending()
	return r.queries.LatestEquitySnapshot(ctx, accountID)
}

// LatestStrategyPerformance returns the newest performance row per strategy.
func (r *Recorder) LatestStrategyPerformance(ctx context.Context, accountID string) ([]db.StrategyPerformance, error) {
	r.flushPending()
	return r.queries.LatestStrategyPerformance(ctx, accountID)
}

// SaveEquitySnapshot queues a snapshot insert.
func (r *Recorder) SaveEquitySnapshot(_ context.Context, s db.EquitySnapshot) error {
	if s.AccountID == "" {
		return db.ErrAccountIDRequired
	}
	r.writer.Enqueue("equity_snapshots", db.InsertEquitySnapshotSQL, s.Args()...)
	return nil
}

// SaveStrategyPerformance queues a performance row insert.
func (r *Recorder) SaveStrategyPerformance(_ context.Context, p db.StrategyPerformance) error {
	if p.AccountID == "" {
		return db.ErrAccountIDRequired
	}
	r.writer.Enqueue("strategy_performance", db.InsertStrategyPerformanceSQL, p.Args()...)
	return nil
}

// SaveBreakerEvent queues a circuit breaker audit row.
func (r *Recorder) SaveBreakerEvent(_ context.Context, e db.BreakerEvent) error {
	if e.AccountID == "" {
		return db.ErrAccountIDRequired
	}
	r.writer.Enqueue("circuit_breaker_events", db.InsertBreakerEventSQL, e.Args()...)
	return nil
}

// ListBreakerEvents returns the newest breaker events for an account.
func (r *Recorder) ListBreakerEvents(ctx context.Context, accountID string, limit int) ([]db.BreakerEvent, error) {
	r.flushPending()
	return r.queries.ListBreakerEvents(ctx, accountID, limit)
}

// flushPending makes queued writes visible to the following read. A failed
// flush is already logged by the writer; the read proceeds with what is stored.
func (r *Recorder) flushPending() {
	if r.writer.Pending() > 0 {
		_ = r.writer.Flush()
	}
}
