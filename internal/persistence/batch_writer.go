package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"portfolio-risk/internal/monitor"
)

// row is one queued insert.
type row struct {
	table string
	query string
	args  []any
}

// BatchWriter queues inserts and applies them in one transaction per flush.
// A flush happens when maxSize rows are queued, every interval, on demand, and
// on Close. Rows of a failed flush are dropped and counted; the in-memory risk
// state they describe stays authoritative.
type BatchWriter struct {
	db       *sql.DB
	log      *zap.Logger
	metrics  atomic.Pointer[monitor.Metrics]
	maxSize  int
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	pending []row

	flushMu   sync.Mutex // one transaction at a time
	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup

	written   atomic.Uint64
	dropped   atomic.Uint64
	batches   atomic.Uint64
	lastFlush atomic.Int64
}

// WriterStats summarizes the writer's activity since start.
type WriterStats struct {
	Pending   int       `json:"pending"`
	Written   uint64    `json:"written"`
	Dropped   uint64    `json:"dropped"`
	Batches   uint64    `json:"batches"`
	LastFlush time.Time `json:"last_flush"`
}

// NewBatchWriter starts a writer that flushes after maxSize queued rows or
// every interval, whichever comes first.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration, log *zap.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}

	bw := &BatchWriter{
		db:       db,
		log:      log.Named("batch_writer"),
		maxSize:  maxSize,
		interval: interval,
		timeout:  10 * time.Second,
		pending:  make([]row, 0, maxSize),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.loop()
	return bw
}

// Instrument reports flushed and dropped rows per table to m.
func (bw *BatchWriter) Instrument(m *monitor.Metrics) *BatchWriter {
	bw.metrics.Store(m)
	return bw
}

// Enqueue queues an insert into table.
func (bw *BatchWriter) Enqueue(table, query string, args ...any) {
	bw.mu.Lock()
	bw.pending = append(bw.pending, row{table: table, query: query, args: args})
	full := len(bw.pending) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		select {
		case bw.kick <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of queued rows.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.pending)
}

// Flush writes every queued row now.
func (bw *BatchWriter) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	rows := bw.pending
	bw.pending = make([]row, 0, bw.maxSize)
	bw.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), bw.timeout)
	defer cancel()
	err := bw.apply(ctx, rows)

	bw.batches.Add(1)
	bw.lastFlush.Store(time.Now().UnixNano())
	perTable := countByTable(rows)
	metrics := bw.metrics.Load()
	for table, n := range perTable {
		metrics.RecordPersisted(table, n, err == nil)
	}
	if err != nil {
		bw.dropped.Add(uint64(len(rows)))
		bw.log.Error("batch dropped", zap.Int("rows", len(rows)), zap.Error(err))
		return err
	}
	bw.written.Add(uint64(len(rows)))
	bw.log.Debug("flushed", zap.Int("rows", len(rows)), zap.Any("tables", perTable))
	return nil
}

func (bw *BatchWriter) apply(ctx context.Context, rows []row) error {
	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, r.query, r.args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert into %s: %w", r.table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func countByTable(rows []row) map[string]int {
	out := make(map[string]int, 3)
	for _, r := range rows {
		out[r.table]++
	}
	return out
}

func (bw *BatchWriter) loop() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = bw.Flush()
		case <-bw.kick:
			_ = bw.Flush()
		case <-bw.done:
			bw.closeErr = bw.Flush()
			return
		}
	}
}

// Stats returns counters since start.
func (bw *BatchWriter) Stats() WriterStats {
	s := WriterStats{
		Pending: bw.Pending(),
		Written: bw.written.Load(),
		Dropped: bw.dropped.Load(),
		Batches: bw.batches.Load(),
	}
	if ts := bw.lastFlush.Load(); ts > 0 {
		s.LastFlush = time.Unix(0, ts)
	}
	return s
}

// Close stops the background loop after a final flush and returns that
// flush's error. It is safe to call more than once.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() {
		close(bw.done)
	})
	bw.wg.Wait()
	return bw.closeErr
}
