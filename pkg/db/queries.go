// Package db provides account-isolated database queries for the risk engine.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrAccountIDRequired = errors.New("account_id is required for data isolation")
	ErrNotFound          = errors.New("record not found")
)

// Queries provides account-isolated database queries.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a new Queries instance.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// Trade ledger
// ----------------------------------------

// InsertTrade adds a ledger row.
func (q *Queries) InsertTrade(ctx context.Context, t Trade) error {
	if t.AccountID == "" {
		return ErrAccountIDRequired
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO trades (id, account_id, strategy_id, symbol, side, entry_price, quantity,
		                    stop_loss, leverage, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.AccountID, t.StrategyID, t.Symbol, strings.ToLower(t.Side), t.EntryPrice, t.Quantity,
		nullFloat(t.StopLoss), nullFloat(t.Leverage), t.Status, t.CreatedAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// UpdateTradeStatus moves a trade through pending -> active -> closed.
func (q *Queries) UpdateTradeStatus(ctx context.Context, accountID, id, status string) error {
	if accountID == "" {
		return ErrAccountIDRequired
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE trades SET status = ?, updated_at = ?
		WHERE id = ? AND account_id = ?
	`, status, time.Now().UTC(), id, accountID)
	if err != nil {
		return fmt.Errorf("update trade status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTrade returns one of the account's trades.
func (q *Queries) GetTrade(ctx context.Context, accountID, id string) (Trade, error) {
	if accountID == "" {
		return Trade{}, ErrAccountIDRequired
	}
	var (
		t        Trade
		stopLoss sql.NullFloat64
		leverage sql.NullFloat64
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, account_id, strategy_id, symbol, side, entry_price, quantity,
		       stop_loss, leverage, status, created_at
		FROM trades
		WHERE id = ? AND account_id = ?
	`, id, accountID).Scan(&t.ID, &t.AccountID, &t.StrategyID, &t.Symbol, &t.Side, &t.EntryPrice,
		&t.Quantity, &stopLoss, &leverage, &t.Status, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Trade{}, ErrNotFound
	}
	if err != nil {
		return Trade{}, fmt.Errorf("get trade: %w", err)
	}
	t.StopLoss = floatPtr(stopLoss)
	t.Leverage = floatPtr(leverage)
	return t, nil
}

// ListTrades returns the account's trades matching the filter.
// With no statuses given, pending and active trades are returned.
func (q *Queries) ListTrades(ctx context.Context, accountID string, f TradeFilter) ([]Trade, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}

	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []string{TradeStatusPending, TradeStatusActive}
	}

	var (
		sb   strings.Builder
		args = []any{accountID}
	)
	sb.WriteString(`
		SELECT id, account_id, strategy_id, symbol, side, entry_price, quantity,
		       stop_loss, leverage, status, created_at
		FROM trades
		WHERE account_id = ?`)
	sb.WriteString(" AND status IN (" + placeholders(len(statuses)) + ")")
	for _, s := range statuses {
		args = append(args, s)
	}
	if f.Symbol != "" {
		sb.WriteString(" AND symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.StrategyID != "" {
		sb.WriteString(" AND strategy_id = ?")
		args = append(args, f.StrategyID)
	}
	sb.WriteString(" ORDER BY created_at ASC")

	rows, err := q.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var (
			t        Trade
			stopLoss sql.NullFloat64
			leverage sql.NullFloat64
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.StrategyID, &t.Symbol, &t.Side, &t.EntryPrice,
			&t.Quantity, &stopLoss, &leverage, &t.Status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.StopLoss = floatPtr(stopLoss)
		t.Leverage = floatPtr(leverage)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ----------------------------------------
// Equity snapshots
// ----------------------------------------

// InsertEquitySnapshotSQL is shared with the batch writer.
const InsertEquitySnapshotSQL = `
	INSERT INTO equity_snapshots (account_id, equity, peak_equity, drawdown_pct, daily_realized_pnl, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
`

// Args returns the positional arguments for InsertEquitySnapshotSQL.
func (s EquitySnapshot) Args() []any {
	return []any{s.AccountID, s.Equity, s.PeakEquity, s.DrawdownPct, s.DailyRealizedPnL, s.CreatedAt.UTC()}
}

// InsertEquitySnapshot writes a snapshot immediately.
func (q *Queries) InsertEquitySnapshot(ctx context.Context, s EquitySnapshot) error {
	if s.AccountID == "" {
		return ErrAccountIDRequired
	}
	if _, err := q.db.ExecContext(ctx, InsertEquitySnapshotSQL, s.Args()...); err != nil {
		return fmt.Errorf("insert equity snapshot: %w", err)
	}
	return nil
}

// LatestEquitySnapshot returns the newest snapshot for an account, or ErrNotFound.
// Its PeakEquity is the running maximum at write time, lowered only by an explicit reset.
func (q *Queries) LatestEquitySnapshot(ctx context.Context, accountID string) (EquitySnapshot, error) {
	if accountID == "" {
		return EquitySnapshot{}, ErrAccountIDRequired
	}
	var s EquitySnapshot
	err := q.db.QueryRowContext(ctx, `
		SELECT account_id, equity, peak_equity, drawdown_pct, daily_realized_pnl, created_at
		FROM equity_snapshots
		WHERE account_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, accountID).Scan(&s.AccountID, &s.Equity, &s.PeakEquity, &s.DrawdownPct, &s.DailyRealizedPnL, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return EquitySnapshot{}, ErrNotFound
	}
	if err != nil {
		return EquitySnapshot{}, fmt.Errorf("query equity snapshot: %w", err)
	}
	return s, nil
}

// ----------------------------------------
// Strategy performance
// ----------------------------------------

// InsertStrategyPerformanceSQL is shared with the batch writer.
const InsertStrategyPerformanceSQL = `
	INSERT INTO strategy_performance (account_id, strategy_id, day, daily_pnl, total_pnl, win_count, loss_count,
	                                  max_drawdown, sharpe_ratio, current_allocation_pct, base_equity,
	                                  peak_equity, is_active, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// Args returns the positional arguments for InsertStrategyPerformanceSQL.
func (p StrategyPerformance) Args() []any {
	return []any{
		p.AccountID, p.StrategyID, p.Day, p.DailyPnL, p.TotalPnL, p.WinCount, p.LossCount,
		p.MaxDrawdown, p.SharpeRatio, p.CurrentAllocationPct, p.BaseEquity, p.PeakEquity,
		boolToInt(p.IsActive), p.CreatedAt.UTC(),
	}
}

// InsertStrategyPerformance writes a performance row immediately.
func (q *Queries) InsertStrategyPerformance(ctx context.Context, p StrategyPerformance) error {
	if p.AccountID == "" {
		return ErrAccountIDRequired
	}
	if _, err := q.db.ExecContext(ctx, InsertStrategyPerformanceSQL, p.Args()...); err != nil {
		return fmt.Errorf("insert strategy performance: %w", err)
	}
	return nil
}

// LatestStrategyPerformance returns the newest performance row per strategy for an account.
func (q *Queries) LatestStrategyPerformance(ctx context.Context, accountID string) ([]StrategyPerformance, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT p.account_id, p.strategy_id, p.day, p.daily_pnl, p.total_pnl, p.win_count, p.loss_count,
		       p.max_drawdown, p.sharpe_ratio, p.current_allocation_pct, p.base_equity, p.peak_equity,
		       p.is_active, p.created_at
		FROM strategy_performance p
		WHERE p.account_id = ?
		  AND p.id = (
		      SELECT MAX(id) FROM strategy_performance
		      WHERE account_id = p.account_id AND strategy_id = p.strategy_id
		  )
		ORDER BY p.strategy_id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query strategy performance: %w", err)
	}
	defer rows.Close()

	var out []StrategyPerformance
	for rows.Next() {
		var (
			p        StrategyPerformance
			isActive int
		)
		if err := rows.Scan(&p.AccountID, &p.StrategyID, &p.Day, &p.DailyPnL, &p.TotalPnL, &p.WinCount,
			&p.LossCount, &p.MaxDrawdown, &p.SharpeRatio, &p.CurrentAllocationPct, &p.BaseEquity,
			&p.PeakEquity, &isActive, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan strategy performance: %w", err)
		}
		p.IsActive = isActive == 1
		out = append(out, p)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Circuit breaker events
// ----------------------------------------

// InsertBreakerEventSQL is shared with the batch writer.
const InsertBreakerEventSQL = `
	INSERT INTO circuit_breaker_events (id, account_id, scope, strategy_id, action, drawdown_pct, message, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

// Args returns the positional arguments for InsertBreakerEventSQL.
func (e BreakerEvent) Args() []any {
	return []any{e.ID, e.AccountID, e.Scope, e.StrategyID, e.Action, e.DrawdownPct, e.Message, e.CreatedAt.UTC()}
}

// ListBreakerEvents returns the newest breaker events for an account.
func (q *Queries) ListBreakerEvents(ctx context.Context, accountID string, limit int) ([]BreakerEvent, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, account_id, scope, strategy_id, action, drawdown_pct, message, created_at
		FROM circuit_breaker_events
		WHERE account_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query breaker events: %w", err)
	}
	defer rows.Close()

	var events []BreakerEvent
	for rows.Next() {
		var e BreakerEvent
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Scope, &e.StrategyID, &e.Action, &e.DrawdownPct,
			&e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan breaker event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ----------------------------------------
// Strategy definitions
// ----------------------------------------

// SyncStrategies upserts strategy definitions from config into the database.
func (q *Queries) SyncStrategies(ctx context.Context, defs []StrategyDefinition) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO strategies (id, name, symbols, allocation_pct, accounts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			symbols = excluded.symbols,
			allocation_pct = excluded.allocation_pct,
			accounts = excluded.accounts,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, d := range defs {
		if _, err := stmt.ExecContext(ctx, d.ID, d.Name, strings.Join(d.Symbols, ","),
			nullFloat(d.AllocationPct), strings.Join(d.Accounts, ","), now); err != nil {
			return fmt.Errorf("failed to upsert strategy %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

// ListStrategies returns every configured strategy.
func (q *Queries) ListStrategies(ctx context.Context) ([]StrategyDefinition, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, name, symbols, allocation_pct, accounts, updated_at
		FROM strategies
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var defs []StrategyDefinition
	for rows.Next() {
		var (
			d        StrategyDefinition
			symbols  string
			accounts string
			alloc    sql.NullFloat64
		)
		if err := rows.Scan(&d.ID, &d.Name, &symbols, &alloc, &accounts, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		d.Symbols = splitList(symbols)
		d.Accounts = splitList(accounts)
		d.AllocationPct = floatPtr(alloc)
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
