package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// verify_schema checks that a risk database carries the expected tables and
// columns. Usage: go run ./scripts/verify_schema.go [path]
func main() {
	dbPath := "./data/risk.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	expected := map[string][]string{
		"strategies":             {"allocation_pct", "accounts"},
		"trades":                 {"account_id", "strategy_id", "stop_loss", "status"},
		"equity_snapshots":       {"account_id", "peak_equity", "drawdown_pct"},
		"strategy_performance":   {"account_id", "strategy_id", "peak_equity"},
		"circuit_breaker_events": {"account_id", "scope", "action"},
	}
	missing := 0
	for _, table := range []string{"strategies", "trades", "equity_snapshots", "strategy_performance", "circuit_breaker_events"} {
		var schema string
		err := db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&schema)
		if err == sql.ErrNoRows {
			fmt.Printf("❌ %s table MISSING\n", table)
			missing++
			continue
		}
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		fmt.Printf("✓ %s table exists\n", table)
		for _, col := range expected[table] {
			if !strings.Contains(schema, col) {
				fmt.Printf("  ❌ %s.%s column MISSING\n", table, col)
				missing++
			}
		}
	}
	if missing > 0 {
		os.Exit(1)
	}
}
