package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"portfolio-risk/pkg/config"
	"portfolio-risk/pkg/db"
)

var statusAccounts []string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted equity and breaker state per account",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		accounts := statusAccounts
		if len(accounts) == 0 {
			accounts = cfg.Accounts
		}

		database, err := db.New(cfg.DBPath)
		if err != nil {
			return err
		}
		defer database.Close()
		if err := db.ApplyMigrations(database); err != nil {
			return err
		}
		return renderStatus(cmd.Context(), cmd.OutOrStdout(), database.Queries(), accounts)
	},
}

func init() {
	statusCmd.Flags().StringSliceVar(&statusAccounts, "account", nil, "accounts to show (default ACCOUNTS)")
}

func renderStatus(ctx context.Context, out io.Writer, q *db.Queries, accounts []string) error {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetTitle("Accounts")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Account", "Equity", "Peak", "Drawdown", "Daily P&L", "Last Breaker Event", "At"})
	for _, acct := range accounts {
		row := table.Row{acct, "-", "-", "-", "-", "-", "-"}
		snap, err := q.LatestEquitySnapshot(ctx, acct)
		switch {
		case err == nil:
			row[1] = fmt.Sprintf("%.2f", snap.Equity)
			row[2] = fmt.Sprintf("%.2f", snap.PeakEquity)
			row[3] = fmt.Sprintf("%.2f%%", snap.DrawdownPct)
			row[4] = fmt.Sprintf("%+.2f", snap.DailyRealizedPnL)
		case !errors.Is(err, db.ErrNotFound):
			return err
		}
		evs, err := q.ListBreakerEvents(ctx, acct, 1)
		if err != nil {
			return err
		}
		if len(evs) > 0 {
			e := evs[0]
			label := e.Scope + " " + e.Action
			if e.StrategyID != "" {
				label += " (" + e.StrategyID + ")"
			}
			row[5] = label
			row[6] = e.CreatedAt.UTC().Format("2006-01-02 15:04:05")
		}
		t.AppendRow(row)
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	t.Render()

	defs, err := q.ListStrategies(ctx)
	if err != nil {
		return err
	}
	s := table.NewWriter()
	s.SetOutputMirror(out)
	s.SetTitle("Strategies")
	s.SetStyle(table.StyleRounded)
	s.AppendHeader(table.Row{"ID", "Name", "Symbols", "Allocation", "Accounts"})
	for _, d := range defs {
		alloc := "uncapped"
		if d.AllocationPct != nil {
			alloc = fmt.Sprintf("%.1f%%", *d.AllocationPct)
		}
		scope := "all"
		if len(d.Accounts) > 0 {
			scope = strings.Join(d.Accounts, ",")
		}
		s.AppendRow(table.Row{d.ID, d.Name, strings.Join(d.Symbols, ","), alloc, scope})
	}
	s.Render()
	return nil
}
