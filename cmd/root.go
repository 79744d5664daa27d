// Package cmd holds the command line entry points.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X portfolio-risk/cmd.Version=...".
var Version = "v0.1-dev"

var rootCmd = &cobra.Command{
	Use:   "portfolio-risk",
	Short: "Portfolio risk validation and drawdown circuit breaker",
	Long: `portfolio-risk tracks account equity and per-strategy performance,
validates proposed trades against configured risk limits and halts
strategies when drawdown crosses the circuit breaker thresholds.

Settings come from the environment (optionally a .env file); strategies,
limits and breaker thresholds from the YAML file at RISK_CONFIG_PATH.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, tokenCmd, statusCmd, versionCmd)
}
