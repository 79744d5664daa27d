package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"portfolio-risk/internal/api"
	"portfolio-risk/pkg/config"
)

var (
	tokenOperator string
	tokenAccounts []string
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the API",
	Long: `Issue an HS256 bearer token signed with JWT_SECRET.

Without --account the token may act on every account.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		token, expiresAt, err := api.GenerateToken(tokenOperator, tokenAccounts, cfg.JWTSecret, tokenTTL)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, token)
		fmt.Fprintf(out, "# operator=%s expires=%s\n", tokenOperator, expiresAt.UTC().Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenOperator, "operator", "operator", "operator name recorded in the token")
	tokenCmd.Flags().StringSliceVar(&tokenAccounts, "account", nil, "restrict the token to these accounts (repeatable)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 72*time.Hour, "token lifetime")
}
