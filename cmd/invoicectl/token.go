package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/facturaIA/invoice-pipeline/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the HTTP API",
	Long: `Sign an HS256 token with the configured JWT secret (JWT_SECRET).
The token is printed on stdout.`,
	Example: `  invoicectl token --subject billing-sync --ttl 720h`,
	Args:    cobra.NoArgs,
	RunE:    runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("subject", "", "Token subject (required)")
	tokenCmd.Flags().String("role", "service", "Role claim")
	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime (default: auth.token_ttl)")
	_ = tokenCmd.MarkFlagRequired("subject")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("no JWT secret configured")
	}
	subject, _ := cmd.Flags().GetString("subject")
	role, _ := cmd.Flags().GetString("role")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	token, err := auth.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.Issuer, subject, role, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
