package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"licensor/internal/config"
	"licensor/internal/middleware"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin bearer token for the vendor endpoints",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "admin", "Token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Security.JWTSecret == "" {
		return fmt.Errorf("LICENSOR_SECURITY_JWT_SECRET is not set")
	}
	auth := middleware.NewJWTAuth(cfg.Security.JWTSecret, cfg.Security.JWTIssuer)
	token, err := auth.IssueToken(tokenSubject, tokenTTL)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Println(token)
	return nil
}
