package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"licensor/internal/app"
	"licensor/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the licensing server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	return application.Run(context.Background())
}
