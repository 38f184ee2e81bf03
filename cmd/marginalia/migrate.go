package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"marginalia/internal/logging"
	"marginalia/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if err := logging.SetLogLevel(cfg.LogLevel); err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{
				MaxOpenConns: cfg.DBMaxOpenConns,
				MaxIdleConns: cfg.DBMaxIdleConns,
			})
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			logging.DefaultLogger().Infof("migrations in %s applied", cfg.MigrationsDir)
			return nil
		},
	}
}
