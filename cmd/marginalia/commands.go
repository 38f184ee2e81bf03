package main

import (
	"github.com/spf13/cobra"

	"marginalia/internal/config"
)

var (
	flagLogLevel string
	flagAddr     string
)

var rootCmd = &cobra.Command{
	Use:           "marginalia",
	Short:         "Collaborative document annotation server",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Run executes CLI.
func Run() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() config.Config {
	cfg := config.Load()
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagAddr != "" {
		cfg.Addr = flagAddr
	}
	return cfg
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.PersistentFlags().StringVarP(&flagLogLevel, "log-level", "l", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
}
