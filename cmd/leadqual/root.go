package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/leadqual/internal/config"
)

var cfgFile string

// Execute is the main entry point called from main.go.
func Execute() {
	rootCmd := &cobra.Command{
		Use:   "leadqual",
		Short: "Lead qualification conversation service",
		Long: "leadqual collects a visitor's name, age, country and product interest through a " +
			"guided conversation, confirms the details and stores the qualified lead.",
		PersistentPreRun: func(*cobra.Command, []string) {
			if err := godotenv.Load(); err != nil {
				slog.Debug("No .env file found, using environment variables")
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default $LEADQUAL_CONFIG)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newChatCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads configuration after flags are parsed.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// newLogger installs a JSON slog logger as default. LOG_LEVEL selects the
// level (debug, info, warn, error).
func newLogger(w io.Writer, fallback slog.Level) *slog.Logger {
	level := fallback
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
