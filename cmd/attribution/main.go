package main

import (
	"fmt"
	"os"

	"github.com/radiusdt/affiliate-attribution/internal/config"
	"github.com/radiusdt/affiliate-attribution/internal/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "attribution",
	Short: "Affiliate click-to-conversion attribution service",
	Long: `attribution records affiliate clicks, attributes later conversions to
them under each campaign's attribution model, screens conversions for fraud
and computes affiliate payouts.

Configuration is read from ATTRIB_* environment variables.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"attribution version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
}

// bootstrap loads configuration and builds the logger shared by every command.
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}
