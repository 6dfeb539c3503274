package main

import (
	"context"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/database"
	"github.com/radiusdt/affiliate-attribution/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired unconverted clicks and expired sessions once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		defer logger.Sync()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		// A backlog can make one DELETE run long.
		cfg.Database.StatementTimeout = timeout
		db, err := database.NewPostgresDB(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		sw := storage.NewSweeper(db.ClickStore(), db.SessionStore(), logger)
		res, err := sw.Sweep(ctx)
		if err != nil {
			return err
		}
		logger.Info("sweep complete",
			zap.Int64("clicks", res.Clicks),
			zap.Int64("sessions", res.Sessions),
		)
		return nil
	},
}

func init() {
	sweepCmd.Flags().Duration("timeout", 5*time.Minute, "Maximum time for the sweep")
}
