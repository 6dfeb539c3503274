package main

import (
	"github.com/radiusdt/affiliate-attribution/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending Postgres schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		defer logger.Sync()

		applied, err := storage.Migrate(cfg.Database.DSN())
		if err != nil {
			return err
		}
		if applied {
			logger.Info("migrations applied", zap.String("database", cfg.Database.DBName))
		} else {
			logger.Info("schema already up to date", zap.String("database", cfg.Database.DBName))
		}
		return nil
	},
}
