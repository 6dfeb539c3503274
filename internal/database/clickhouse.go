package database

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/radiusdt/affiliate-attribution/internal/config"
	"go.uber.org/zap"
)

// NewClickHouse opens a native-protocol ClickHouse connection and waits for
// it to answer a ping, retrying until ctx is done.
func NewClickHouse(ctx context.Context, cfg config.ClickHouseConfig, logger *zap.Logger) (clickhouse.Conn, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		conn, err := openClickHouse(ctx, cfg)
		if err == nil {
			logger.Info("connected to ClickHouse",
				zap.String("addr", cfg.Addr),
				zap.String("database", cfg.Database),
			)
			return conn, nil
		}
		logger.Debug("clickhouse not ready, retrying", zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for clickhouse: %w", err)
		case <-ticker.C:
		}
	}
}

func openClickHouse(ctx context.Context, cfg config.ClickHouseConfig) (clickhouse.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("error connecting to clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping failed: %w", err)
	}

	return conn, nil
}
