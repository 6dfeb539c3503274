package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/affiliate-attribution/internal/config"
	"github.com/radiusdt/affiliate-attribution/internal/metrics"
	"github.com/radiusdt/affiliate-attribution/internal/storage"
	"go.uber.org/zap"
)

const applicationName = "affiliate-attribution"

// PostgresDB is the durable store's connection pool.
type PostgresDB struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresDB connects the pool and pings it.
func NewPostgresDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresDB, error) {
	poolConfig, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.DBName),
		zap.Int("max_conns", cfg.MaxConns),
		zap.Duration("statement_timeout", cfg.StatementTimeout),
	)

	return &PostgresDB{
		Pool:   pool,
		logger: logger,
	}, nil
}

func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pc.MaxConns = int32(cfg.MaxConns)
	pc.MinConns = int32(cfg.MinConns)
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.HealthCheckPeriod = time.Minute

	params := pc.ConnConfig.RuntimeParams
	params["application_name"] = applicationName
	if cfg.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	return pc, nil
}

// ClickStore, EventStore, SessionStore and CampaignRepo return the Postgres
// stores sharing this pool.
func (db *PostgresDB) ClickStore() *storage.PostgresClickStore {
	return storage.NewPostgresClickStore(db.Pool)
}

func (db *PostgresDB) EventStore() *storage.PostgresEventStore {
	return storage.NewPostgresEventStore(db.Pool)
}

func (db *PostgresDB) SessionStore() *storage.PostgresSessionStore {
	return storage.NewPostgresSessionStore(db.Pool)
}

func (db *PostgresDB) CampaignRepo() *storage.PostgresCampaignRepo {
	return storage.NewPostgresCampaignRepo(db.Pool)
}

// ReportStats publishes pool usage to m every interval until ctx ends.
func (db *PostgresDB) ReportStats(ctx context.Context, m *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st := db.Pool.Stat()
			m.UpdateDBStats(int(st.IdleConns()), int(st.AcquiredConns()), int(st.TotalConns()))
		case <-ctx.Done():
			return
		}
	}
}

func (db *PostgresDB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("PostgreSQL connection pool closed")
	}
}

// Health pings the pool.
func (db *PostgresDB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
