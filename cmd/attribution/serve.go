package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/analytics"
	"github.com/radiusdt/affiliate-attribution/internal/config"
	"github.com/radiusdt/affiliate-attribution/internal/database"
	"github.com/radiusdt/affiliate-attribution/internal/geo"
	"github.com/radiusdt/affiliate-attribution/internal/httpserver"
	"github.com/radiusdt/affiliate-attribution/internal/metrics"
	"github.com/radiusdt/affiliate-attribution/internal/postback"
	"github.com/radiusdt/affiliate-attribution/internal/publisher"
	"github.com/radiusdt/affiliate-attribution/internal/reporting"
	"github.com/radiusdt/affiliate-attribution/internal/storage"
	"github.com/radiusdt/affiliate-attribution/internal/tracking"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	connectTimeout  = 30 * time.Second
	dbStatsInterval = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion and reporting HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		defer logger.Sync()

		migrate, _ := cmd.Flags().GetBool("migrate")
		return serve(cmd.Context(), cfg, logger, migrate)
	},
}

func init() {
	serveCmd.Flags().Bool("migrate", false, "Apply pending migrations before serving")
}

func serve(parent context.Context, cfg *config.Config, logger *zap.Logger, migrate bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting attribution service",
		zap.String("version", Version),
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	if migrate {
		if _, err := storage.Migrate(cfg.Database.DSN()); err != nil {
			return err
		}
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, connectTimeout)
	defer cancelConnect()

	db, err := database.NewPostgresDB(connectCtx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	redis, err := database.NewRedisDB(connectCtx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer redis.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics("attribution")
	}

	stores := tracking.Stores{
		Campaigns: db.CampaignRepo(),
		Clicks:    db.ClickStore(),
		Events:    db.EventStore(),
		Sessions:  db.SessionStore(),
	}

	if cfg.Tracking.CampaignsFile != "" {
		n, err := storage.SeedCampaigns(connectCtx, stores.Campaigns, cfg.Tracking.CampaignsFile)
		if err != nil {
			return err
		}
		logger.Info("campaigns seeded", zap.Int("count", n), zap.String("file", cfg.Tracking.CampaignsFile))
	}

	var geoLookup tracking.GeoLookup
	if cfg.Geo.Enabled {
		provider, err := geo.NewMaxMindProvider(cfg.Geo.DatabasePath)
		if err != nil {
			logger.Warn("geo database unavailable, country enrichment disabled", zap.Error(err))
		} else {
			resolver := geo.NewResolver(provider, cfg.Geo.CacheSize, cfg.Geo.CacheTTL, m)
			defer resolver.Close()
			geoLookup = resolver
		}
	}

	sinks := []tracking.Sink{postback.NewNotifier(stores.Campaigns, logger)}
	var closers []func() error
	if cfg.Kafka.Enabled {
		producer := publisher.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sinks = append(sinks, producer)
		closers = append(closers, producer.Close)
		logger.Info("publishing events to kafka", zap.String("topic", cfg.Kafka.Topic))
	}
	if cfg.ClickHouse.Enabled {
		conn, err := database.NewClickHouse(connectCtx, cfg.ClickHouse, logger)
		if err != nil {
			return err
		}
		defer conn.Close()

		writer := analytics.NewWriter(conn, cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval, logger)
		if err := writer.EnsureSchema(connectCtx); err != nil {
			return fmt.Errorf("clickhouse schema: %w", err)
		}
		writer.Start()
		sinks = append(sinks, writer)
		closers = append(closers, writer.Close)
	}

	svc := tracking.NewService(stores, redis.Cache(), geoLookup, cfg.Tracking, logger, m, sinks...)

	handler := httpserver.NewServer(&httpserver.Dependencies{
		Tracking:  svc,
		Reporting: reporting.NewService(stores.Events),
		Postback:  postback.NewHandler(stores.Clicks, svc, logger),
		Checks: map[string]httpserver.HealthChecker{
			"postgres": db,
			"redis":    redis,
		},
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go storage.NewSweeper(stores.Clicks, stores.Sessions, logger).Run(ctx, cfg.Tracking.SweepInterval)
	if m != nil {
		go db.ReportStats(ctx, m, dbStatsInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// In-flight publishes finish before the sinks close.
	svc.Close()
	for _, c := range closers {
		if err := c(); err != nil {
			logger.Warn("sink close failed", zap.Error(err))
		}
	}

	logger.Info("server stopped")
	return nil
}
