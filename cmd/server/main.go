package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/vanshika/votetrace/internal/aggregate"
	"github.com/vanshika/votetrace/internal/alerting"
	"github.com/vanshika/votetrace/internal/config"
	"github.com/vanshika/votetrace/internal/detect"
	"github.com/vanshika/votetrace/internal/graph"
	"github.com/vanshika/votetrace/internal/ingest"
	"github.com/vanshika/votetrace/internal/lock"
	"github.com/vanshika/votetrace/internal/logging"
	"github.com/vanshika/votetrace/internal/repository"
	"github.com/vanshika/votetrace/internal/server"
	"github.com/vanshika/votetrace/internal/service"
	"github.com/vanshika/votetrace/internal/store"
	"github.com/vanshika/votetrace/internal/store/postgres"
	"github.com/vanshika/votetrace/internal/watch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped unexpectedly", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("closing resource failed", "error", err)
			}
		}
	}()

	st, db, err := buildStore(ctx, logger, cfg.Database)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	if db != nil {
		closers = append(closers, db)
	}

	var (
		references store.ReferenceStore = st
		registry   store.Registry       = st
		health     = server.HealthChecks{}
	)
	if db != nil {
		health = append(health, server.SQLHealthService{DB: db})
	}

	graphClient, err := buildGraphClient(ctx, logger, cfg)
	switch {
	case errors.Is(err, graph.ErrMissingURI):
		logger.Info("graph not configured, reference data served by the store")
	case err != nil:
		return fmt.Errorf("create graph client: %w", err)
	default:
		defer func() {
			if err := graphClient.Close(context.Background()); err != nil {
				logger.Warn("closing graph client failed", "error", err)
			}
		}()
		repo := repository.New(graphClient)
		references, registry = repo, repo
		health = append(health, server.GraphHealthService{Client: graphClient})
	}

	locker := buildLocker(logger, cfg.Redis, &closers)

	sinks, err := buildSinks(ctx, logger, cfg, &closers)
	if err != nil {
		return fmt.Errorf("build alert sinks: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Detection.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}

	ingestor := ingest.New(ingest.Deps{
		Transactions: st,
		Jobs:         st,
		References:   references,
		Registry:     registry,
		Locker:       locker,
	}, ingest.Options{
		DataRoot:        cfg.Ingest.DataRootSegment,
		FilePattern:     cfg.Ingest.FilePattern,
		Workers:         cfg.Ingest.Workers,
		TolerantParsing: cfg.Ingest.TolerantParsing,
		RetryBackoff:    cfg.Ingest.RetryBackoff,
		IOTimeout:       cfg.Ingest.IOTimeout,
		ClockSkew:       cfg.Validation.ClockSkew,
	}, logger)

	aggregator := aggregate.New(aggregate.Deps{
		Transactions: st,
		Stats:        st,
		Alerts:       st,
		References:   references,
		Locker:       locker,
	}, logger)

	detector := detect.NewDetector(detect.Config{
		VelocityMultiplier: cfg.Detection.VelocityMultiplier,
		OffHoursThreshold:  cfg.Detection.OffHoursThreshold,
		VotingHoursStart:   cfg.Detection.VotingHoursStart,
		VotingHoursEnd:     cfg.Detection.VotingHoursEnd,
		Location:           loc,
	}, nil)
	runner := detect.NewRunner(detector, st, st, sinks, logger)
	pipeline := service.NewPipeline(ingestor, aggregator, runner, st, locker, logger)

	watcher := watch.NewManager(ctx, watch.Options{
		SettleDelay: cfg.Watch.SettleDelay,
		QueueSize:   cfg.Watch.QueueSize,
		Filter:      ingestor.Matches,
	}, logger)
	for _, path := range cfg.Watch.Paths {
		if err := watcher.Start(path); err != nil {
			watcher.Close()
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}

	dispatcher := service.NewDispatcher(pipeline, cfg.Ingest.Workers, logger)

	router := server.NewRouter(logger, server.RouterDependencies{
		Health:         health,
		API:            server.NewAPIHandlers(logger, watcher, pipeline, aggregator),
		AllowedOrigins: cfg.Server.AllowedOrigins(),
	})
	srv := server.New(logger, cfg.Server, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx, watcher.Events())
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		watcher.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})

	err = g.Wait()
	stats := dispatcher.Stats()
	logger.Info("stopped", "runs", stats.Runs, "failures", stats.Failures, "coalesced", stats.Coalesced)
	return err
}

func buildStore(ctx context.Context, logger *slog.Logger, cfg config.DatabaseConfig) (store.Store, *sql.DB, error) {
	if cfg.DSN == "" {
		logger.Warn("database.dsn not set, using in-memory store")
		return store.NewMemory(), nil, nil
	}

	db, err := postgres.Open(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if cfg.MigrateOnStart {
		if err := postgres.Migrate(db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("database migrations applied")
	}
	return postgres.New(db), db, nil
}

func buildGraphClient(ctx context.Context, logger *slog.Logger, cfg config.Config) (graph.Client, error) {
	if cfg.Graph.URI == "" {
		return nil, graph.ErrMissingURI
	}

	opts := graph.Options{
		URI:            cfg.Graph.URI,
		Database:       cfg.Graph.Database,
		Username:       cfg.Graph.Username,
		Password:       cfg.Graph.Password,
		MaxConnections: cfg.Graph.MaxConnections,
	}
	client, err := graph.NewNeo4jClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.VerifyConnectivity(ctx); err != nil {
		_ = client.Close(ctx)
		return nil, err
	}
	logger.Info("connected to graph", "uri", cfg.Graph.URI, "database", cfg.Graph.Database)
	return client, nil
}

func buildLocker(logger *slog.Logger, cfg config.RedisConfig, closers *[]io.Closer) lock.Locker {
	if cfg.Addr == "" {
		return lock.NewKeyedMutex()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	*closers = append(*closers, client)
	logger.Info("using redis locks", "addr", cfg.Addr)
	return lock.NewRedisLocker(client, cfg.LockTTL, logger)
}

func buildSinks(ctx context.Context, logger *slog.Logger, cfg config.Config, closers *[]io.Closer) (alerting.Fanout, error) {
	sinks := alerting.Fanout{alerting.NewLogSink(logger)}

	if len(cfg.Kafka.Brokers) > 0 {
		sink := alerting.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.AlertsTopic)
		*closers = append(*closers, sink)
		sinks = append(sinks, sink)
		logger.Info("publishing alerts to kafka", "topic", cfg.Kafka.AlertsTopic)
	}

	if cfg.PubSub.ProjectID != "" {
		sink, err := alerting.NewPubSubSink(ctx, cfg.PubSub.ProjectID, cfg.PubSub.AlertsTopic, cfg.PubSub.CredentialsJSON)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, sink)
		sinks = append(sinks, sink)
		logger.Info("publishing alerts to pubsub", "project", cfg.PubSub.ProjectID, "topic", cfg.PubSub.AlertsTopic)
	}
	return sinks, nil
}
