package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vanshika/votetrace/internal/aggregate"
	"github.com/vanshika/votetrace/internal/alerting"
	"github.com/vanshika/votetrace/internal/config"
	"github.com/vanshika/votetrace/internal/detect"
	"github.com/vanshika/votetrace/internal/domain"
	"github.com/vanshika/votetrace/internal/ingest"
	"github.com/vanshika/votetrace/internal/logging"
	"github.com/vanshika/votetrace/internal/service"
	"github.com/vanshika/votetrace/internal/store"
	"github.com/vanshika/votetrace/internal/store/postgres"
)

var errMissingReference = errors.New("reference file required without a database")

func main() {
	var (
		reference = flag.String("reference", "", "Path to constituencies.json used to seed the in-memory store")
		workers   = flag.Int("workers", 0, "Number of concurrent file workers (defaults to ingest.workers)")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ingest [flags] <file-or-directory>")
		os.Exit(2)
	}
	path := flag.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *workers > 0 {
		cfg.Ingest.Workers = *workers
	}

	logger := logging.New(cfg.Logging).With("component", "ingest")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, closeStore, err := buildStore(ctx, cfg.Database, *reference)
	if err != nil {
		logger.Error("failed to build store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	loc, err := time.LoadLocation(cfg.Detection.Timezone)
	if err != nil {
		logger.Error("invalid timezone", "error", err)
		os.Exit(1)
	}

	ingestor := ingest.New(ingest.Deps{
		Transactions: st,
		Jobs:         st,
		References:   st,
		Registry:     st,
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
		References:   st,
	}, logger)
	detector := detect.NewDetector(detect.Config{
		VelocityMultiplier: cfg.Detection.VelocityMultiplier,
		OffHoursThreshold:  cfg.Detection.OffHoursThreshold,
		VotingHoursStart:   cfg.Detection.VotingHoursStart,
		VotingHoursEnd:     cfg.Detection.VotingHoursEnd,
		Location:           loc,
	}, nil)
	runner := detect.NewRunner(detector, st, st, alerting.NewLogSink(logger), logger)
	pipeline := service.NewPipeline(ingestor, aggregator, runner, st, nil, logger)

	start := time.Now()
	outcome, runErr := pipeline.Run(ctx, path)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(outcome); err != nil {
		logger.Error("failed to write outcome", "error", err)
	}

	if runErr != nil {
		logger.Error("ingestion failed", "path", path, "duration", time.Since(start).String(), "error", runErr)
		os.Exit(1)
	}
	logger.Info("ingestion complete", "path", path, "duration", time.Since(start).String(),
		"stats", len(outcome.Stats), "alerts", len(outcome.Alerts))
}

func buildStore(ctx context.Context, cfg config.DatabaseConfig, reference string) (store.Store, func(), error) {
	if cfg.DSN != "" {
		db, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.MigrateOnStart {
			if err := postgres.Migrate(db); err != nil {
				_ = db.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		st := postgres.New(db)
		if reference != "" {
			if err := seedReference(ctx, reference, st); err != nil {
				_ = db.Close()
				return nil, nil, err
			}
		}
		return st, func() { _ = db.Close() }, nil
	}

	if reference == "" {
		return nil, nil, errMissingReference
	}
	mem := store.NewMemory()
	if err := seedReference(ctx, reference, memorySeeder{mem}); err != nil {
		return nil, nil, err
	}
	return mem, func() {}, nil
}

type seeder interface {
	PutConstituency(ctx context.Context, c domain.Constituency) error
}

type memorySeeder struct {
	mem *store.Memory
}

func (s memorySeeder) PutConstituency(_ context.Context, c domain.Constituency) error {
	s.mem.PutConstituency(c)
	return nil
}

func seedReference(ctx context.Context, path string, dst seeder) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	var payload struct {
		Constituencies []domain.Constituency `json:"constituencies"`
	}
	if err := json.NewDecoder(file).Decode(&payload); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	for _, c := range payload.Constituencies {
		if err := dst.PutConstituency(ctx, c); err != nil {
			return fmt.Errorf("seed constituency %s: %w", c.ID, err)
		}
	}
	return nil
}
