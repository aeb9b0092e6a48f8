// Package service composes ingestion, aggregation and detection into the runs triggered by
// the watcher, the HTTP surface and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vanshika/votetrace/internal/aggregate"
	"github.com/vanshika/votetrace/internal/detect"
	"github.com/vanshika/votetrace/internal/domain"
	"github.com/vanshika/votetrace/internal/ingest"
	"github.com/vanshika/votetrace/internal/lock"
	"github.com/vanshika/votetrace/internal/logging"
	"github.com/vanshika/votetrace/internal/store"
)

// TaskError accumulates the failures of independent steps of one run.
type TaskError struct {
	Errors []error
}

func (e *TaskError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msg := "multiple errors:"
	for _, err := range e.Errors {
		msg += " " + err.Error() + ";"
	}
	return msg
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e *TaskError) Unwrap() []error {
	return e.Errors
}

func (e *TaskError) append(err error) {
	if err == nil {
		return
	}
	e.Errors = append(e.Errors, err)
}

func (e *TaskError) asError() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// Outcome is everything one pipeline run produced.
type Outcome struct {
	File      *domain.ProcessingResult          `json:"file,omitempty"`
	Directory *domain.DirectoryProcessingResult `json:"directory,omitempty"`
	Stats     []domain.HourlyStat               `json:"stats"`
	Alerts    []domain.Alert                    `json:"alerts"`
}

// Pipeline runs ingest, then aggregation of the touched hours, then detection.
type Pipeline struct {
	ingestor   *ingest.Ingestor
	aggregator *aggregate.Aggregator
	runner     *detect.Runner
	stats      store.StatStore
	locker     lock.Locker
	logger     *slog.Logger
}

// NewPipeline wires the stages together. locker serialises runs of the same path.
func NewPipeline(ingestor *ingest.Ingestor, aggregator *aggregate.Aggregator, runner *detect.Runner, stats store.StatStore, locker lock.Locker, logger *slog.Logger) *Pipeline {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Pipeline{
		ingestor:   ingestor,
		aggregator: aggregator,
		runner:     runner,
		stats:      stats,
		locker:     locker,
		logger:     logging.OrDiscard(logger).With("component", "pipeline"),
	}
}

// Run ingests path, a file or a directory, and analyses every hour it touched. Hours are
// still analysed when some files of a directory failed.
func (p *Pipeline) Run(ctx context.Context, path string) (Outcome, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Outcome{}, fmt.Errorf("stat %s: %w", abs, err)
	}

	unlock, err := p.locker.Lock(ctx, "path:"+abs)
	if err != nil {
		return Outcome{}, fmt.Errorf("lock %s: %w", abs, err)
	}
	defer unlock()

	var (
		out            Outcome
		constituencyID string
		buckets        []time.Time
		ingestErr      error
	)
	if info.IsDir() {
		res, err := p.ingestor.ProcessDirectory(ctx, abs)
		out.Directory = &res
		constituencyID, buckets, ingestErr = res.ConstituencyID, res.Buckets, err
	} else {
		res, err := p.ingestor.ProcessFile(ctx, abs)
		out.File = &res
		constituencyID, buckets, ingestErr = res.ConstituencyID, res.Buckets, err
	}

	if constituencyID == "" || len(buckets) == 0 {
		return out, ingestErr
	}
	stats, alerts, err := p.Analyze(ctx, constituencyID, buckets)
	out.Stats, out.Alerts = stats, alerts
	return out, errors.Join(ingestErr, err)
}

// Analyze aggregates the given hours plus any already aggregated hour that directly
// follows one of them, then runs detection and refreshes the anomaly counts. Every hour
// is attempted even when another fails.
func (p *Pipeline) Analyze(ctx context.Context, constituencyID string, hours []time.Time) ([]domain.HourlyStat, []domain.Alert, error) {
	targets, err := p.targets(ctx, constituencyID, hours)
	if err != nil {
		return nil, nil, err
	}

	var taskErr TaskError
	aggregated := make([]time.Time, 0, len(targets))
	for _, hour := range targets {
		if _, err := p.aggregator.Aggregate(ctx, constituencyID, hour); err != nil {
			taskErr.append(err)
			continue
		}
		aggregated = append(aggregated, hour)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var alerts []domain.Alert
	stats := make([]domain.HourlyStat, 0, len(aggregated))
	for _, hour := range aggregated {
		created, err := p.runner.Run(ctx, constituencyID, hour)
		alerts = append(alerts, created...)
		if err != nil {
			taskErr.append(err)
		}
		stat, err := p.aggregator.BackfillAnomalyCount(ctx, constituencyID, hour)
		if err != nil {
			taskErr.append(err)
			continue
		}
		stats = append(stats, stat)
	}

	p.logger.Info("hours analysed",
		"constituencyId", constituencyID,
		"hours", len(aggregated),
		"alerts", len(alerts),
		"errors", len(taskErr.Errors))
	return stats, alerts, taskErr.asError()
}

func (p *Pipeline) targets(ctx context.Context, constituencyID string, hours []time.Time) ([]time.Time, error) {
	set := make(map[time.Time]struct{}, len(hours)*2)
	for _, h := range hours {
		set[domain.HourBucket(h)] = struct{}{}
	}
	for _, h := range hours {
		next := domain.HourBucket(h).Add(time.Hour)
		if _, ok := set[next]; ok {
			continue
		}
		_, err := p.stats.GetHourlyStat(ctx, constituencyID, next)
		switch {
		case err == nil:
			set[next] = struct{}{}
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, fmt.Errorf("load stat %s@%s: %w", constituencyID, next.Format(time.RFC3339), err)
		}
	}
	out := make([]time.Time, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}
