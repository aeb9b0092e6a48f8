package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vanshika/votetrace/internal/domain"
	"github.com/vanshika/votetrace/internal/logging"
	"github.com/vanshika/votetrace/internal/store"
	"github.com/vanshika/votetrace/internal/telemetry"
)

// Notifier receives alerts the first time they are stored.
type Notifier interface {
	Notify(ctx context.Context, alert domain.Alert) error
}

// Runner evaluates a persisted bucket and stores the resulting alerts.
type Runner struct {
	detector *Detector
	stats    store.StatStore
	alerts   store.AlertStore
	notifier Notifier
	logger   *slog.Logger
	tracer   trace.Tracer
	raised   metric.Int64Counter
}

// NewRunner returns a Runner. notifier may be nil.
func NewRunner(detector *Detector, stats store.StatStore, alerts store.AlertStore, notifier Notifier, logger *slog.Logger) *Runner {
	return &Runner{
		detector: detector,
		stats:    stats,
		alerts:   alerts,
		notifier: notifier,
		logger:   logging.OrDiscard(logger).With("component", "detector"),
		tracer:   telemetry.Tracer("detect"),
		raised:   telemetry.Counter("detect", "votetrace.detect.alerts_raised", "Alerts stored for the first time"),
	}
}

// Run evaluates the stored stat of (constituencyID, hour) against the preceding hour.
// Only newly created alerts are returned and notified.
func (r *Runner) Run(ctx context.Context, constituencyID string, hour time.Time) ([]domain.Alert, error) {
	bucket := domain.HourBucket(hour)
	ctx, span := r.tracer.Start(ctx, "detect.Run", trace.WithAttributes(
		attribute.String("constituency.id", constituencyID),
		attribute.String("hour", bucket.Format(time.RFC3339)),
	))
	defer span.End()

	current, err := r.stats.GetHourlyStat(ctx, constituencyID, bucket)
	if err != nil {
		return nil, fmt.Errorf("load stat %s@%s: %w", constituencyID, bucket.Format(time.RFC3339), err)
	}
	var previous *domain.HourlyStat
	prev, err := r.stats.GetHourlyStat(ctx, constituencyID, bucket.Add(-time.Hour))
	switch {
	case err == nil:
		previous = &prev
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("load previous stat %s@%s: %w", constituencyID, bucket.Add(-time.Hour).Format(time.RFC3339), err)
	}

	var created []domain.Alert
	for _, alert := range r.detector.Evaluate(current, previous) {
		ok, err := r.alerts.CreateAlert(ctx, alert)
		if err != nil {
			return created, fmt.Errorf("create alert %s: %w", alert.Type, err)
		}
		if !ok {
			continue
		}
		created = append(created, alert)
		r.raised.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(alert.Type))))
		r.logger.Warn("anomaly detected",
			"constituencyId", alert.ConstituencyID,
			"type", alert.Type,
			"severity", alert.Severity,
			"window", alert.WindowStart)
		if r.notifier != nil {
			if err := r.notifier.Notify(ctx, alert); err != nil {
				r.logger.Error("failed to notify alert", "alertId", alert.ID, "error", err)
			}
		}
	}
	span.SetAttributes(attribute.Int("alerts.created", len(created)))
	return created, nil
}
