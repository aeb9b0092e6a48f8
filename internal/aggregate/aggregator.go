// Package aggregate recomputes hourly statistics from persisted transactions.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vanshika/votetrace/internal/domain"
	"github.com/vanshika/votetrace/internal/lock"
	"github.com/vanshika/votetrace/internal/logging"
	"github.com/vanshika/votetrace/internal/store"
	"github.com/vanshika/votetrace/internal/telemetry"
)

// MaxRangeHours bounds AggregateRange and StoredRange.
const MaxRangeHours = 24 * 366

var (
	hundred = decimal.NewFromInt(100)
	// ErrRangeTooLarge is returned for range windows over MaxRangeHours.
	ErrRangeTooLarge = fmt.Errorf("aggregate range exceeds %d hours", MaxRangeHours)
)

// Deps are the stores an Aggregator reads and writes.
type Deps struct {
	Transactions store.TransactionStore
	Stats        store.StatStore
	Alerts       store.AlertStore
	References   store.ReferenceStore
	Locker       lock.Locker
}

// Aggregator owns HourlyStat records. Writes to the same (constituency, hour) are
// serialized; different keys run concurrently.
type Aggregator struct {
	deps     Deps
	logger   *slog.Logger
	tracer   trace.Tracer
	upserted metric.Int64Counter
}

// New returns an Aggregator. Locker defaults to an in-process keyed mutex.
func New(deps Deps, logger *slog.Logger) *Aggregator {
	if deps.Locker == nil {
		deps.Locker = lock.NewKeyedMutex()
	}
	return &Aggregator{
		deps:     deps,
		logger:   logging.OrDiscard(logger).With("component", "aggregator"),
		tracer:   telemetry.Tracer("aggregate"),
		upserted: telemetry.Counter("aggregate", "votetrace.aggregate.stats_upserted", "Hourly stats written"),
	}
}

// Aggregate recomputes and upserts the stat for the hour containing hour.
func (a *Aggregator) Aggregate(ctx context.Context, constituencyID string, hour time.Time) (domain.HourlyStat, error) {
	bucket := domain.HourBucket(hour)
	ctx, span := a.tracer.Start(ctx, "aggregate.Aggregate", trace.WithAttributes(
		attribute.String("constituency.id", constituencyID),
		attribute.String("hour", bucket.Format(time.RFC3339)),
	))
	defer span.End()

	unlock, err := a.deps.Locker.Lock(ctx, statKey(constituencyID, bucket))
	if err != nil {
		return domain.HourlyStat{}, err
	}
	defer unlock()

	txs, err := a.deps.Transactions.QueryTransactions(ctx, constituencyID, bucket, bucket.Add(time.Hour))
	if err != nil {
		return domain.HourlyStat{}, fmt.Errorf("query transactions %s@%s: %w", constituencyID, bucket.Format(time.RFC3339), err)
	}

	registered := 0
	c, err := a.deps.References.GetConstituency(ctx, constituencyID)
	switch {
	case err == nil:
		registered = c.RegisteredVoters
	case errors.Is(err, store.ErrNotFound):
		a.logger.Warn("constituency reference missing, participation rate left at 0", "constituencyId", constituencyID)
	default:
		return domain.HourlyStat{}, fmt.Errorf("lookup constituency %s: %w", constituencyID, err)
	}

	anomalies, err := a.deps.Alerts.CountAlerts(ctx, constituencyID, bucket)
	if err != nil {
		return domain.HourlyStat{}, fmt.Errorf("count alerts %s@%s: %w", constituencyID, bucket.Format(time.RFC3339), err)
	}

	stat := Compute(constituencyID, bucket, txs, registered)
	stat.AnomalyCount = anomalies
	if err := a.deps.Stats.UpsertHourlyStat(ctx, stat); err != nil {
		return domain.HourlyStat{}, fmt.Errorf("upsert hourly stat: %w", err)
	}
	a.upserted.Add(ctx, 1)
	a.logger.Debug("hourly stat upserted", "constituencyId", constituencyID, "hour", bucket, "transactions", stat.TransactionCount)
	return stat, nil
}

// AggregateRange aggregates every hour bucket intersecting [start, end), including empty ones.
func (a *Aggregator) AggregateRange(ctx context.Context, constituencyID string, start, end time.Time) ([]domain.HourlyStat, error) {
	hours, err := rangeHours(start, end)
	if err != nil {
		return nil, err
	}
	var stats []domain.HourlyStat
	for _, hour := range hours {
		stat, err := a.Aggregate(ctx, constituencyID, hour)
		if err != nil {
			return stats, err
		}
		stats = append(stats, stat)
	}
	return stats, nil
}

// StoredRange reads the stats already stored for the buckets intersecting [start, end).
// Buckets that were never aggregated are omitted. Nothing is written.
func (a *Aggregator) StoredRange(ctx context.Context, constituencyID string, start, end time.Time) ([]domain.HourlyStat, error) {
	hours, err := rangeHours(start, end)
	if err != nil {
		return nil, err
	}
	var stats []domain.HourlyStat
	for _, hour := range hours {
		stat, err := a.deps.Stats.GetHourlyStat(ctx, constituencyID, hour)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("read hourly stat: %w", err)
		}
		stats = append(stats, stat)
	}
	return stats, nil
}

// rangeHours lists the bucket starts intersecting [start, end). An empty or inverted
// window yields none.
func rangeHours(start, end time.Time) ([]time.Time, error) {
	if !end.After(start) {
		return nil, nil
	}
	first := domain.HourBucket(start)
	if end.Sub(first) > MaxRangeHours*time.Hour {
		return nil, ErrRangeTooLarge
	}
	var hours []time.Time
	for hour := first; hour.Before(end); hour = hour.Add(time.Hour) {
		hours = append(hours, hour)
	}
	return hours, nil
}

// BackfillAnomalyCount refreshes the anomaly count of an existing stat from the alert store.
func (a *Aggregator) BackfillAnomalyCount(ctx context.Context, constituencyID string, hour time.Time) (domain.HourlyStat, error) {
	bucket := domain.HourBucket(hour)
	unlock, err := a.deps.Locker.Lock(ctx, statKey(constituencyID, bucket))
	if err != nil {
		return domain.HourlyStat{}, err
	}
	defer unlock()

	stat, err := a.deps.Stats.GetHourlyStat(ctx, constituencyID, bucket)
	if err != nil {
		return domain.HourlyStat{}, err
	}
	count, err := a.deps.Alerts.CountAlerts(ctx, constituencyID, bucket)
	if err != nil {
		return domain.HourlyStat{}, err
	}
	if count == stat.AnomalyCount {
		return stat, nil
	}
	stat.AnomalyCount = count
	if err := a.deps.Stats.UpsertHourlyStat(ctx, stat); err != nil {
		return domain.HourlyStat{}, fmt.Errorf("upsert hourly stat: %w", err)
	}
	return stat, nil
}

// Compute derives a stat from the transactions of one bucket. AnomalyCount is left at 0.
func Compute(constituencyID string, hour time.Time, txs []domain.Transaction, registeredVoters int) domain.HourlyStat {
	stat := domain.HourlyStat{ConstituencyID: constituencyID, Hour: domain.HourBucket(hour)}
	for _, tx := range txs {
		stat.TransactionCount++
		switch tx.Type {
		case domain.TransactionTypeBulletinIssue:
			stat.BulletinsIssued++
		case domain.TransactionTypeVote:
			stat.VotesCast++
		}
	}
	// Buckets are one hour wide, so the per-hour rate equals the count.
	stat.BulletinVelocity = float64(stat.BulletinsIssued)
	stat.VoteVelocity = float64(stat.VotesCast)
	stat.ParticipationRate = ParticipationRate(stat.VotesCast, registeredVoters)
	return stat
}

// ParticipationRate returns votes / registered * 100 rounded to two decimals and clamped
// to [0, 100]. It is 0 when registered is not positive.
func ParticipationRate(votes, registered int) float64 {
	if registered <= 0 || votes <= 0 {
		return 0
	}
	rate := decimal.NewFromInt(int64(votes)).
		Div(decimal.NewFromInt(int64(registered))).
		Mul(hundred).
		Round(2)
	if rate.GreaterThan(hundred) {
		rate = hundred
	}
	return rate.InexactFloat64()
}

func statKey(constituencyID string, hour time.Time) string {
	return "stat:" + constituencyID + "@" + hour.UTC().Format(time.RFC3339)
}
