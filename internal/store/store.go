// Package store defines the persistence boundary used by ingestion, aggregation and
// detection, together with an in-memory implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vanshika/votetrace/internal/domain"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrTransient marks failures that may succeed when retried.
	ErrTransient = errors.New("store: transient failure")
)

// TransactionStore persists transactions. BulkInsert skips ids that already exist and
// returns the ids it actually wrote, in input order.
type TransactionStore interface {
	Exists(ctx context.Context, id string) (bool, error)
	BulkInsert(ctx context.Context, txs []domain.Transaction) ([]string, error)
	QueryTransactions(ctx context.Context, constituencyID string, start, end time.Time) ([]domain.Transaction, error)
}

// StatStore keeps exactly one HourlyStat per constituency and hour.
type StatStore interface {
	UpsertHourlyStat(ctx context.Context, stat domain.HourlyStat) error
	GetHourlyStat(ctx context.Context, constituencyID string, hour time.Time) (domain.HourlyStat, error)
}

// AlertStore persists alerts. CreateAlert reports false when an alert with the same id
// already exists.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert domain.Alert) (bool, error)
	CountAlerts(ctx context.Context, constituencyID string, windowStart time.Time) (int, error)
}

// JobStore records FileProcessingJob lifecycles.
type JobStore interface {
	CreateJob(ctx context.Context, job domain.FileProcessingJob) error
	UpdateJob(ctx context.Context, job domain.FileProcessingJob) error
}

// ReferenceStore resolves constituency reference data.
type ReferenceStore interface {
	GetConstituency(ctx context.Context, id string) (domain.Constituency, error)
}

// Registry receives the region and hierarchy identity read from export paths. It upserts
// the region and relinks a constituency that already exists. Constituencies are never
// created from a path.
type Registry interface {
	RegisterPath(ctx context.Context, meta domain.PathMetadata) error
}

// Store is the full persistence boundary.
type Store interface {
	TransactionStore
	StatStore
	AlertStore
	JobStore
	ReferenceStore
	Registry
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
