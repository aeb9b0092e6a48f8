// Package ingest reads export CSV files into the transaction store.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vanshika/votetrace/internal/domain"
	"github.com/vanshika/votetrace/internal/extract"
	"github.com/vanshika/votetrace/internal/lock"
	"github.com/vanshika/votetrace/internal/logging"
	"github.com/vanshika/votetrace/internal/metadata"
	"github.com/vanshika/votetrace/internal/nested"
	"github.com/vanshika/votetrace/internal/store"
	"github.com/vanshika/votetrace/internal/validation"
)

const (
	defaultFilePattern  = "*.csv"
	defaultWorkers      = 4
	finalizeTimeout     = 10 * time.Second
	constituencyLockKey = "constituency:"
)

// Deps are the collaborators of an Ingestor. Locker defaults to an in-process keyed mutex.
type Deps struct {
	Transactions store.TransactionStore
	Jobs         store.JobStore
	References   store.ReferenceStore
	Registry     store.Registry
	Locker       lock.Locker
}

// Options tunes ingestion.
type Options struct {
	DataRoot        string
	FilePattern     string
	Workers         int
	TolerantParsing bool
	RetryBackoff    time.Duration
	IOTimeout       time.Duration
	ClockSkew       time.Duration
	Now             func() time.Time
}

// Ingestor processes export files and directories.
type Ingestor struct {
	deps      Deps
	opts      Options
	identity  metadata.Extractor
	rows      *extract.Extractor
	validator *validation.Validator
	logger    *slog.Logger
	inst      instruments
}

// New constructs an Ingestor.
func New(deps Deps, opts Options, logger *slog.Logger) *Ingestor {
	if opts.FilePattern == "" {
		opts.FilePattern = defaultFilePattern
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewKeyedMutex()
	}
	return &Ingestor{
		deps:     deps,
		opts:     opts,
		identity: metadata.NewExtractor(opts.DataRoot),
		rows:     extract.New(nested.NewDecoder(opts.TolerantParsing)),
		validator: validation.New(deps.References, deps.Transactions, validation.Options{
			ClockSkew: opts.ClockSkew,
			Now:       opts.Now,
		}),
		logger: logging.OrDiscard(logger).With("component", "ingestor"),
		inst:   newInstruments(),
	}
}

type candidate struct {
	row int
	tx  domain.Transaction
}

// ProcessFile ingests one export file. Row-level problems are reported in the result and
// never fail the file. A *FileProcessingError is returned when metadata extraction,
// reading or persistence leaves the file with nothing persisted.
func (i *Ingestor) ProcessFile(ctx context.Context, path string) (domain.ProcessingResult, error) {
	ctx, span := i.inst.tracer.Start(ctx, "ingest.ProcessFile", trace.WithAttributes(attribute.String("file.path", path)))
	defer span.End()
	if i.opts.IOTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.opts.IOTimeout)
		defer cancel()
	}

	job := domain.FileProcessingJob{
		ID:        uuid.NewString(),
		Filename:  filepath.Base(path),
		Status:    domain.JobStatusProcessing,
		StartedAt: i.opts.Now().UTC(),
	}
	result := domain.ProcessingResult{JobID: job.ID, Filename: job.Filename}
	logger := i.logger.With("file", path, "jobId", job.ID)

	if err := i.deps.Jobs.CreateJob(ctx, job); err != nil {
		return result, i.recordFailure(span, &FileProcessingError{Path: path, JobID: job.ID, Err: fmt.Errorf("create job: %w", err)})
	}

	fail := func(err error) (domain.ProcessingResult, error) {
		i.finish(ctx, logger, job, domain.JobStatusFailed, 0, err.Error())
		logger.Warn("file failed", "error", err)
		return result, i.recordFailure(span, &FileProcessingError{Path: path, JobID: job.ID, Err: err})
	}

	id, err := i.identity.Extract(path)
	if err != nil {
		return fail(err)
	}
	fillIdentity(&result, id)
	span.SetAttributes(attribute.String("constituency.id", id.Path.ConstituencyID))

	if i.deps.Registry != nil {
		if err := i.deps.Registry.RegisterPath(ctx, id.Path); err != nil {
			return fail(fmt.Errorf("register path: %w", err))
		}
	}

	unlock, err := i.deps.Locker.Lock(ctx, constituencyLockKey+id.Path.ConstituencyID)
	if err != nil {
		return fail(fmt.Errorf("serialize constituency %s: %w", id.Path.ConstituencyID, err))
	}
	defer unlock()

	candidates, err := i.readRows(ctx, path, id, job.ID, &result)
	if err != nil {
		return fail(err)
	}

	valid, err := i.screen(ctx, candidates, &result)
	if err != nil {
		return fail(err)
	}

	persisted, persistErr := i.persist(ctx, valid)
	for _, c := range valid {
		switch {
		case persisted[c.tx.ID]:
			result.TransactionsProcessed++
		case persistErr != nil:
			result.Errors = append(result.Errors, domain.RowError{Row: c.row, Kind: KindPersistence, Message: persistErr.Error()})
		default:
			// Another writer stored the id between screening and the insert.
			dupErr := &validation.DuplicateTransactionError{ID: c.tx.ID}
			result.Errors = append(result.Errors, domain.RowError{Row: c.row, Kind: KindDuplicate, Message: dupErr.Error()})
		}
	}
	sort.SliceStable(result.Errors, func(a, b int) bool { return result.Errors[a].Row < result.Errors[b].Row })
	result.RowsFailed = len(result.Errors)
	result.Buckets = buckets(valid, persisted)

	i.inst.rowsPersisted.Add(ctx, int64(result.TransactionsProcessed))
	i.inst.rowsRejected.Add(ctx, int64(result.RowsFailed))
	span.SetAttributes(
		attribute.Int("rows.persisted", result.TransactionsProcessed),
		attribute.Int("rows.failed", result.RowsFailed),
	)

	if persistErr != nil && result.TransactionsProcessed == 0 {
		return fail(persistErr)
	}

	details := ""
	if persistErr != nil {
		details = persistErr.Error()
	}
	i.finish(ctx, logger, job, domain.JobStatusCompleted, result.TransactionsProcessed, details)
	logger.Info("file ingested",
		"constituencyId", result.ConstituencyID,
		"transactionsProcessed", result.TransactionsProcessed,
		"rowsFailed", result.RowsFailed,
		"warnings", len(result.Warnings))
	return result, nil
}

func (i *Ingestor) readRows(ctx context.Context, path string, id metadata.Identity, jobID string, result *domain.ProcessingResult) ([]candidate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false

	src := extract.Source{Path: id.Path, File: id.File, JobID: jobID}
	seen := make(map[string]int)
	var candidates []candidate
	first := true

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return nil, fmt.Errorf("read: %w", err)
			}
			result.Errors = append(result.Errors, domain.RowError{Row: parseErr.StartLine, Kind: KindFormat, Message: parseErr.Error()})
			first = false
			continue
		}
		row, _ := reader.FieldPos(0)

		if first {
			first = false
			if extract.IsHeader(record) {
				result.Warnings = append(result.Warnings, domain.RowError{Row: row, Kind: KindHeader, Message: "first row treated as a header and skipped"})
				continue
			}
		}

		ex, err := i.rows.Extract(record, src)
		if err != nil {
			i.logger.Debug("row rejected", "file", path, "row", row, "error", err)
			result.Errors = append(result.Errors, domain.RowError{Row: row, Kind: rowKind(err), Message: err.Error()})
			continue
		}
		for _, w := range ex.Warnings {
			result.Warnings = append(result.Warnings, domain.RowError{Row: row, Kind: KindSkippedItem, Message: w.Error()})
		}

		if prev, dup := seen[ex.Transaction.ID]; dup && ex.Transaction.ID != "" {
			dupErr := &validation.DuplicateTransactionError{ID: ex.Transaction.ID}
			result.Errors = append(result.Errors, domain.RowError{
				Row:     row,
				Kind:    KindDuplicate,
				Message: fmt.Sprintf("%v (first seen on row %d)", dupErr, prev),
			})
			continue
		}
		seen[ex.Transaction.ID] = row
		candidates = append(candidates, candidate{row: row, tx: ex.Transaction})
	}
	return candidates, nil
}

// screen drops already-persisted ids before validating the remainder as one batch.
func (i *Ingestor) screen(ctx context.Context, candidates []candidate, result *domain.ProcessingResult) ([]candidate, error) {
	fresh := candidates[:0:0]
	for _, c := range candidates {
		if c.tx.ID == "" {
			fresh = append(fresh, c)
			continue
		}
		dup, err := i.validator.CheckDuplicate(ctx, c.tx.ID)
		if err != nil {
			return nil, err
		}
		if dup {
			dupErr := &validation.DuplicateTransactionError{ID: c.tx.ID}
			result.Errors = append(result.Errors, domain.RowError{Row: c.row, Kind: KindDuplicate, Message: dupErr.Error()})
			continue
		}
		fresh = append(fresh, c)
	}

	txs := make([]domain.Transaction, len(fresh))
	for idx, c := range fresh {
		txs[idx] = c.tx
	}
	violations, err := i.validator.ValidateBatch(ctx, txs)
	if err != nil {
		return nil, err
	}

	valid := make([]candidate, 0, len(fresh))
	for idx, c := range fresh {
		if v, bad := violations[idx]; bad {
			verr := &validation.Error{TransactionID: c.tx.ID, Violations: v}
			result.Errors = append(result.Errors, domain.RowError{Row: c.row, Kind: KindValidation, Message: verr.Error()})
			continue
		}
		valid = append(valid, c)
	}
	return valid, nil
}

// persist writes valid rows with one retry for transient failures. On success it returns
// the ids the store reports as inserted by this call. On failure it returns the ids found
// in the store afterwards.
func (i *Ingestor) persist(ctx context.Context, valid []candidate) (map[string]bool, error) {
	persisted := make(map[string]bool, len(valid))
	if len(valid) == 0 {
		return persisted, nil
	}
	txs := make([]domain.Transaction, len(valid))
	for idx, c := range valid {
		txs[idx] = c.tx
	}

	attempts := 1
	inserted, err := i.deps.Transactions.BulkInsert(ctx, txs)
	if err != nil && store.IsTransient(err) {
		i.logger.Warn("bulk insert failed, retrying once", "rows", len(txs), "error", err)
		select {
		case <-time.After(i.opts.RetryBackoff):
			attempts++
			inserted, err = i.deps.Transactions.BulkInsert(ctx, txs)
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
		}
	}
	if err == nil {
		for _, id := range inserted {
			persisted[id] = true
		}
		return persisted, nil
	}

	// Some rows may have landed before the failure; report exactly which ones did.
	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	for _, tx := range txs {
		ok, existsErr := i.deps.Transactions.Exists(checkCtx, tx.ID)
		if existsErr != nil {
			break
		}
		if ok {
			persisted[tx.ID] = true
		}
	}
	return persisted, &PersistenceError{Attempts: attempts, Rows: len(txs), Persisted: len(persisted), Err: err}
}

func (i *Ingestor) finish(ctx context.Context, logger *slog.Logger, job domain.FileProcessingJob, status domain.JobStatus, processed int, details string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	completed := i.opts.Now().UTC()
	job.Status = status
	job.TransactionsProcessed = processed
	job.CompletedAt = &completed
	job.Details = details
	if err := i.deps.Jobs.UpdateJob(ctx, job); err != nil {
		logger.Error("failed to finalize job", "status", status, "error", err)
	}
}

func (i *Ingestor) recordFailure(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	i.inst.filesFailed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", failureReason(err))))
	return err
}

func failureReason(err error) string {
	var extractErr *metadata.ExtractionError
	var persistErr *PersistenceError
	switch {
	case errors.As(err, &extractErr):
		return "metadata"
	case errors.As(err, &persistErr):
		return "persistence"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}

func rowKind(err error) string {
	var rowErr *extract.RowFormatError
	var parseErr *nested.ParseError
	switch {
	case errors.As(err, &rowErr):
		return KindFormat
	case errors.Is(err, extract.ErrTransactionTypeMissing):
		return KindTypeMissing
	case errors.As(err, &parseErr):
		return KindParse
	default:
		return KindFormat
	}
}

func fillIdentity(result *domain.ProcessingResult, id metadata.Identity) {
	result.ConstituencyID = id.Path.ConstituencyID
	result.RegionID = id.Path.RegionID
	result.RegionName = id.Path.RegionName
	result.ElectionName = id.Path.ElectionName
	result.ConstituencyName = id.Path.ConstituencyName
	result.Date = id.File.Date
	result.TimeRange = id.File.TimeRange
}

func buckets(valid []candidate, persisted map[string]bool) []time.Time {
	set := make(map[time.Time]struct{})
	for _, c := range valid {
		if persisted[c.tx.ID] {
			set[c.tx.HourBucket()] = struct{}{}
		}
	}
	out := make([]time.Time, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Before(out[b]) })
	return out
}
