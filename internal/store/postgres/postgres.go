// Package postgres implements store.Store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vanshika/votetrace/internal/domain"
	"github.com/vanshika/votetrace/internal/store"
)

// Store persists transactions, stats, alerts, jobs and reference data in PostgreSQL.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", classify(err))
	}
	return db, nil
}

const (
	insertTransactionSQL = `INSERT INTO transactions
		(id, constituency_id, block_height, ts, type, raw_fields, operation_fields, status, anomaly_detected, anomaly_reason, source, source_file_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`

	selectTransactionsSQL = `SELECT id, constituency_id, block_height, ts, type, raw_fields, operation_fields, status, anomaly_detected, anomaly_reason, source, source_file_id
		FROM transactions
		WHERE constituency_id = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts, id`

	upsertStatSQL = `INSERT INTO hourly_stats
		(constituency_id, hour, bulletins_issued, votes_cast, transaction_count, bulletin_velocity, vote_velocity, participation_rate, anomaly_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (constituency_id, hour) DO UPDATE SET
			bulletins_issued = EXCLUDED.bulletins_issued,
			votes_cast = EXCLUDED.votes_cast,
			transaction_count = EXCLUDED.transaction_count,
			bulletin_velocity = EXCLUDED.bulletin_velocity,
			vote_velocity = EXCLUDED.vote_velocity,
			participation_rate = EXCLUDED.participation_rate,
			anomaly_count = EXCLUDED.anomaly_count`

	selectStatSQL = `SELECT constituency_id, hour, bulletins_issued, votes_cast, transaction_count, bulletin_velocity, vote_velocity, participation_rate, anomaly_count
		FROM hourly_stats WHERE constituency_id = $1 AND hour = $2`

	insertAlertSQL = `INSERT INTO alerts (id, constituency_id, type, severity, status, window_start, detected_at, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	countAlertsSQL = `SELECT COUNT(*) FROM alerts WHERE constituency_id = $1 AND window_start = $2`

	insertJobSQL = `INSERT INTO file_processing_jobs (id, filename, status, transactions_processed, started_at, completed_at, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	updateJobSQL = `UPDATE file_processing_jobs
		SET status = $2, transactions_processed = $3, completed_at = $4, details = $5
		WHERE id = $1`

	selectConstituencySQL = `SELECT id, name, region_id, election_id, election_name, registered_voters, election_start
		FROM constituencies WHERE id = $1`

	upsertRegionSQL = `INSERT INTO regions (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`

	relinkConstituencySQL = `UPDATE constituencies SET
			name = $2,
			region_id = $3,
			election_name = $4,
			election_id = COALESCE(NULLIF(election_id, ''), $4)
		WHERE id = $1`

	ensureRegionSQL = `INSERT INTO regions (id, name) VALUES ($1, '') ON CONFLICT (id) DO NOTHING`

	putConstituencySQL = `INSERT INTO constituencies
		(id, name, region_id, election_id, election_name, registered_voters, election_start)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			region_id = EXCLUDED.region_id,
			election_id = EXCLUDED.election_id,
			election_name = EXCLUDED.election_name,
			registered_voters = EXCLUDED.registered_voters,
			election_start = EXCLUDED.election_start`

	existsSQL = `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`
)

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, existsSQL, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check transaction %s: %w", id, classify(err))
	}
	return exists, nil
}

// BulkInsert writes txs in one database transaction. Ids already present are skipped and
// left out of the returned ids.
func (s *Store) BulkInsert(ctx context.Context, txs []domain.Transaction) ([]string, error) {
	if len(txs) == 0 {
		return nil, nil
	}
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bulk insert: %w", classify(err))
	}
	defer func() { _ = dbtx.Rollback() }()

	stmt, err := dbtx.PrepareContext(ctx, insertTransactionSQL)
	if err != nil {
		return nil, fmt.Errorf("prepare bulk insert: %w", classify(err))
	}
	defer stmt.Close()

	var inserted []string
	for _, tx := range txs {
		raw, err := json.Marshal(tx.RawFields)
		if err != nil {
			return nil, fmt.Errorf("encode raw fields of %s: %w", tx.ID, err)
		}
		ops := tx.OperationFields
		if ops == nil {
			ops = domain.Fields{}
		}
		opsJSON, err := json.Marshal(ops)
		if err != nil {
			return nil, fmt.Errorf("encode operation fields of %s: %w", tx.ID, err)
		}
		res, err := stmt.ExecContext(ctx,
			tx.ID, tx.ConstituencyID, tx.BlockHeight, tx.Timestamp.UTC(), string(tx.Type),
			raw, opsJSON, string(tx.Status), tx.AnomalyDetected,
			nullString(tx.AnomalyReason), string(tx.Source), nullString(tx.SourceFileID))
		if err != nil {
			return nil, fmt.Errorf("insert transaction %s: %w", tx.ID, classify(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("insert transaction %s: %w", tx.ID, classify(err))
		}
		if n > 0 {
			inserted = append(inserted, tx.ID)
		}
	}
	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bulk insert: %w", classify(err))
	}
	return inserted, nil
}

func (s *Store) QueryTransactions(ctx context.Context, constituencyID string, start, end time.Time) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, selectTransactionsSQL, constituencyID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query transactions for %s: %w", constituencyID, classify(err))
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			tx                     domain.Transaction
			txType, status, source string
			raw, ops               []byte
			reason, fileID         sql.NullString
		)
		if err := rows.Scan(&tx.ID, &tx.ConstituencyID, &tx.BlockHeight, &tx.Timestamp, &txType,
			&raw, &ops, &status, &tx.AnomalyDetected, &reason, &source, &fileID); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", classify(err))
		}
		if err := json.Unmarshal(raw, &tx.RawFields); err != nil {
			return nil, fmt.Errorf("decode raw fields of %s: %w", tx.ID, err)
		}
		if len(ops) > 0 {
			if err := json.Unmarshal(ops, &tx.OperationFields); err != nil {
				return nil, fmt.Errorf("decode operation fields of %s: %w", tx.ID, err)
			}
		}
		tx.Timestamp = tx.Timestamp.UTC()
		tx.Type = domain.TransactionType(txType)
		tx.Status = domain.TransactionStatus(status)
		tx.Source = domain.TransactionSource(source)
		tx.AnomalyReason = stringPtr(reason)
		tx.SourceFileID = stringPtr(fileID)
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", classify(err))
	}
	return out, nil
}

func (s *Store) UpsertHourlyStat(ctx context.Context, stat domain.HourlyStat) error {
	_, err := s.db.ExecContext(ctx, upsertStatSQL,
		stat.ConstituencyID, stat.Hour.UTC(), stat.BulletinsIssued, stat.VotesCast, stat.TransactionCount,
		stat.BulletinVelocity, stat.VoteVelocity, stat.ParticipationRate, stat.AnomalyCount)
	if err != nil {
		return fmt.Errorf("upsert hourly stat %s: %w", stat.ConstituencyID, classify(err))
	}
	return nil
}

func (s *Store) GetHourlyStat(ctx context.Context, constituencyID string, hour time.Time) (domain.HourlyStat, error) {
	var stat domain.HourlyStat
	err := s.db.QueryRowContext(ctx, selectStatSQL, constituencyID, hour.UTC()).Scan(
		&stat.ConstituencyID, &stat.Hour, &stat.BulletinsIssued, &stat.VotesCast, &stat.TransactionCount,
		&stat.BulletinVelocity, &stat.VoteVelocity, &stat.ParticipationRate, &stat.AnomalyCount)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.HourlyStat{}, fmt.Errorf("hourly stat %s@%s: %w", constituencyID, hour.UTC().Format(time.RFC3339), store.ErrNotFound)
	}
	if err != nil {
		return domain.HourlyStat{}, fmt.Errorf("get hourly stat %s: %w", constituencyID, classify(err))
	}
	stat.Hour = stat.Hour.UTC()
	return stat, nil
}

func (s *Store) CreateAlert(ctx context.Context, alert domain.Alert) (bool, error) {
	details, err := json.Marshal(alert.Details)
	if err != nil {
		return false, fmt.Errorf("encode alert details %s: %w", alert.ID, err)
	}
	res, err := s.db.ExecContext(ctx, insertAlertSQL,
		alert.ID, alert.ConstituencyID, string(alert.Type), string(alert.Severity), string(alert.Status),
		alert.WindowStart.UTC(), alert.DetectedAt.UTC(), details)
	if err != nil {
		return false, fmt.Errorf("create alert %s: %w", alert.ID, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create alert %s: %w", alert.ID, classify(err))
	}
	return n == 1, nil
}

func (s *Store) CountAlerts(ctx context.Context, constituencyID string, windowStart time.Time) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, countAlertsSQL, constituencyID, windowStart.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count alerts for %s: %w", constituencyID, classify(err))
	}
	return count, nil
}

func (s *Store) CreateJob(ctx context.Context, job domain.FileProcessingJob) error {
	_, err := s.db.ExecContext(ctx, insertJobSQL,
		job.ID, job.Filename, string(job.Status), job.TransactionsProcessed,
		job.StartedAt.UTC(), nullTime(job.CompletedAt), job.Details)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, classify(err))
	}
	return nil
}

func (s *Store) UpdateJob(ctx context.Context, job domain.FileProcessingJob) error {
	res, err := s.db.ExecContext(ctx, updateJobSQL,
		job.ID, string(job.Status), job.TransactionsProcessed, nullTime(job.CompletedAt), job.Details)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, classify(err))
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) GetConstituency(ctx context.Context, id string) (domain.Constituency, error) {
	var (
		c     domain.Constituency
		start sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, selectConstituencySQL, id).Scan(
		&c.ID, &c.Name, &c.RegionID, &c.ElectionID, &c.ElectionName, &c.RegisteredVoters, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Constituency{}, fmt.Errorf("constituency %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return domain.Constituency{}, fmt.Errorf("get constituency %s: %w", id, classify(err))
	}
	if start.Valid {
		c.ElectionStart = start.Time.UTC()
	}
	return c, nil
}

// RegisterPath upserts the region named by an export path and relinks the constituency
// when it already exists. Unknown constituencies are not created.
func (s *Store) RegisterPath(ctx context.Context, meta domain.PathMetadata) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin register path: %w", classify(err))
	}
	defer func() { _ = dbtx.Rollback() }()

	if _, err := dbtx.ExecContext(ctx, upsertRegionSQL, meta.RegionID, meta.RegionName); err != nil {
		return fmt.Errorf("upsert region %d: %w", meta.RegionID, classify(err))
	}
	if _, err := dbtx.ExecContext(ctx, relinkConstituencySQL,
		meta.ConstituencyID, meta.ConstituencyName, meta.RegionID, meta.ElectionName); err != nil {
		return fmt.Errorf("relink constituency %s: %w", meta.ConstituencyID, classify(err))
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit register path: %w", classify(err))
	}
	return nil
}

// PutConstituency writes the full reference record of a constituency, creating its
// region when it is not known yet.
func (s *Store) PutConstituency(ctx context.Context, c domain.Constituency) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put constituency: %w", classify(err))
	}
	defer func() { _ = dbtx.Rollback() }()

	if _, err := dbtx.ExecContext(ctx, ensureRegionSQL, c.RegionID); err != nil {
		return fmt.Errorf("ensure region %d: %w", c.RegionID, classify(err))
	}
	var start *time.Time
	if !c.ElectionStart.IsZero() {
		start = &c.ElectionStart
	}
	if _, err := dbtx.ExecContext(ctx, putConstituencySQL,
		c.ID, c.Name, c.RegionID, c.ElectionID, c.ElectionName, c.RegisteredVoters, nullTime(start)); err != nil {
		return fmt.Errorf("put constituency %s: %w", c.ID, classify(err))
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit put constituency: %w", classify(err))
	}
	return nil
}

var _ store.Store = (*Store)(nil)

// classify marks connection, rollback and resource-exhaustion failures as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %w", store.ErrTransient, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53":
			return fmt.Errorf("%w: %w", store.ErrTransient, err)
		}
	}
	return err
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
