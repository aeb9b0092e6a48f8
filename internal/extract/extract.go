// Package extract turns one export CSV row into a pending Transaction.
package extract

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vanshika/votetrace/internal/domain"
	"github.com/vanshika/votetrace/internal/nested"
)

// Column positions of the export format.
const (
	MinColumns            = 12
	ColumnID              = 0
	ColumnBlockHeight     = 3
	ColumnTimestamp       = 4
	ColumnRawFields       = 8
	ColumnOperationFields = 9
)

// OperationKey is the raw field carrying the transaction type.
const OperationKey = "operation"

// ErrTransactionTypeMissing is returned when the raw envelope has no operation pair.
var ErrTransactionTypeMissing = errors.New("transaction type missing: no \"operation\" field in raw envelope")

// RowFormatError reports a row whose shape or scalar columns cannot be read.
type RowFormatError struct {
	// Column is -1 when the row as a whole is malformed.
	Column int
	Value  string
	Reason string
}

func (e *RowFormatError) Error() string {
	if e.Column < 0 {
		return "row format: " + e.Reason
	}
	return fmt.Sprintf("row format: column %d (%q): %s", e.Column, e.Value, e.Reason)
}

// Source is the file-level context a row is extracted in.
type Source struct {
	Path  domain.PathMetadata
	File  domain.FileMetadata
	JobID string
}

// Extraction is an extracted transaction plus any nested items skipped in tolerant mode.
type Extraction struct {
	Transaction domain.Transaction
	Warnings    []*nested.ParseError
}

// Extractor maps rows to transactions using a nested envelope decoder.
type Extractor struct {
	decoder nested.Decoder
}

// New returns an Extractor.
func New(decoder nested.Decoder) *Extractor {
	return &Extractor{decoder: decoder}
}

// Extract reads one row. Errors are *RowFormatError, a wrapped *nested.ParseError, or
// ErrTransactionTypeMissing.
func (e *Extractor) Extract(row []string, src Source) (Extraction, error) {
	if len(row) < MinColumns {
		return Extraction{}, &RowFormatError{
			Column: -1,
			Reason: fmt.Sprintf("expected at least %d columns, found %d", MinColumns, len(row)),
		}
	}

	id := strings.TrimSpace(row[ColumnID])

	heightText := strings.TrimSpace(row[ColumnBlockHeight])
	height, err := strconv.ParseInt(heightText, 10, 64)
	if err != nil {
		return Extraction{}, &RowFormatError{Column: ColumnBlockHeight, Value: heightText, Reason: "block height is not an integer"}
	}
	if height < 0 {
		return Extraction{}, &RowFormatError{Column: ColumnBlockHeight, Value: heightText, Reason: "block height is negative"}
	}

	tsText := strings.TrimSpace(row[ColumnTimestamp])
	millis, err := strconv.ParseInt(tsText, 10, 64)
	if err != nil {
		return Extraction{}, &RowFormatError{Column: ColumnTimestamp, Value: tsText, Reason: "timestamp is not epoch milliseconds"}
	}

	raw, err := e.decoder.Decode(row[ColumnRawFields])
	if err != nil {
		return Extraction{}, fmt.Errorf("column %d: %w", ColumnRawFields, err)
	}
	op, ok := raw.Fields.Lookup(OperationKey)
	if !ok {
		return Extraction{}, ErrTransactionTypeMissing
	}

	operation, err := e.decoder.Decode(row[ColumnOperationFields])
	if err != nil {
		return Extraction{}, fmt.Errorf("column %d: %w", ColumnOperationFields, err)
	}

	constituencyID := src.Path.ConstituencyID
	if constituencyID == "" {
		constituencyID = src.File.ConstituencyID
	}

	tx := domain.Transaction{
		ID:              id,
		ConstituencyID:  constituencyID,
		BlockHeight:     height,
		Timestamp:       time.UnixMilli(millis).UTC(),
		Type:            NormalizeType(op),
		RawFields:       raw.Fields,
		OperationFields: operation.Fields,
		Status:          domain.TransactionStatusPending,
		Source:          domain.SourceFileImport,
	}
	if src.JobID != "" {
		jobID := src.JobID
		tx.SourceFileID = &jobID
	}

	warnings := append(raw.Skipped, operation.Skipped...)
	return Extraction{Transaction: tx, Warnings: warnings}, nil
}

// NormalizeType maps an operation value onto a known TransactionType ignoring case and
// surrounding space. Unknown operations are returned trimmed so validation can report them.
func NormalizeType(op string) domain.TransactionType {
	op = strings.TrimSpace(op)
	for _, known := range []domain.TransactionType{domain.TransactionTypeBulletinIssue, domain.TransactionTypeVote} {
		if strings.EqualFold(op, string(known)) {
			return known
		}
	}
	return domain.TransactionType(op)
}

// IsHeader reports whether row looks like a column header rather than data: its block
// height and timestamp columns are present but not integers.
func IsHeader(row []string) bool {
	if len(row) <= ColumnTimestamp {
		return false
	}
	_, heightErr := strconv.ParseInt(strings.TrimSpace(row[ColumnBlockHeight]), 10, 64)
	_, tsErr := strconv.ParseInt(strings.TrimSpace(row[ColumnTimestamp]), 10, 64)
	return heightErr != nil && tsErr != nil
}
