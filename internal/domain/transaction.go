package domain

import "time"

// TransactionType enumerates the on-chain operations recorded per constituency.
type TransactionType string

const (
	TransactionTypeBulletinIssue TransactionType = "bulletinIssue"
	TransactionTypeVote          TransactionType = "vote"
)

// Valid reports whether the type belongs to the closed set of known operations.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeBulletinIssue, TransactionTypeVote:
		return true
	default:
		return false
	}
}

// TransactionStatus tracks the processing state of a stored transaction.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusProcessed TransactionStatus = "processed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// TransactionSource records how a transaction entered the system.
type TransactionSource string

const (
	SourceFileImport TransactionSource = "fileImport"
	SourceAPICreate  TransactionSource = "apiCreate"
	SourceBatch      TransactionSource = "batch"
)

// Field is a single key/value pair decoded from a nested envelope column.
// Order is significant and preserved from the source row.
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Fields is an ordered sequence of key/value pairs.
type Fields []Field

// Lookup returns the value of the first pair with the given key.
func (f Fields) Lookup(key string) (string, bool) {
	for _, field := range f {
		if field.Key == key {
			return field.Value, true
		}
	}
	return "", false
}

// Transaction models one blockchain transaction exported for a constituency.
type Transaction struct {
	ID              string            `json:"id" validate:"required"`
	ConstituencyID  string            `json:"constituencyId" validate:"required"`
	BlockHeight     int64             `json:"blockHeight" validate:"gte=0"`
	Timestamp       time.Time         `json:"timestamp" validate:"required"`
	Type            TransactionType   `json:"type" validate:"oneof=bulletinIssue vote"`
	RawFields       Fields            `json:"rawFields" validate:"min=1"`
	OperationFields Fields            `json:"operationFields"`
	Status          TransactionStatus `json:"status"`
	AnomalyDetected bool              `json:"anomalyDetected"`
	AnomalyReason   *string           `json:"anomalyReason,omitempty"`
	Source          TransactionSource `json:"source"`
	SourceFileID    *string           `json:"sourceFileId,omitempty"`
}

// HourBucket truncates the transaction timestamp to the start of its UTC hour.
func (t Transaction) HourBucket() time.Time {
	return HourBucket(t.Timestamp)
}

// HourBucket truncates ts down to the start of its containing UTC hour.
func HourBucket(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Hour)
}
