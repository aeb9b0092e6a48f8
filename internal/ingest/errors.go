package ingest

import "fmt"

// Row error kinds recorded in ProcessingResult.Errors and Warnings.
const (
	KindFormat      = "format"
	KindParse       = "parse"
	KindTypeMissing = "typeMissing"
	KindValidation  = "validation"
	KindDuplicate   = "duplicate"
	KindPersistence = "persistence"
	KindSkippedItem = "skippedItem"
	KindHeader      = "header"
)

// FileProcessingError reports a file that could not be ingested at all. The owning job
// has been marked failed.
type FileProcessingError struct {
	Path  string
	JobID string
	Err   error
}

func (e *FileProcessingError) Error() string {
	return fmt.Sprintf("process file %s: %v", e.Path, e.Err)
}

func (e *FileProcessingError) Unwrap() error { return e.Err }

// DirectoryProcessingError reports a directory scan that produced nothing usable: no
// matching files, disagreeing file identities, or every file failing.
type DirectoryProcessingError struct {
	Path   string
	Reason string
	Err    error
}

func (e *DirectoryProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("process directory %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("process directory %s: %s", e.Path, e.Reason)
}

func (e *DirectoryProcessingError) Unwrap() error { return e.Err }

// PersistenceError reports a bulk write that still failed after the retry budget.
type PersistenceError struct {
	Attempts  int
	Rows      int
	Persisted int
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("bulk insert of %d rows failed after %d attempt(s), %d persisted: %v", e.Rows, e.Attempts, e.Persisted, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
