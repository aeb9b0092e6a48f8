package domain

import "time"

// JobStatus tracks a FileProcessingJob through its single lifecycle.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// FileProcessingJob records one ingestion attempt of one file.
type FileProcessingJob struct {
	ID                    string     `json:"id"`
	Filename              string     `json:"filename"`
	Status                JobStatus  `json:"status"`
	TransactionsProcessed int        `json:"transactionsProcessed"`
	StartedAt             time.Time  `json:"startedAt"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
	Details               string     `json:"details,omitempty"`
}

// PathMetadata is the identity encoded in the directory hierarchy of an export.
type PathMetadata struct {
	RegionID         int    `json:"regionId"`
	RegionName       string `json:"regionName"`
	ElectionName     string `json:"electionName"`
	ConstituencyName string `json:"constituencyName"`
	ConstituencyID   string `json:"constituencyId"`
}

// FileMetadata is the identity and time window encoded in an export filename.
type FileMetadata struct {
	ConstituencyID string    `json:"constituencyId"`
	Date           time.Time `json:"date"`
	TimeRange      string    `json:"timeRange"`
}

// Region is a top-level administrative area.
type Region struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Constituency is reference data owned outside the core.
type Constituency struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	RegionID         int       `json:"regionId"`
	ElectionID       string    `json:"electionId"`
	ElectionName     string    `json:"electionName"`
	RegisteredVoters int       `json:"registeredVoters"`
	ElectionStart    time.Time `json:"electionStart,omitempty"`
}

// RowError describes why a single CSV row was excluded from a file's result.
type RowError struct {
	Row     int    `json:"row"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// FileError describes a file that failed inside a directory scan.
type FileError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ProcessingResult summarises the ingestion of one export file.
type ProcessingResult struct {
	JobID                 string      `json:"jobId"`
	Filename              string      `json:"filename"`
	TransactionsProcessed int         `json:"transactionsProcessed"`
	RowsFailed            int         `json:"rowsFailed"`
	ConstituencyID        string      `json:"constituencyId"`
	Date                  time.Time   `json:"date"`
	TimeRange             string      `json:"timeRange"`
	RegionID              int         `json:"regionId"`
	RegionName            string      `json:"regionName"`
	ElectionName          string      `json:"electionName"`
	ConstituencyName      string      `json:"constituencyName"`
	Errors                []RowError  `json:"errors,omitempty"`
	Warnings              []RowError  `json:"warnings,omitempty"`
	Buckets               []time.Time `json:"-"`
}

// DirectoryProcessingResult summarises a recursive directory scan.
type DirectoryProcessingResult struct {
	FilesProcessed        int                `json:"filesProcessed"`
	FilesFailed           int                `json:"filesFailed"`
	TransactionsProcessed int                `json:"transactionsProcessed"`
	ConstituencyID        string             `json:"constituencyId"`
	RegionID              int                `json:"regionId"`
	RegionName            string             `json:"regionName"`
	ElectionName          string             `json:"electionName"`
	ConstituencyName      string             `json:"constituencyName"`
	Files                 []ProcessingResult `json:"files,omitempty"`
	Errors                []FileError        `json:"errors,omitempty"`
	Buckets               []time.Time        `json:"-"`
}
