// Package metadata derives export identity from directory and file names.
//
// Exports follow the layout
//
//	<dataRoot>/<regionId> - <regionName>/<election>/<constituencyName>/<constituencyId>/.../<constituencyId>_<YYYY-MM-DD>_<HHMM-HHMM>.csv
//
// Both extractors are pure functions of their input.
package metadata

import (
	"fmt"
	"path/filepath"

	"github.com/vanshika/votetrace/internal/domain"
)

// ExtractionError reports a path or filename that does not follow the export convention.
type ExtractionError struct {
	Input  string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("metadata extraction failed for %q: %s", e.Input, e.Reason)
}

func extractionErrorf(input, format string, args ...any) error {
	return &ExtractionError{Input: input, Reason: fmt.Sprintf(format, args...)}
}

// Identity is everything the path and filename say about one export file.
type Identity struct {
	Path domain.PathMetadata
	File domain.FileMetadata
}

// Extractor combines path and filename extraction for a configured data root.
type Extractor struct {
	paths PathExtractor
}

// NewExtractor returns an Extractor locating the hierarchy below dataRoot.
func NewExtractor(dataRoot string) Extractor {
	return Extractor{paths: NewPathExtractor(dataRoot)}
}

// Extract reads both the directory hierarchy and the filename of path. The constituency id
// encoded in the filename must match the one encoded in the directories.
func (e Extractor) Extract(path string) (Identity, error) {
	pathMeta, err := e.paths.Extract(path)
	if err != nil {
		return Identity{}, err
	}
	fileMeta, err := ParseFilename(filepath.Base(path))
	if err != nil {
		return Identity{}, err
	}
	if fileMeta.ConstituencyID != pathMeta.ConstituencyID {
		return Identity{}, extractionErrorf(path, "filename constituency %q does not match directory constituency %q",
			fileMeta.ConstituencyID, pathMeta.ConstituencyID)
	}
	return Identity{Path: pathMeta, File: fileMeta}, nil
}
