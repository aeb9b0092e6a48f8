package metadata

import (
	"regexp"
	"strings"
	"time"

	"github.com/vanshika/votetrace/internal/domain"
)

const (
	csvExtension = ".csv"
	dateLayout   = "2006-01-02"
)

var timeRangePattern = regexp.MustCompile(`^\d{4}-\d{4}$`)

// ParseFilename parses <constituencyId>_<YYYY-MM-DD>_<HHMM-HHMM>.csv.
// It only parses; whether the date is acceptable is the caller's policy.
func ParseFilename(name string) (domain.FileMetadata, error) {
	if !strings.HasSuffix(name, csvExtension) {
		return domain.FileMetadata{}, extractionErrorf(name, "expected %s extension", csvExtension)
	}
	stem := strings.TrimSuffix(name, csvExtension)

	parts := strings.Split(stem, "_")
	if len(parts) != 3 {
		return domain.FileMetadata{}, extractionErrorf(name, "expected 3 underscore separated segments, found %d", len(parts))
	}
	constituencyID, dateToken, rangeToken := parts[0], parts[1], parts[2]

	if constituencyID == "" {
		return domain.FileMetadata{}, extractionErrorf(name, "empty constituency id")
	}
	if len(dateToken) != len(dateLayout) {
		return domain.FileMetadata{}, extractionErrorf(name, "date %q is not YYYY-MM-DD", dateToken)
	}
	date, err := time.Parse(dateLayout, dateToken)
	if err != nil {
		return domain.FileMetadata{}, extractionErrorf(name, "invalid date %q: %v", dateToken, err)
	}
	if !timeRangePattern.MatchString(rangeToken) {
		return domain.FileMetadata{}, extractionErrorf(name, "time range %q is not HHMM-HHMM", rangeToken)
	}

	return domain.FileMetadata{
		ConstituencyID: constituencyID,
		Date:           date,
		TimeRange:      rangeToken,
	}, nil
}

// FormatFilename is the inverse of ParseFilename.
func FormatFilename(meta domain.FileMetadata) string {
	return meta.ConstituencyID + "_" + meta.Date.Format(dateLayout) + "_" + meta.TimeRange + csvExtension
}
