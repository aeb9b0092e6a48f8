package metadata

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/vanshika/votetrace/internal/domain"
)

var regionPattern = regexp.MustCompile(`^(\d+) - (.+)$`)

// hierarchyDepth is the number of directories read after the data root:
// region, election, constituency name, constituency id.
const hierarchyDepth = 4

// PathExtractor reads region, election and constituency identity from a file path.
type PathExtractor struct {
	dataRoot string
}

// NewPathExtractor returns an extractor anchored at the directory named dataRoot.
func NewPathExtractor(dataRoot string) PathExtractor {
	return PathExtractor{dataRoot: dataRoot}
}

// Extract locates the data root segment in path and reads the four directories after it.
// When the data root name occurs more than once the innermost occurrence wins.
func (p PathExtractor) Extract(path string) (domain.PathMetadata, error) {
	if strings.TrimSpace(path) == "" {
		return domain.PathMetadata{}, extractionErrorf(path, "empty path")
	}
	segments := splitPath(path)
	// The last segment is the file itself and never part of the hierarchy.
	dirs := segments[:len(segments)-1]

	root := -1
	for i := len(dirs) - 1; i >= 0; i-- {
		if dirs[i] == p.dataRoot {
			root = i
			break
		}
	}
	if root < 0 {
		return domain.PathMetadata{}, extractionErrorf(path, "data root %q not found", p.dataRoot)
	}

	after := dirs[root+1:]
	if len(after) < hierarchyDepth {
		return domain.PathMetadata{}, extractionErrorf(path, "expected %d directories after data root, found %d", hierarchyDepth, len(after))
	}

	match := regionPattern.FindStringSubmatch(after[0])
	if match == nil {
		return domain.PathMetadata{}, extractionErrorf(path, "region segment %q does not match \"<id> - <name>\"", after[0])
	}
	regionID, err := strconv.Atoi(match[1])
	if err != nil {
		return domain.PathMetadata{}, extractionErrorf(path, "region id %q: %v", match[1], err)
	}

	meta := domain.PathMetadata{
		RegionID:         regionID,
		RegionName:       strings.TrimSpace(match[2]),
		ElectionName:     strings.TrimSpace(after[1]),
		ConstituencyName: strings.TrimSpace(after[2]),
		ConstituencyID:   strings.TrimSpace(after[3]),
	}
	switch {
	case meta.RegionName == "":
		return domain.PathMetadata{}, extractionErrorf(path, "empty region name")
	case meta.ElectionName == "":
		return domain.PathMetadata{}, extractionErrorf(path, "empty election name")
	case meta.ConstituencyName == "":
		return domain.PathMetadata{}, extractionErrorf(path, "empty constituency name")
	case meta.ConstituencyID == "":
		return domain.PathMetadata{}, extractionErrorf(path, "empty constituency id")
	}
	return meta, nil
}

func splitPath(path string) []string {
	raw := strings.Split(filepath.ToSlash(filepath.Clean(path)), "/")
	segments := raw[:0]
	for _, s := range raw {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return []string{""}
	}
	return segments
}
