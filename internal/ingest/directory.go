package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vanshika/votetrace/internal/domain"
	"github.com/vanshika/votetrace/internal/metadata"
)

// ProcessDirectory ingests every file below dir that matches the configured pattern,
// up to Workers files at a time. All files must agree on their path identity; a
// disagreement fails the scan before anything is written. A failing file is recorded in
// the result and does not stop its siblings.
func (i *Ingestor) ProcessDirectory(ctx context.Context, dir string) (domain.DirectoryProcessingResult, error) {
	ctx, span := i.inst.tracer.Start(ctx, "ingest.ProcessDirectory", trace.WithAttributes(attribute.String("dir.path", dir)))
	defer span.End()

	var result domain.DirectoryProcessingResult
	fail := func(err *DirectoryProcessingError) (domain.DirectoryProcessingResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.logger.Warn("directory failed", "dir", dir, "error", err)
		return result, err
	}

	files, err := i.matchingFiles(dir)
	if err != nil {
		return fail(&DirectoryProcessingError{Path: dir, Reason: "enumerate files", Err: err})
	}
	if len(files) == 0 {
		return fail(&DirectoryProcessingError{Path: dir, Reason: fmt.Sprintf("no files matching %q", i.opts.FilePattern)})
	}
	if err := i.assertSingleIdentity(files); err != nil {
		return fail(&DirectoryProcessingError{Path: dir, Reason: "files disagree on constituency identity", Err: err})
	}

	results := make([]domain.ProcessingResult, len(files))
	errs := make([]error, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.opts.Workers)
	for idx, path := range files {
		idx, path := idx, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[idx], errs[idx] = i.ProcessFile(gctx, path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	identitySet := false
	bucketSet := make(map[time.Time]struct{})
	result.FilesProcessed = len(files)
	for idx, path := range files {
		if errs[idx] != nil {
			result.FilesFailed++
			result.Errors = append(result.Errors, domain.FileError{Path: path, Message: errs[idx].Error()})
			continue
		}
		r := results[idx]
		result.Files = append(result.Files, r)
		result.TransactionsProcessed += r.TransactionsProcessed
		for _, b := range r.Buckets {
			bucketSet[b] = struct{}{}
		}
		if !identitySet {
			identitySet = true
			result.ConstituencyID = r.ConstituencyID
			result.RegionID = r.RegionID
			result.RegionName = r.RegionName
			result.ElectionName = r.ElectionName
			result.ConstituencyName = r.ConstituencyName
		}
	}
	for b := range bucketSet {
		result.Buckets = append(result.Buckets, b)
	}
	sort.Slice(result.Buckets, func(a, b int) bool { return result.Buckets[a].Before(result.Buckets[b]) })

	span.SetAttributes(
		attribute.Int("files.processed", result.FilesProcessed),
		attribute.Int("files.failed", result.FilesFailed),
		attribute.Int("transactions.processed", result.TransactionsProcessed),
	)
	if result.FilesFailed == result.FilesProcessed {
		return fail(&DirectoryProcessingError{Path: dir, Reason: fmt.Sprintf("all %d files failed", result.FilesFailed)})
	}
	i.logger.Info("directory ingested",
		"dir", dir,
		"filesProcessed", result.FilesProcessed,
		"filesFailed", result.FilesFailed,
		"transactionsProcessed", result.TransactionsProcessed)
	return result, nil
}

// Matches reports whether path names a file the ingestor would pick up.
func (i *Ingestor) Matches(path string) bool {
	ok, err := filepath.Match(i.opts.FilePattern, filepath.Base(path))
	return err == nil && ok
}

func (i *Ingestor) matchingFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && i.Matches(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// assertSingleIdentity compares the path identity of every file whose metadata can be
// extracted. Files that cannot be extracted fail later on their own.
func (i *Ingestor) assertSingleIdentity(files []string) error {
	var (
		first     domain.PathMetadata
		firstPath string
	)
	for _, path := range files {
		id, err := i.identity.Extract(path)
		if err != nil {
			continue
		}
		if firstPath == "" {
			first, firstPath = id.Path, path
			continue
		}
		if id.Path != first {
			return &metadata.ExtractionError{
				Input:  path,
				Reason: fmt.Sprintf("identity %+v differs from %+v of %s", id.Path, first, firstPath),
			}
		}
	}
	return nil
}
