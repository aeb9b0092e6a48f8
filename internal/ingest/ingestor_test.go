package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshika/votetrace/internal/domain"
	"github.com/vanshika/votetrace/internal/metadata"
	"github.com/vanshika/votetrace/internal/store"
)

var (
	testNow       = time.Date(2024, 9, 7, 0, 0, 0, 0, time.UTC)
	electionStart = time.Date(2024, 9, 6, 6, 0, 0, 0, time.UTC)
	hour8         = time.Date(2024, 9, 6, 8, 0, 0, 0, time.UTC)
)

func newIngestor(t *testing.T, txs store.TransactionStore, mem *store.Memory) *Ingestor {
	t.Helper()
	return New(Deps{
		Transactions: txs,
		Jobs:         mem,
		References:   mem,
		Registry:     mem,
	}, Options{
		DataRoot:     "data",
		Workers:      2,
		RetryBackoff: time.Millisecond,
		ClockSkew:    5 * time.Minute,
		Now:          func() time.Time { return testNow },
	}, nil)
}

func seededMemory() *store.Memory {
	mem := store.NewMemory()
	mem.PutConstituency(domain.Constituency{ID: "ABC123", RegisteredVoters: 1000, ElectionStart: electionStart})
	mem.PutConstituency(domain.Constituency{ID: "XYZ999", RegisteredVoters: 500, ElectionStart: electionStart})
	return mem
}

func constituencyDir(root, id string) string {
	return filepath.Join(root, "data", "1 - North", "General 2024", "Riverside "+id, id)
}

func exportPath(root, id, timeRange string) string {
	name := fmt.Sprintf("%s_2024-09-06_%s", id, timeRange)
	return filepath.Join(constituencyDir(root, id), name, name+".csv")
}

func txRow(id string, ts time.Time, op string) []string {
	return []string{
		id, "0xfrom", "0xto", "100", strconv.FormatInt(ts.UnixMilli(), 10), "", "", "",
		fmt.Sprintf(`[{"key":"operation","value":{"stringValue":"%s"}},{"key":"chain","value":"main"}]`, op),
		`[{"key":"ballot","value":{"stringValue":"b-1"}}]`,
		"", "",
	}
}

func writeCSV(t *testing.T, path string, rows [][]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w := csv.NewWriter(f)
	require.NoError(t, w.WriteAll(rows))
}

func TestProcessFile_ScenarioE(t *testing.T) {
	root := t.TempDir()
	path := exportPath(root, "ABC123", "0800-0900")
	short := txRow("tx-short", hour8, "vote")[:10]
	writeCSV(t, path, [][]string{
		txRow("tx-1", hour8.Add(time.Minute), "bulletinIssue"),
		txRow("tx-2", hour8.Add(2*time.Minute), "vote"),
		short,
		txRow("tx-3", hour8.Add(3*time.Minute), "vote"),
	})

	mem := seededMemory()
	ing := newIngestor(t, mem, mem)
	result, err := ing.ProcessFile(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 3, result.TransactionsProcessed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, KindFormat, result.Errors[0].Kind)
	assert.Equal(t, 3, result.Errors[0].Row)
	assert.Equal(t, "ABC123", result.ConstituencyID)
	assert.Equal(t, "0800-0900", result.TimeRange)
	assert.Equal(t, 1, result.RegionID)
	assert.Equal(t, []time.Time{hour8}, result.Buckets)

	job, ok := mem.Job(result.JobID)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.TransactionsProcessed)
	require.NotNil(t, job.CompletedAt)

	stored := mem.Transactions()
	require.Len(t, stored, 3)
	assert.Equal(t, domain.TransactionTypeBulletinIssue, stored[0].Type)
	require.NotNil(t, stored[0].SourceFileID)
	assert.Equal(t, result.JobID, *stored[0].SourceFileID)

	region, ok := mem.Region(1)
	require.True(t, ok)
	assert.Equal(t, "North", region.Name)
}

func TestProcessFile_RowLevelRejections(t *testing.T) {
	root := t.TempDir()
	path := exportPath(root, "ABC123", "0800-0900")
	header := []string{"id", "from", "to", "blockHeight", "timestamp", "a", "b", "c", "raw", "operation", "d", "e"}
	noOp := txRow("tx-noop", hour8, "vote")
	noOp[8] = `[{"key":"chain","value":"main"}]`
	badItem := txRow("tx-bad", hour8, "vote")
	badItem[9] = `[{"key":"ballot"`
	writeCSV(t, path, [][]string{
		header,
		txRow("tx-1", hour8, "vote"),
		txRow("tx-1", hour8, "vote"),
		txRow("tx-old", hour8, "vote"),
		txRow("tx-future", testNow.Add(time.Hour), "vote"),
		txRow("tx-transfer", hour8, "transfer"),
		noOp,
		badItem,
	})

	mem := seededMemory()
	_, err := mem.BulkInsert(context.Background(), []domain.Transaction{{ID: "tx-old", ConstituencyID: "ABC123", Timestamp: hour8}})
	require.NoError(t, err)

	result, err := newIngestor(t, mem, mem).ProcessFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TransactionsProcessed)

	kinds := map[int]string{}
	for _, e := range result.Errors {
		kinds[e.Row] = e.Kind
	}
	assert.Equal(t, map[int]string{
		3: KindDuplicate,
		4: KindDuplicate,
		5: KindValidation,
		6: KindValidation,
		7: KindTypeMissing,
		8: KindParse,
	}, kinds)
	assert.Equal(t, 6, result.RowsFailed)
}

func TestProcessFile_HeaderRowIsReportedAsWarning(t *testing.T) {
	root := t.TempDir()
	path := exportPath(root, "ABC123", "0800-0900")
	header := []string{"id", "from", "to", "blockHeight", "timestamp", "a", "b", "c", "raw", "operation", "d", "e"}
	writeCSV(t, path, [][]string{header, txRow("tx-1", hour8, "vote")})

	mem := seededMemory()
	result, err := newIngestor(t, mem, mem).ProcessFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TransactionsProcessed)
	assert.Empty(t, result.Errors)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, KindHeader, result.Warnings[0].Kind)
	assert.Equal(t, 1, result.Warnings[0].Row)
}

func TestProcessFile_ReferenceRulesApplyToRegisteredPaths(t *testing.T) {
	ancient := time.Date(1971, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("unknown constituency rejects every row", func(t *testing.T) {
		root := t.TempDir()
		path := exportPath(root, "NOPE404", "0800-0900")
		writeCSV(t, path, [][]string{txRow("tx-1", hour8, "vote"), txRow("tx-2", ancient, "vote")})

		mem := store.NewMemory()
		result, err := newIngestor(t, mem, mem).ProcessFile(context.Background(), path)
		require.NoError(t, err)
		assert.Zero(t, result.TransactionsProcessed)
		require.Len(t, result.Errors, 2)
		for _, e := range result.Errors {
			assert.Equal(t, KindValidation, e.Kind)
			assert.Contains(t, e.Message, "does not reference a known constituency")
		}
		assert.Empty(t, mem.Transactions())

		_, err = mem.GetConstituency(context.Background(), "NOPE404")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, ok := mem.Region(1)
		assert.True(t, ok)

		job, ok := mem.Job(result.JobID)
		require.True(t, ok)
		assert.Zero(t, job.TransactionsProcessed)
	})

	t.Run("timestamp before election start is rejected", func(t *testing.T) {
		root := t.TempDir()
		path := exportPath(root, "ABC123", "0800-0900")
		writeCSV(t, path, [][]string{txRow("tx-1", hour8, "vote"), txRow("tx-2", ancient, "vote")})

		mem := seededMemory()
		result, err := newIngestor(t, mem, mem).ProcessFile(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, 1, result.TransactionsProcessed)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, 2, result.Errors[0].Row)
		assert.Equal(t, KindValidation, result.Errors[0].Kind)
		assert.Contains(t, result.Errors[0].Message, "before election start")
		require.Len(t, mem.Transactions(), 1)
		assert.Equal(t, "tx-1", mem.Transactions()[0].ID)
	})

	t.Run("constituency without election start rejects rows", func(t *testing.T) {
		root := t.TempDir()
		path := exportPath(root, "ABC123", "0800-0900")
		writeCSV(t, path, [][]string{txRow("tx-1", ancient, "vote")})

		mem := store.NewMemory()
		mem.PutConstituency(domain.Constituency{ID: "ABC123", RegisteredVoters: 1000})
		result, err := newIngestor(t, mem, mem).ProcessFile(context.Background(), path)
		require.NoError(t, err)
		assert.Zero(t, result.TransactionsProcessed)
		require.Len(t, result.Errors, 1)
		assert.Contains(t, result.Errors[0].Message, "has no election start")
		assert.Empty(t, mem.Transactions())
	})
}

// gatedStore holds every BulkInsert until the expected number of callers have screened
// their rows, so concurrent files race on the same ids.
type gatedStore struct {
	*store.Memory
	arrived sync.WaitGroup
}

func (g *gatedStore) BulkInsert(ctx context.Context, txs []domain.Transaction) ([]string, error) {
	g.arrived.Done()
	g.arrived.Wait()
	return g.Memory.BulkInsert(ctx, txs)
}

func TestProcessFile_ConcurrentSharedIDCountedOnce(t *testing.T) {
	root := t.TempDir()
	paths := []string{
		exportPath(root, "ABC123", "0800-0900"),
		exportPath(root, "XYZ999", "0800-0900"),
	}
	for _, path := range paths {
		writeCSV(t, path, [][]string{txRow("tx-shared", hour8, "vote")})
	}

	mem := seededMemory()
	gated := &gatedStore{Memory: mem}
	gated.arrived.Add(len(paths))
	ing := newIngestor(t, gated, mem)

	results := make([]domain.ProcessingResult, len(paths))
	errs := make([]error, len(paths))
	var wg sync.WaitGroup
	for idx, path := range paths {
		idx, path := idx, path
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[idx], errs[idx] = ing.ProcessFile(context.Background(), path)
		}()
	}
	wg.Wait()

	processed := 0
	var duplicates []domain.RowError
	for idx := range paths {
		require.NoError(t, errs[idx])
		processed += results[idx].TransactionsProcessed
		for _, e := range results[idx].Errors {
			if e.Kind == KindDuplicate {
				duplicates = append(duplicates, e)
			}
		}
	}
	assert.Equal(t, 1, processed)
	require.Len(t, duplicates, 1)
	assert.Equal(t, 1, duplicates[0].Row)
	assert.Len(t, mem.Transactions(), 1)

	jobTotal := 0
	for _, r := range results {
		job, ok := mem.Job(r.JobID)
		require.True(t, ok)
		assert.Equal(t, domain.JobStatusCompleted, job.Status)
		jobTotal += job.TransactionsProcessed
	}
	assert.Equal(t, 1, jobTotal)
}

func TestProcessFile_TolerantParsingKeepsRow(t *testing.T) {
	root := t.TempDir()
	path := exportPath(root, "ABC123", "0800-0900")
	row := txRow("tx-1", hour8, "vote")
	row[9] = `[{"key":"ballot","value":"b-1"},{oops}]`
	writeCSV(t, path, [][]string{row})

	mem := seededMemory()
	ing := New(Deps{Transactions: mem, Jobs: mem, References: mem, Registry: mem},
		Options{DataRoot: "data", TolerantParsing: true, Now: func() time.Time { return testNow }}, nil)
	result, err := ing.ProcessFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TransactionsProcessed)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, KindSkippedItem, result.Warnings[0].Kind)
}

func TestProcessFile_MetadataFailure(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(constituencyDir(root, "ABC123"), "ABC123_2024-09-06.csv")
	writeCSV(t, path, [][]string{txRow("tx-1", hour8, "vote")})

	mem := seededMemory()
	result, err := newIngestor(t, mem, mem).ProcessFile(context.Background(), path)

	var fileErr *FileProcessingError
	require.ErrorAs(t, err, &fileErr)
	var extractErr *metadata.ExtractionError
	assert.ErrorAs(t, err, &extractErr)

	job, ok := mem.Job(result.JobID)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.Details, "metadata extraction failed")
	assert.Empty(t, mem.Transactions())
}

type flakyStore struct {
	*store.Memory
	failures atomic.Int32
	err      error
	partial  bool
}

func (f *flakyStore) BulkInsert(ctx context.Context, txs []domain.Transaction) ([]string, error) {
	if f.failures.Add(-1) >= 0 {
		if f.partial && len(txs) > 1 {
			_, _ = f.Memory.BulkInsert(ctx, txs[:1])
		}
		return nil, f.err
	}
	return f.Memory.BulkInsert(ctx, txs)
}

func TestProcessFile_RetriesTransientPersistence(t *testing.T) {
	root := t.TempDir()
	path := exportPath(root, "ABC123", "0800-0900")
	writeCSV(t, path, [][]string{txRow("tx-1", hour8, "vote"), txRow("tx-2", hour8, "vote")})

	mem := seededMemory()
	flaky := &flakyStore{Memory: mem, err: fmt.Errorf("deadlock: %w", store.ErrTransient)}
	flaky.failures.Store(1)

	result, err := newIngestor(t, flaky, mem).ProcessFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TransactionsProcessed)
	assert.Empty(t, result.Errors)
}

func TestProcessFile_PersistenceFailure(t *testing.T) {
	t.Run("nothing persisted fails the job", func(t *testing.T) {
		root := t.TempDir()
		path := exportPath(root, "ABC123", "0800-0900")
		writeCSV(t, path, [][]string{txRow("tx-1", hour8, "vote"), txRow("tx-2", hour8, "vote")})

		mem := seededMemory()
		flaky := &flakyStore{Memory: mem, err: fmt.Errorf("connection reset: %w", store.ErrTransient)}
		flaky.failures.Store(2)

		result, err := newIngestor(t, flaky, mem).ProcessFile(context.Background(), path)
		var persistErr *PersistenceError
		require.ErrorAs(t, err, &persistErr)
		assert.Equal(t, 2, persistErr.Attempts)

		job, _ := mem.Job(result.JobID)
		assert.Equal(t, domain.JobStatusFailed, job.Status)
	})

	t.Run("partial success completes the job", func(t *testing.T) {
		root := t.TempDir()
		path := exportPath(root, "ABC123", "0800-0900")
		writeCSV(t, path, [][]string{txRow("tx-1", hour8, "vote"), txRow("tx-2", hour8, "vote")})

		mem := seededMemory()
		flaky := &flakyStore{Memory: mem, err: errors.New("constraint violation"), partial: true}
		flaky.failures.Store(1)

		result, err := newIngestor(t, flaky, mem).ProcessFile(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, 1, result.TransactionsProcessed)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, KindPersistence, result.Errors[0].Kind)

		job, _ := mem.Job(result.JobID)
		assert.Equal(t, domain.JobStatusCompleted, job.Status)
		assert.Equal(t, 1, job.TransactionsProcessed)
		assert.Contains(t, job.Details, "1 persisted")
	})
}

func TestProcessDirectory_ScenarioC(t *testing.T) {
	root := t.TempDir()
	writeCSV(t, exportPath(root, "ABC123", "0800-0900"), [][]string{txRow("tx-1", hour8, "vote")})
	writeCSV(t, exportPath(root, "ABC123", "0900-1000"), [][]string{
		txRow("tx-2", hour8.Add(time.Hour), "bulletinIssue"),
		txRow("tx-3", hour8.Add(time.Hour), "vote"),
	})
	malformed := filepath.Join(constituencyDir(root, "ABC123"), "broken", "ABC123_2024-09-06.csv")
	writeCSV(t, malformed, [][]string{txRow("tx-4", hour8, "vote")})

	mem := seededMemory()
	result, err := newIngestor(t, mem, mem).ProcessDirectory(context.Background(), constituencyDir(root, "ABC123"))
	require.NoError(t, err)

	assert.Equal(t, 3, result.FilesProcessed)
	assert.Equal(t, 1, result.FilesFailed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, malformed, result.Errors[0].Path)
	assert.Equal(t, 3, result.TransactionsProcessed)
	assert.Equal(t, "ABC123", result.ConstituencyID)
	assert.Equal(t, []time.Time{hour8, hour8.Add(time.Hour)}, result.Buckets)
	assert.Len(t, mem.Transactions(), 3)
}

func TestProcessDirectory_NoFiles(t *testing.T) {
	mem := seededMemory()
	_, err := newIngestor(t, mem, mem).ProcessDirectory(context.Background(), t.TempDir())
	var dirErr *DirectoryProcessingError
	require.ErrorAs(t, err, &dirErr)
	assert.Contains(t, dirErr.Reason, "no files")
}

func TestProcessDirectory_AllFilesFail(t *testing.T) {
	root := t.TempDir()
	writeCSV(t, filepath.Join(constituencyDir(root, "ABC123"), "ABC123.csv"), [][]string{txRow("tx-1", hour8, "vote")})

	mem := seededMemory()
	result, err := newIngestor(t, mem, mem).ProcessDirectory(context.Background(), root)
	var dirErr *DirectoryProcessingError
	require.ErrorAs(t, err, &dirErr)
	assert.Equal(t, 1, result.FilesFailed)
}

func TestProcessDirectory_IdentityMismatch(t *testing.T) {
	root := t.TempDir()
	writeCSV(t, exportPath(root, "ABC123", "0800-0900"), [][]string{txRow("tx-1", hour8, "vote")})
	writeCSV(t, exportPath(root, "XYZ999", "0800-0900"), [][]string{txRow("tx-2", hour8, "vote")})

	mem := seededMemory()
	_, err := newIngestor(t, mem, mem).ProcessDirectory(context.Background(), root)
	var dirErr *DirectoryProcessingError
	require.ErrorAs(t, err, &dirErr)
	assert.Contains(t, dirErr.Reason, "disagree")
	assert.Empty(t, mem.Transactions())
}

func TestDuplicateIDsNeverPersistTwiceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("ids repeated within and across files are stored once", prop.ForAll(
		func(first, second []int) bool {
			root := t.TempDir()
			rows := func(ids []int) [][]string {
				out := make([][]string, 0, len(ids)+1)
				out = append(out, txRow("seed", hour8, "vote"))
				for _, id := range ids {
					out = append(out, txRow(fmt.Sprintf("tx-%d", id), hour8, "vote"))
				}
				return out
			}
			writeCSV(t, exportPath(root, "ABC123", "0800-0900"), rows(first))
			writeCSV(t, exportPath(root, "ABC123", "0900-1000"), rows(second))

			mem := seededMemory()
			ing := newIngestor(t, mem, mem)
			if dup, _ := ing.validator.CheckDuplicate(context.Background(), "seed"); dup {
				return false
			}
			result, err := ing.ProcessDirectory(context.Background(), constituencyDir(root, "ABC123"))
			if err != nil {
				return false
			}

			distinct := map[string]struct{}{"seed": {}}
			for _, id := range append(append([]int{}, first...), second...) {
				distinct[fmt.Sprintf("tx-%d", id)] = struct{}{}
			}
			return result.TransactionsProcessed == len(distinct) && len(mem.Transactions()) == len(distinct)
		},
		gen.SliceOf(gen.IntRange(0, 9)),
		gen.SliceOf(gen.IntRange(0, 9)),
	))

	properties.TestingRun(t)
}
