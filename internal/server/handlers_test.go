package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/vanshika/votetrace/internal/aggregate"
	"github.com/vanshika/votetrace/internal/domain"
	"github.com/vanshika/votetrace/internal/ingest"
	"github.com/vanshika/votetrace/internal/service"
	"github.com/vanshika/votetrace/internal/watch"
)

type stubWatcher struct {
	paths map[string]bool
}

func newStubWatcher(paths ...string) *stubWatcher {
	w := &stubWatcher{paths: make(map[string]bool)}
	for _, p := range paths {
		w.paths[p] = true
	}
	return w
}

func (s *stubWatcher) Start(path string) error {
	if path == "/missing" {
		return fmt.Errorf("watch %s: %w", path, os.ErrNotExist)
	}
	if s.paths[path] {
		return fmt.Errorf("watch %s: %w", path, watch.ErrAlreadyWatching)
	}
	s.paths[path] = true
	return nil
}

func (s *stubWatcher) Stop(path string) error {
	if !s.paths[path] {
		return fmt.Errorf("stop %s: %w", path, watch.ErrNotWatching)
	}
	delete(s.paths, path)
	return nil
}

func (s *stubWatcher) StopAll() []string {
	out := s.List()
	s.paths = make(map[string]bool)
	return out
}

func (s *stubWatcher) List() []string {
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type stubPipeline struct {
	outcome service.Outcome
	err     error
	paths   []string
}

func (s *stubPipeline) Run(_ context.Context, path string) (service.Outcome, error) {
	s.paths = append(s.paths, path)
	return s.outcome, s.err
}

type stubStats struct {
	err        error
	stored     []domain.HourlyStat
	recomputes int
}

func (s *stubStats) StoredRange(_ context.Context, _ string, _, _ time.Time) ([]domain.HourlyStat, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.stored, nil
}

func (s *stubStats) AggregateRange(_ context.Context, id string, start, end time.Time) ([]domain.HourlyStat, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.recomputes++
	var out []domain.HourlyStat
	for h := start.Truncate(time.Hour); h.Before(end); h = h.Add(time.Hour) {
		out = append(out, domain.HourlyStat{ConstituencyID: id, Hour: h})
	}
	return out, nil
}

func newTestRouter(w Watcher, p PipelineRunner, s StatsAggregator) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(logger, RouterDependencies{API: NewAPIHandlers(logger, w, p, s)})
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWatchLifecycle(t *testing.T) {
	watcher := newStubWatcher()
	h := newTestRouter(watcher, &stubPipeline{}, &stubStats{})

	rec := do(t, h, http.MethodPost, "/watches", `{"path":"/data/a"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/watches", `{"path":"/data/a"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate watch, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/watches", `{"path":"/missing"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing dir, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/watches", `{"path":""}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty path, got %d", rec.Code)
	}
	do(t, h, http.MethodPost, "/watches", `{"path":"/data/b"}`)

	rec = do(t, h, http.MethodGet, "/watches", "")
	var list watchListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Paths) != 2 || list.Paths[0] != "/data/a" {
		t.Fatalf("unexpected watch list %v", list.Paths)
	}

	if rec := do(t, h, http.MethodDelete, "/watches?path=/data/a", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/watches?path=/data/a", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown watch, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodDelete, "/watches", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Paths) != 1 || list.Paths[0] != "/data/b" {
		t.Fatalf("expected stop-all to report /data/b, got %v", list.Paths)
	}
	if len(watcher.List()) != 0 {
		t.Fatal("expected no watches after stop-all")
	}

	if rec := do(t, h, http.MethodPut, "/watches", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleIngest(t *testing.T) {
	pipeline := &stubPipeline{outcome: service.Outcome{
		File: &domain.ProcessingResult{Filename: "x.csv", TransactionsProcessed: 3},
	}}
	h := newTestRouter(newStubWatcher(), pipeline, &stubStats{})

	rec := do(t, h, http.MethodPost, "/ingest", `{"path":" /data/x.csv "}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(pipeline.paths) != 1 || pipeline.paths[0] != "/data/x.csv" {
		t.Fatalf("expected trimmed path, got %v", pipeline.paths)
	}
	var outcome service.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if outcome.File == nil || outcome.File.TransactionsProcessed != 3 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	if rec := do(t, h, http.MethodPost, "/ingest", `{"unknown":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/ingest", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/ingest", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleIngestErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"missing", fmt.Errorf("stat: %w", os.ErrNotExist), http.StatusNotFound},
		{"file", &ingest.FileProcessingError{Path: "x.csv", Err: errors.New("bad")}, http.StatusUnprocessableEntity},
		{"directory", &ingest.DirectoryProcessingError{Path: "d", Reason: "no files"}, http.StatusUnprocessableEntity},
		{"other", errors.New("store down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestRouter(newStubWatcher(), &stubPipeline{err: tc.err}, &stubStats{})
			rec := do(t, h, http.MethodPost, "/ingest", `{"path":"x.csv"}`)
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), `"error"`) {
				t.Fatalf("expected error body, got %s", rec.Body.String())
			}
		})
	}
}

func TestHandleStats(t *testing.T) {
	const window = "/stats?constituency=ABC123&start=2024-09-06T10:00:00Z&end=2024-09-06T13:00:00Z"
	stats := &stubStats{stored: []domain.HourlyStat{{ConstituencyID: "ABC123", Hour: time.Date(2024, 9, 6, 11, 0, 0, 0, time.UTC)}}}
	h := newTestRouter(newStubWatcher(), &stubPipeline{}, stats)

	rec := do(t, h, http.MethodGet, window, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Stats) != 1 || payload.ConstituencyID != "ABC123" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if stats.recomputes != 0 {
		t.Fatalf("GET must not recompute stats, got %d recomputes", stats.recomputes)
	}

	rec = do(t, h, http.MethodPost, window, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Stats) != 3 || stats.recomputes != 1 {
		t.Fatalf("expected 3 recomputed buckets, got %+v after %d recomputes", payload, stats.recomputes)
	}

	if rec := do(t, h, http.MethodDelete, window, ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}

	bad := []string{
		"/stats?start=2024-09-06T10:00:00Z&end=2024-09-06T13:00:00Z",
		"/stats?constituency=ABC123&start=yesterday&end=2024-09-06T13:00:00Z",
		"/stats?constituency=ABC123&start=2024-09-06T10:00:00Z&end=later",
		"/stats?constituency=ABC123&start=2024-09-06T13:00:00Z&end=2024-09-06T10:00:00Z",
	}
	for _, target := range bad {
		for _, method := range []string{http.MethodGet, http.MethodPost} {
			if rec := do(t, h, method, target, ""); rec.Code != http.StatusBadRequest {
				t.Errorf("%s %s: expected 400, got %d", method, target, rec.Code)
			}
		}
	}

	h = newTestRouter(newStubWatcher(), &stubPipeline{}, &stubStats{err: aggregate.ErrRangeTooLarge})
	rec = do(t, h, http.MethodGet, "/stats?constituency=ABC123&start=2020-01-01T00:00:00Z&end=2024-01-01T00:00:00Z", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized range, got %d", rec.Code)
	}
}

type failingProbe struct{}

func (failingProbe) Probe(context.Context) error { return errors.New("graph unreachable") }

func TestHealthz(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewRouter(logger, RouterDependencies{})
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	h = NewRouter(logger, RouterDependencies{Health: HealthChecks{SQLHealthService{}, failingProbe{}}})
	rec := do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "degraded") {
		t.Fatalf("expected degraded status, got %s", rec.Body.String())
	}
}

func TestCORS(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewRouter(logger, RouterDependencies{AllowedOrigins: []string{"http://dash.local"}})

	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "http://dash.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://dash.local" {
		t.Fatalf("unexpected allow origin %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.local")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown origin, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.local")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected simple request to pass through, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow origin for unknown origin, got %q", got)
	}
}
