package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/vanshika/votetrace/internal/aggregate"
	"github.com/vanshika/votetrace/internal/domain"
	"github.com/vanshika/votetrace/internal/ingest"
	"github.com/vanshika/votetrace/internal/metadata"
	"github.com/vanshika/votetrace/internal/service"
	"github.com/vanshika/votetrace/internal/watch"
)

// Watcher controls the set of watched directories.
type Watcher interface {
	Start(path string) error
	Stop(path string) error
	StopAll() []string
	List() []string
}

// PipelineRunner ingests and analyses a path on demand.
type PipelineRunner interface {
	Run(ctx context.Context, path string) (service.Outcome, error)
}

// StatsAggregator reads stored hourly stats for a time range and recomputes them on demand.
type StatsAggregator interface {
	StoredRange(ctx context.Context, constituencyID string, start, end time.Time) ([]domain.HourlyStat, error)
	AggregateRange(ctx context.Context, constituencyID string, start, end time.Time) ([]domain.HourlyStat, error)
}

// APIHandlers exposes the control surface of the service.
type APIHandlers struct {
	logger   *slog.Logger
	watcher  Watcher
	pipeline PipelineRunner
	stats    StatsAggregator
}

// NewAPIHandlers constructs an APIHandlers instance.
func NewAPIHandlers(logger *slog.Logger, watcher Watcher, pipeline PipelineRunner, stats StatsAggregator) *APIHandlers {
	return &APIHandlers{
		logger:   logger,
		watcher:  watcher,
		pipeline: pipeline,
		stats:    stats,
	}
}

type pathRequest struct {
	Path string `json:"path"`
}

type watchListResponse struct {
	Paths []string `json:"paths"`
}

type ingestErrorResponse struct {
	Error   string          `json:"error"`
	Outcome service.Outcome `json:"outcome"`
}

type statsResponse struct {
	ConstituencyID string              `json:"constituencyId"`
	Start          string              `json:"start"`
	End            string              `json:"end"`
	Stats          []domain.HourlyStat `json:"stats"`
}

func (h *APIHandlers) handleWatches(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, watchListResponse{Paths: h.watcher.List()})
	case http.MethodPost:
		h.startWatch(w, r)
	case http.MethodDelete:
		h.stopWatch(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (h *APIHandlers) startWatch(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	path := strings.TrimSpace(req.Path)
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := h.watcher.Start(path); err != nil {
		switch {
		case errors.Is(err, watch.ErrAlreadyWatching):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, os.ErrNotExist), errors.Is(err, watch.ErrNotDirectory):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("failed to start watch", "path", path, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to start watch")
		}
		return
	}
	respondJSON(w, http.StatusCreated, watchListResponse{Paths: h.watcher.List()})
}

func (h *APIHandlers) stopWatch(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		stopped := h.watcher.StopAll()
		respondJSON(w, http.StatusOK, watchListResponse{Paths: stopped})
		return
	}
	if err := h.watcher.Stop(path); err != nil {
		if errors.Is(err, watch.ErrNotWatching) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, watchListResponse{Paths: []string{path}})
}

func (h *APIHandlers) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req pathRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	path := strings.TrimSpace(req.Path)
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	outcome, err := h.pipeline.Run(r.Context(), path)
	if err == nil {
		respondJSON(w, http.StatusOK, outcome)
		return
	}

	var (
		fileErr *ingest.FileProcessingError
		dirErr  *ingest.DirectoryProcessingError
		metaErr *metadata.ExtractionError
	)
	switch {
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &fileErr), errors.As(err, &dirErr), errors.As(err, &metaErr):
		h.logger.Warn("ingest failed", "path", path, "error", err)
		respondJSON(w, http.StatusUnprocessableEntity, ingestErrorResponse{Error: err.Error(), Outcome: outcome})
	default:
		h.logger.Error("ingest failed", "path", path, "error", err)
		respondJSON(w, http.StatusInternalServerError, ingestErrorResponse{Error: err.Error(), Outcome: outcome})
	}
}

// handleStats serves stored stats on GET and recomputes the range on POST. Both take the
// window as constituency, start and end query parameters.
func (h *APIHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	var (
		read   func(ctx context.Context, constituencyID string, start, end time.Time) ([]domain.HourlyStat, error)
		action string
	)
	switch r.Method {
	case http.MethodGet:
		read, action = h.stats.StoredRange, "read"
	case http.MethodPost:
		read, action = h.stats.AggregateRange, "aggregate"
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}

	query := r.URL.Query()
	constituencyID := strings.TrimSpace(query.Get("constituency"))
	if constituencyID == "" {
		writeError(w, http.StatusBadRequest, "constituency is required")
		return
	}
	start, err := time.Parse(time.RFC3339, query.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start timestamp")
		return
	}
	end, err := time.Parse(time.RFC3339, query.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end timestamp")
		return
	}
	if !end.After(start) {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}

	stats, err := read(r.Context(), constituencyID, start, end)
	if err != nil {
		if errors.Is(err, aggregate.ErrRangeTooLarge) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to "+action+" stats", "constituencyId", constituencyID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to "+action+" stats")
		return
	}
	if stats == nil {
		stats = []domain.HourlyStat{}
	}
	respondJSON(w, http.StatusOK, statsResponse{
		ConstituencyID: constituencyID,
		Start:          formatTime(start),
		End:            formatTime(end),
		Stats:          stats,
	})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
