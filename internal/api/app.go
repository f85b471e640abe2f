package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/failure"
	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/ingest"
	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/scheduler"
	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

const wsPath = "/ws/detections"

// Analyzer is the part of the scheduler the API drives.
type Analyzer interface {
	AnalyzeSnapshot(ctx context.Context, snapshotID string) (storage.Detection, error)
	RunPass(ctx context.Context) (scheduler.PassResult, error)
	Trigger()
	Running() bool
}

type AppDeps struct {
	Store    *storage.Store
	Ingestor *ingest.Ingestor
	Analyzer Analyzer
	Events   http.Handler // websocket feed; optional
	Backend  string       // inference backend name reported by /health
	Token    string
}

// NewAppHandler returns the dashboard API. /health is public; every other
// route requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/snapshots", handleIngest(deps))
		r.Delete("/snapshots", handlePurge(deps))
		r.Post("/snapshots/{id}/enqueue", handleEnqueue(deps))
		r.Post("/snapshots/{id}/analyze", handleAnalyze(deps))
		r.Get("/detections", handleListDetections(deps))
		r.Get("/detections/{snapshot_id}", handleGetDetection(deps))
		r.Post("/detections/{snapshot_id}/reset", handleReset(deps))
		r.Post("/analysis/run", handleRun(deps))
		r.Get("/stats", handleStats(deps))
		if deps.Events != nil {
			r.Handle(wsPath, deps.Events)
		}
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if err := deps.Store.Ping(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":           status,
			"backend":          deps.Backend,
			"analysis_running": deps.Analyzer != nil && deps.Analyzer.Running(),
		})
	}
}

type ingestRequest struct {
	SourceID   string `json:"source_id"`
	FilePath   string `json:"file_path"`
	CapturedAt string `json:"captured_at"`
}

func handleIngest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.SourceID == "" || req.FilePath == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "source_id and file_path are required")
			return
		}
		var capturedAt time.Time
		if req.CapturedAt != "" {
			t, err := time.Parse(time.RFC3339, req.CapturedAt)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "captured_at must be RFC3339: %v", err)
				return
			}
			capturedAt = t
		}

		res, err := deps.Ingestor.Ingest(r.Context(), ingest.Request{
			SourceID:   req.SourceID,
			FilePath:   req.FilePath,
			CapturedAt: capturedAt,
		})
		if failure.KindOf(err) == failure.FileNotFound {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "snapshot file not found: %s", req.FilePath)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to ingest snapshot: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

func handleEnqueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		ok, err := deps.Store.Enqueue(r.Context(), storage.EnqueueRequest{SnapshotID: id})
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "snapshot not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue snapshot: %v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusConflict, "conflict", "snapshot is already being processed")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"snapshot_id": id, "status": "queued"})
	}
}

func handleAnalyze(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		d, err := deps.Analyzer.AnalyzeSnapshot(r.Context(), id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "snapshot not found")
		case errors.Is(err, scheduler.ErrBusy):
			httpError(w, http.StatusConflict, "conflict", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "analysis failed: %v", err)
		default:
			writeJSON(w, http.StatusOK, d)
		}
	}
}

func handleReset(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "snapshot_id")

		d, err := deps.Store.ResetForReanalysis(r.Context(), id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "detection not found")
		case errors.Is(err, storage.ErrInvalidTransition):
			httpError(w, http.StatusConflict, "conflict", "detection is being processed")
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reset detection: %v", err)
		default:
			writeJSON(w, http.StatusOK, d)
		}
	}
}

// handleRun triggers a pass on the scheduler loop. With ?wait=true the pass
// runs in the request and its result is returned.
func handleRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
			deps.Analyzer.Trigger()
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
			return
		}

		res, err := deps.Analyzer.RunPass(r.Context())
		switch {
		case errors.Is(err, scheduler.ErrPassInProgress):
			httpError(w, http.StatusConflict, "conflict", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "analysis pass failed: %v", err)
		default:
			writeJSON(w, http.StatusOK, res)
		}
	}
}

func handleListDetections(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := storage.Status(r.URL.Query().Get("status"))
		if status != "" && !status.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}
		limit := parseIntParam(r, "limit", 50, storage.MaxListLimit)
		offset := parseIntParam(r, "offset", 0, 0)

		list, err := deps.Store.ListDetections(r.Context(), status, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list detections: %v", err)
			return
		}
		if list == nil {
			list = []storage.Detection{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

type detectionResponse struct {
	storage.Detection
	Boxes []storage.BoundingBox `json:"bounding_boxes"`
}

func handleGetDetection(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "snapshot_id")

		d, err := deps.Store.GetDetection(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "detection not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get detection: %v", err)
			return
		}
		boxes, err := deps.Store.ListBoxes(r.Context(), d.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list boxes: %v", err)
			return
		}
		if boxes == nil {
			boxes = []storage.BoundingBox{}
		}
		writeJSON(w, http.StatusOK, detectionResponse{Detection: d, Boxes: boxes})
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := storage.StatsFilter{SourceID: r.URL.Query().Get("source_id")}
		var err error
		if f.From, err = parseTimeParam(r, "from"); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if f.To, err = parseTimeParam(r, "to"); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		st, err := deps.Store.Stats(r.Context(), f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handlePurge(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		before, err := parseTimeParam(r, "before")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if before.IsZero() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "before is required")
			return
		}

		n, err := deps.Store.PurgeSnapshotsBefore(r.Context(), before)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to purge snapshots: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseTimeParam(r *http.Request, key string) (time.Time, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339: %w", key, err)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
