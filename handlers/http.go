package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	"github.com/Yulian302/lfusys-services-routes/codec"
	"github.com/Yulian302/lfusys-services-routes/health"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/models"
	"github.com/Yulian302/lfusys-services-routes/services"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	HeaderContentEncoding = "X-Content-Encoding"
	HeaderJobID           = "X-Job-Id"

	maxDocumentBytes = 64 << 20
	// room for the JSON envelope around a base64 chunk
	chunkEnvelopeBytes = 64 << 10
	maxSurfaceBatch    = 1000
)

// CompletionEnqueuer accepts background session completions.
type CompletionEnqueuer interface {
	Enqueue(ctx context.Context, evt models.CompletionRequestedEvent) error
}

type HTTPHandler struct {
	documents   services.DocumentService
	transfers   services.TransferService
	jobs        services.JobService
	surfaces    services.SurfaceService
	completions CompletionEnqueuer
	checks      []health.ReadinessCheck

	maxChunkRequestBytes int64

	logger logger.Logger
}

func NewHTTPHandler(
	documents services.DocumentService,
	transfers services.TransferService,
	jobs services.JobService,
	surfaces services.SurfaceService,
	completions CompletionEnqueuer,
	checks []health.ReadinessCheck,
	maxChunkSize int,
	l logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		documents:            documents,
		transfers:            transfers,
		jobs:                 jobs,
		surfaces:             surfaces,
		completions:          completions,
		checks:               checks,
		maxChunkRequestBytes: int64(base64.StdEncoding.EncodedLen(maxChunkSize)) + chunkEnvelopeBytes,
		logger:               l,
	}
}

func (h *HTTPHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.logRequests)

	r.HandleFunc("/documents", h.CreateDocument).Methods(http.MethodPost)
	r.HandleFunc("/documents/{id}", h.UpdateDocument).Methods(http.MethodPut)
	r.HandleFunc("/documents/{id}", h.GetDocument).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}", h.DeleteDocument).Methods(http.MethodDelete)

	r.HandleFunc("/chunked/start", h.StartSession).Methods(http.MethodPost)
	r.HandleFunc("/chunked/upload", h.UploadChunk).Methods(http.MethodPost)
	r.HandleFunc("/chunked/complete", h.CompleteSession).Methods(http.MethodPost)
	r.HandleFunc("/chunked/{sessionId}", h.SessionStatus).Methods(http.MethodGet)

	r.HandleFunc("/jobs", h.ListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", h.DeleteJob).Methods(http.MethodDelete)

	r.HandleFunc("/surfaces", h.GetSurface).Methods(http.MethodGet)
	r.HandleFunc("/surfaces", h.PutSurfaces).Methods(http.MethodPut)
	r.HandleFunc("/surfaces/lookup", h.LookupSurfaces).Methods(http.MethodPost)
	r.HandleFunc("/surfaces", h.ClearSurfaces).Methods(http.MethodDelete)

	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *HTTPHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dest any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return apperror.InvalidArgument("malformed request body: %v", err)
	}
	return nil
}

func etag(revision int64) string {
	return strconv.Quote(strconv.FormatInt(revision, 10))
}

// parseIfMatch reads a revision from If-Match; 0 means no precondition.
func parseIfMatch(r *http.Request) (int64, error) {
	v := strings.TrimSpace(r.Header.Get("If-Match"))
	if v == "" || v == "*" {
		return 0, nil
	}
	v = strings.Trim(strings.TrimPrefix(v, "W/"), `"`)

	rev, err := strconv.ParseInt(v, 10, 64)
	if err != nil || rev <= 0 {
		return 0, apperror.InvalidArgument("If-Match must carry a document revision")
	}
	return rev, nil
}

func (h *HTTPHandler) saveDocument(w http.ResponseWriter, r *http.Request, documentID string, isUpdate bool) {
	expected, err := parseIfMatch(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	encoding := r.Header.Get(HeaderContentEncoding)
	if encoding == "" && codec.LooksCompressed(payload) {
		encoding = codec.EncodingGzip
	}

	res, err := h.documents.Save(r.Context(), models.SaveRequest{
		DocumentID:       documentID,
		IsUpdate:         isUpdate,
		Payload:          payload,
		Encoding:         encoding,
		ExpectedRevision: expected,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if !isUpdate {
		status = http.StatusCreated
	}
	w.Header().Set("ETag", etag(res.Revision))
	writeJSON(w, status, res)
}

// CreateDocument stores a new document; ?id= picks its id.
func (h *HTTPHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	h.saveDocument(w, r, r.URL.Query().Get("id"), false)
}

func (h *HTTPHandler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	h.saveDocument(w, r, mux.Vars(r)["id"], true)
}

func (h *HTTPHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	view, err := h.documents.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", etag(view.Revision))
	writeJSON(w, http.StatusOK, view.Document)
}

func (h *HTTPHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.documents.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req models.StartSessionRequest
	if err := decodeJSON(w, r, 1<<20, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	session, err := h.transfers.Start(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

type uploadAck struct {
	SessionID  string `json:"sessionId"`
	ChunkIndex int    `json:"chunkIndex"`
}

func (h *HTTPHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	var req models.UploadChunkRequest
	if err := decodeJSON(w, r, h.maxChunkRequestBytes, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.transfers.UploadChunk(r.Context(), req); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadAck{SessionID: req.SessionID, ChunkIndex: req.ChunkIndex})
}

type completeRequest struct {
	SessionID string `json:"sessionId"`
}

type jobAccepted struct {
	JobID string `json:"jobId"`
}

// CompleteSession finishes a transfer inline, or with ?async=true hands it
// to the completion queue and answers 202 with a job to poll.
func (h *HTTPHandler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(w, r, 1<<20, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.SessionID == "" {
		h.writeError(w, r, apperror.InvalidArgument("sessionId is required"))
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		h.completeAsync(w, r, req.SessionID)
		return
	}

	res, err := h.transfers.Complete(r.Context(), req.SessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag(res.Revision))
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) completeAsync(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()

	if h.completions == nil {
		h.writeError(w, r, apperror.InvalidArgument("background completion is not available"))
		return
	}

	// fail fast on sessions that cannot be completed anyway
	status, err := h.transfers.Status(ctx, sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(status.MissingChunks) > 0 {
		h.writeError(w, r, &apperror.IncompleteSessionError{SessionID: sessionID, Missing: status.MissingChunks})
		return
	}

	jobID := uuid.NewString()
	if _, err := h.jobs.Create(ctx, jobID, map[string]string{"sessionId": sessionID, "kind": "complete"}); err != nil {
		h.writeError(w, r, err)
		return
	}

	err = h.completions.Enqueue(ctx, models.CompletionRequestedEvent{SessionID: sessionID, JobID: jobID})
	if err != nil {
		if _, ferr := h.jobs.FailJob(ctx, jobID, err); ferr != nil {
			h.logger.Warn("job failure update failed", "job_id", jobID, "error", ferr)
		}
		h.writeError(w, r, fmt.Errorf("%w: %w", apperror.ErrBackingStoreUnavailable, err))
		return
	}

	w.Header().Set(HeaderJobID, jobID)
	writeJSON(w, http.StatusAccepted, jobAccepted{JobID: jobID})
}

func (h *HTTPHandler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.transfers.Status(r.Context(), mux.Vars(r)["sessionId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *HTTPHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *HTTPHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type jobList struct {
	Jobs    []models.Job `json:"jobs"`
	Partial bool         `json:"partial,omitempty"`
}

// ListJobs answers with whatever could be read; Partial flags gaps.
func (h *HTTPHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil && len(jobs) == 0 {
		h.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, jobList{Jobs: jobs, Partial: err != nil})
}

func parseCoordinate(r *http.Request) (models.Coordinate, error) {
	q := r.URL.Query()
	lon, err := strconv.ParseFloat(q.Get("lon"), 64)
	if err != nil {
		return models.Coordinate{}, apperror.InvalidArgument("lon: %v", err)
	}
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		return models.Coordinate{}, apperror.InvalidArgument("lat: %v", err)
	}
	return models.Coordinate{Lon: lon, Lat: lat}, nil
}

func (h *HTTPHandler) GetSurface(w http.ResponseWriter, r *http.Request) {
	c, err := parseCoordinate(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	s, found := h.surfaces.Get(r.Context(), c)
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "surface not cached"})
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *HTTPHandler) PutSurfaces(w http.ResponseWriter, r *http.Request) {
	var entries []models.SurfaceEntry
	if err := decodeJSON(w, r, 8<<20, &entries); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(entries) > maxSurfaceBatch {
		h.writeError(w, r, apperror.InvalidArgument("at most %d surfaces per request", maxSurfaceBatch))
		return
	}

	if err := h.surfaces.SetBatch(r.Context(), entries); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) LookupSurfaces(w http.ResponseWriter, r *http.Request) {
	var coords []models.Coordinate
	if err := decodeJSON(w, r, 4<<20, &coords); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(coords) > maxSurfaceBatch {
		h.writeError(w, r, apperror.InvalidArgument("at most %d coordinates per request", maxSurfaceBatch))
		return
	}

	writeJSON(w, http.StatusOK, h.surfaces.GetBatch(r.Context(), coords))
}

func (h *HTTPHandler) ClearSurfaces(w http.ResponseWriter, r *http.Request) {
	if err := h.surfaces.Clear(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *HTTPHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	report := healthReport{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK

	for _, c := range h.checks {
		cctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		err := c.IsReady(cctx)
		cancel()

		if err != nil {
			report.Checks[c.Name()] = err.Error()
			report.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		report.Checks[c.Name()] = "ok"
	}

	writeJSON(w, status, report)
}
