package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kagami-ai/kagami/internal/model"
	"github.com/kagami-ai/kagami/internal/service/profile"
	"github.com/kagami-ai/kagami/internal/store"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	svc                 *profile.Service
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Svc                 *profile.Service
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		svc:                 d.Svc,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// ObserveRequest is the body of POST /v1/subjects/{subject}/observe.
type ObserveRequest struct {
	Input       string         `json:"input"`
	Output      string         `json:"output,omitempty"`
	Source      string         `json:"source,omitempty"`
	Confidence  *float64       `json:"confidence,omitempty"`
	Mode        string         `json:"mode,omitempty"`
	ExtractFrom string         `json:"extract_from,omitempty"`
	OnError     string         `json:"on_error,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// ObserveResponse is the result of an observe call.
type ObserveResponse struct {
	Profile   map[string]any    `json:"profile"`
	Updated   map[string]any    `json:"updated"`
	Rejected  []model.Rejection `json:"rejected"`
	Extracted map[string]any    `json:"extracted,omitempty"`
	LatencyMS int64             `json:"latency_ms,omitempty"`
	Queued    bool              `json:"queued,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	ETag      string            `json:"etag,omitempty"`
}

// HandleObserve handles POST /v1/subjects/{subject}/observe.
func (h *Handlers) HandleObserve(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r)
	if !ok {
		return
	}

	var req ObserveRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Input == "" && req.Output == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "input or output is required")
		return
	}

	res, err := h.svc.Observe(r.Context(), profile.ObserveRequest{
		Subject:        subject,
		Input:          req.Input,
		Output:         req.Output,
		Source:         req.Source,
		Confidence:     req.Confidence,
		IdempotencyKey: idempotencyKey(r),
		Mode:           req.Mode,
		ExtractFrom:    req.ExtractFrom,
		OnError:        req.OnError,
		Context:        req.Context,
	})
	if err != nil {
		h.writeServiceError(w, r, "observe failed", err)
		return
	}

	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, ObserveResponse{
		Profile:   res.Profile,
		Updated:   res.Updated,
		Rejected:  res.Rejected,
		Extracted: res.Extracted,
		LatencyMS: res.LatencyMS,
		Queued:    res.Queued,
		RequestID: res.RequestID,
		ETag:      res.ETag,
	})
}

// PatchRequest is the body of POST /v1/subjects/{subject}/patch.
type PatchRequest struct {
	Facts       map[string]any `json:"facts"`
	Source      string         `json:"source,omitempty"`
	Confidence  *float64       `json:"confidence,omitempty"`
	TimestampMS int64          `json:"timestamp_ms,omitempty"`
}

// PatchResponse is the result of a patch call.
type PatchResponse struct {
	Profile  map[string]any    `json:"profile"`
	Updated  map[string]any    `json:"updated"`
	Rejected []model.Rejection `json:"rejected"`
	ETag     string            `json:"etag,omitempty"`
}

// HandlePatch handles POST /v1/subjects/{subject}/patch.
func (h *Handlers) HandlePatch(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r)
	if !ok {
		return
	}

	var req PatchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Facts) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "facts is required")
		return
	}

	res, err := h.svc.Patch(r.Context(), profile.PatchRequest{
		Subject:        subject,
		Facts:          req.Facts,
		Source:         req.Source,
		Confidence:     req.Confidence,
		TimestampMS:    req.TimestampMS,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.writeServiceError(w, r, "patch failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, PatchResponse{
		Profile:  res.Profile,
		Updated:  res.Updated,
		Rejected: res.Rejected,
		ETag:     res.ETag,
	})
}

// ProfileResponse is the result of a get call.
type ProfileResponse struct {
	Profile    map[string]any                   `json:"profile"`
	Provenance map[string]model.FieldProvenance `json:"provenance"`
	ETag       string                           `json:"etag"`
}

// HandleGet handles GET /v1/subjects/{subject}.
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.Get(r.Context(), subject)
	if err != nil {
		h.writeServiceError(w, r, "get failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, ProfileResponse{
		Profile:    rec.Profile,
		Provenance: rec.Provenance,
		ETag:       rec.ETag,
	})
}

// HistoryResponse is one page of journal entries, oldest first.
type HistoryResponse struct {
	Entries    []model.HistoryEntry `json:"entries"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// HandleHistory handles GET /v1/subjects/{subject}/history.
// Query params: field, cursor, limit.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r)
	if !ok {
		return
	}

	page, err := h.svc.History(r.Context(), subject, store.HistoryQuery{
		Field:  r.URL.Query().Get("field"),
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  queryInt(r, "limit", 0),
	})
	if err != nil {
		h.writeServiceError(w, r, "history failed", err)
		return
	}

	if page.Entries == nil {
		page.Entries = []model.HistoryEntry{}
	}
	writeJSON(w, r, http.StatusOK, HistoryResponse{
		Entries:    page.Entries,
		NextCursor: page.NextCursor,
	})
}

// HandleFactsForPrompt handles GET /v1/subjects/{subject}/prompt.
// Query params: select (comma-separated), include_nulls.
func (h *Handlers) HandleFactsForPrompt(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r)
	if !ok {
		return
	}

	facts, err := h.svc.FactsForPrompt(r.Context(), subject, profile.PromptOptions{
		Select:       querySelect(r),
		IncludeNulls: queryBool(r, "include_nulls"),
	})
	if err != nil {
		h.writeServiceError(w, r, "facts_for_prompt failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"facts": facts})
}

// HandleFilters handles GET /v1/subjects/{subject}/filters.
// Query params: select (comma-separated).
func (h *Handlers) HandleFilters(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r)
	if !ok {
		return
	}

	filters, err := h.svc.Filters(r.Context(), subject, querySelect(r))
	if err != nil {
		h.writeServiceError(w, r, "filters failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"filters": filters})
}

// HandleDelete handles DELETE /v1/subjects/{subject}.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	subject, ok := requireSubject(w, r)
	if !ok {
		return
	}

	if err := h.svc.Delete(r.Context(), subject); err != nil {
		h.writeServiceError(w, r, "delete failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"subject": subject, "status": "deleted"})
}

// HealthResponse reports server and backend health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Uptime  int64  `json:"uptime_seconds"`
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.svc.HealthCheck(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, HealthResponse{
		Status:  status,
		Version: h.version,
		Store:   storeStatus,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeServiceError maps service errors to HTTP status codes.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	var perr *profile.PersistenceError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "subject not found")
	case errors.Is(err, profile.ErrExtractorNotConfigured):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "extractor not configured")
	case errors.As(err, &perr):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			"write contention, retry later")
	default:
		h.logger.Error(msg,
			"error", err,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
		)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
	}
}

// --- Shared helpers ---

func requireSubject(w http.ResponseWriter, r *http.Request) (string, bool) {
	subject := r.PathValue("subject")
	if strings.TrimSpace(subject) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject is required")
		return "", false
	}
	return subject, true
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func queryBool(r *http.Request, key string) bool {
	b, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && b
}

func querySelect(r *http.Request) []string {
	raw := r.URL.Query().Get("select")
	if raw == "" {
		return nil
	}
	var fields []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}
