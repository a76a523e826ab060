package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/scrypster/strata/internal/engine"
	"github.com/scrypster/strata/internal/retrieval"
	"github.com/scrypster/strata/internal/storage"
	"github.com/scrypster/strata/pkg/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Engine is the subset of *engine.Manager the API needs.
type Engine interface {
	Capture(ctx context.Context, text, source string) (*engine.CaptureResult, error)
	Store(ctx context.Context, content string, category types.Category, importance float64) (*types.MemoryItem, error)
	Search(ctx context.Context, query string, opts storage.SearchOptions) (*retrieval.Results, error)
	Status(ctx context.Context) (*engine.Status, error)
	Export(ctx context.Context, format string) ([]byte, error)
	Maintain(ctx context.Context) (*engine.MaintenanceReport, error)
}

// APIHandlers serves the JSON API.
type APIHandlers struct {
	eng Engine
}

// NewAPIHandlers creates handlers backed by eng.
func NewAPIHandlers(eng Engine) *APIHandlers {
	return &APIHandlers{eng: eng}
}

// Register mounts every API route on mux.
func (h *APIHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/capture", h.Capture)
	mux.HandleFunc("POST /api/store", h.Store)
	mux.HandleFunc("GET /api/search", h.Search)
	mux.HandleFunc("GET /api/status", h.Status)
	mux.HandleFunc("GET /api/export", h.Export)
	mux.HandleFunc("POST /api/maintain", h.Maintain)
}

// Capture handles POST /api/capture.
func (h *APIHandlers) Capture(w http.ResponseWriter, r *http.Request) {
	var req CaptureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required", nil)
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	res, err := h.eng.Capture(r.Context(), req.Text, req.Source)
	if err != nil {
		respondEngineError(w, "capture failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Store handles POST /api/store.
func (h *APIHandlers) Store(w http.ResponseWriter, r *http.Request) {
	var req StoreRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if math.IsNaN(req.Importance) || math.IsInf(req.Importance, 0) {
		respondError(w, http.StatusBadRequest, "importance must be a finite number", nil)
		return
	}

	item, err := h.eng.Store(r.Context(), req.Content, req.Category, req.Importance)
	if err != nil {
		respondEngineError(w, "store failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, item)
}

// Search handles GET /api/search.
//
// Query parameters:
//   - q              search text (required)
//   - limit          maximum results (default from config, max 100)
//   - category       comma-separated category filter
//   - tier           comma-separated tier filter (hot, warm, cold)
//   - min_importance drop results below this importance
func (h *APIHandlers) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		respondError(w, http.StatusBadRequest, "q is required", nil)
		return
	}

	opts := storage.SearchOptions{TopK: parseInt(q.Get("limit"), 0)}
	for _, c := range splitList(q.Get("category")) {
		opts.Categories = append(opts.Categories, types.NormalizeCategory(c))
	}
	for _, s := range splitList(q.Get("tier")) {
		tier, ok := types.ParseTier(strings.ToLower(s))
		if !ok {
			respondError(w, http.StatusBadRequest, "unknown tier "+strconv.Quote(s), nil)
			return
		}
		opts.Tiers = append(opts.Tiers, tier)
	}
	if v := q.Get("min_importance"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			respondError(w, http.StatusBadRequest, "min_importance must be a finite number", err)
			return
		}
		opts.MinImportance = f
	}

	res, err := h.eng.Search(r.Context(), query, opts)
	if err != nil {
		respondEngineError(w, "search failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Status handles GET /api/status. ?format=markdown returns the Markdown
// rendering instead of JSON.
func (h *APIHandlers) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.eng.Status(r.Context())
	if err != nil {
		respondEngineError(w, "status failed", err)
		return
	}
	if f := r.URL.Query().Get("format"); f == "markdown" || f == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(st.Markdown()))
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// Export handles GET /api/export?format=<json|jsonl|yaml|csv|markdown>.
func (h *APIHandlers) Export(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = engine.FormatJSON
	}

	data, err := h.eng.Export(r.Context(), format)
	if err != nil {
		respondEngineError(w, "export failed", err)
		return
	}
	w.Header().Set("Content-Type", contentType(format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Maintain handles POST /api/maintain.
func (h *APIHandlers) Maintain(w http.ResponseWriter, r *http.Request) {
	report, err := h.eng.Maintain(r.Context())
	if err != nil {
		respondEngineError(w, "maintenance failed", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Health handles GET /healthz. It reports liveness only; use /api/status
// for tier health.
func Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func contentType(format string) string {
	switch format {
	case engine.FormatJSON:
		return "application/json"
	case engine.FormatJSONL:
		return "application/x-ndjson"
	case engine.FormatYAML:
		return "application/yaml"
	case engine.FormatCSV:
		return "text/csv; charset=utf-8"
	default:
		return "text/markdown; charset=utf-8"
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse request body", err)
		return false
	}
	return true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return v
}

// respondEngineError maps engine sentinel errors onto HTTP statuses.
func respondEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, storage.ErrRetrievalUnavailable),
		errors.Is(err, storage.ErrEmbeddingUnavailable),
		errors.Is(err, storage.ErrIndexUnavailable):
		respondError(w, http.StatusServiceUnavailable, message, err)
	default:
		log.Printf("Warning: server: %s: %v", message, err)
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// headers already sent
		log.Printf("Warning: server: failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  codeFor(statusCode),
	}
	if err != nil {
		errResp.Details = map[string]any{"error": err.Error()}
	}
	respondJSON(w, statusCode, errResp)
}

func codeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeInvalidInput
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusServiceUnavailable:
		return CodeUnavailable
	case http.StatusMethodNotAllowed:
		return CodeNotAllowed
	default:
		return CodeInternal
	}
}
