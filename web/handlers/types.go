package handlers

import (
	"github.com/scrypster/strata/internal/engine"
	"github.com/scrypster/strata/pkg/types"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalidInput = "INVALID_INPUT"
	CodeUnavailable  = "UNAVAILABLE"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeRateLimited  = "RATE_LIMITED"
	CodeInternal     = "INTERNAL"
	CodeNotAllowed   = "METHOD_NOT_ALLOWED"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// CaptureRequest is the body of POST /api/capture.
type CaptureRequest struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// StoreRequest is the body of POST /api/store. Category and importance are
// inferred from the content when omitted.
type StoreRequest struct {
	Content    string         `json:"content"`
	Category   types.Category `json:"category,omitempty"`
	Importance float64        `json:"importance,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// EventMessage is the WebSocket frame for one manager event.
type EventMessage struct {
	Kind  string       `json:"kind"` // always "event"
	Event engine.Event `json:"event"`
}
