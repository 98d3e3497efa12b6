// Package httpx holds the JSON envelope helpers shared by every HTTP surface.
package httpx

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/evolvecharge/funnel/internal/platform/requestctx"
)

const defaultBodyLimit = 1 << 20

// Error is rendered as {"error", "message", "status", "request_id", "trace_id"} plus any
// Details, which sit at the top level but can never replace the envelope fields.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

// NewError builds an envelope. A zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Code: oneLine(code, 80), Message: oneLine(message, 512), Status: status}
}

// WithDetails returns a copy of e with details merged over the existing ones.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) > 0 {
		merged := maps.Clone(e.Details)
		if merged == nil {
			merged = make(map[string]any, len(details))
		}
		maps.Copy(merged, details)
		e.Details = merged
	}
	return e
}

func (e Error) body(ctx context.Context) map[string]any {
	out := maps.Clone(e.Details)
	if out == nil {
		out = make(map[string]any, 5)
	}
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	out["error"], out["message"], out["status"] = e.Code, e.Message, status
	delete(out, "request_id")
	delete(out, "trace_id")

	if id := firstNonEmpty(e.RequestID, oneLine(middleware.GetReqID(ctx), 80)); id != "" {
		out["request_id"] = id
	}
	if id := firstNonEmpty(e.TraceID, oneLine(requestctx.TraceID(ctx), 64)); id != "" {
		out["trace_id"] = id
	}
	return out
}

// WriteError writes err, taking the request and trace ids from ctx when err has none.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	body := err.body(ctx)
	WriteJSON(w, body["status"].(int), body)
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// DecodeJSON decodes at most limit bytes (1 MiB when limit is not positive) into dst and
// rejects unknown fields.
func DecodeJSON(r *http.Request, dst any, limit int64) error {
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, limit))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func oneLine(value string, max int) string {
	value = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(value))
	if len(value) > max {
		return value[:max]
	}
	return value
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
