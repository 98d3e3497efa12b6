package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evolvecharge/funnel/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{TraceID: "abc"})
	rr := httptest.NewRecorder()

	err := NewError("validation_failed", "fix the highlighted fields\n", http.StatusUnprocessableEntity).
		WithDetails(map[string]any{"focus": "customer.email"}).
		WithDetails(map[string]any{"errors": map[string]string{"customer.email": "Enter a valid email."}})
	WriteError(ctx, rr, err)

	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "validation_failed", body["error"])
	assert.Equal(t, "fix the highlighted fields", body["message"])
	assert.EqualValues(t, 422, body["status"])
	assert.Equal(t, "req-1", body["request_id"])
	assert.Equal(t, "abc", body["trace_id"])
	assert.Equal(t, "customer.email", body["focus"])
	assert.Contains(t, body["errors"], "customer.email")
}

func TestWriteErrorDetailsCannotOverrideEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(context.Background(), rr, NewError("not_found", "missing", 0).WithDetails(map[string]any{"status": "fake"}))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.EqualValues(t, 500, body["status"])
	assert.NotContains(t, body, "request_id")
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var dst struct {
		Path string `json:"path"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"path":"a","extra":1}`))
	assert.Error(t, DecodeJSON(req, &dst, 0))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"path":"a"}`))
	require.NoError(t, DecodeJSON(req, &dst, 0))
	assert.Equal(t, "a", dst.Path)
}
