package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/evolvecharge/funnel/internal/platform/requestctx"
)

func TestRecoveryMiddlewareWritesEnvelope(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/catalog", nil))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "internal_server_error", body["error"])
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestRequestLoggerRecordsRouteAndSession(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := chi.NewRouter()
	router.Use(InjectLoggerMiddleware(zap.New(core)))
	router.Use(RequestLoggerMiddleware())
	router.Post("/api/v1/sessions/{sessionId}/advance", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s-1/advance", nil))

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/api/v1/sessions/{sessionId}/advance", fields["route_pattern"])
	assert.Equal(t, "s-1", fields["session_id"])
	assert.EqualValues(t, http.StatusUnprocessableEntity, fields["status"])
}

func TestParseCloudTraceContext(t *testing.T) {
	info, spanCtx, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	require.True(t, ok)
	assert.Equal(t, "105445aa7843bc8bf206b12000100000", info.TraceID)
	assert.True(t, info.Sampled)
	assert.True(t, spanCtx.IsRemote())

	_, _, ok = parseCloudTraceContext("not-a-trace")
	assert.False(t, ok)
}

func TestTraceMiddlewareStoresTraceInfo(t *testing.T) {
	var traceID string
	handler := TraceMiddleware("evolvecharge-prod")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = requestctx.TraceID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "105445aa7843bc8bf206b12000100000", traceID)
}

func TestEventLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logEvent := EventLogger(zap.New(core))

	logEvent(context.Background(), "orders.sweep", map[string]any{"count": 2})
	logEvent(context.Background(), "orders.webhook.finalize", map[string]any{"error": errors.New("down"), "orderId": "o-1"})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.EqualValues(t, 2, entries[0].ContextMap()["count"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "o-1", entries[1].ContextMap()["orderId"])
	assert.Equal(t, "orders.webhook.finalize", entries[1].ContextMap()["event"])
}

func TestTraceMiddlewareEchoesHeader(t *testing.T) {
	handler := TraceMiddleware("evolvecharge-prod")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/12345;o=1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, "105445aa7843bc8bf206b12000100000/12345;o=1", rr.Header().Get(cloudTraceHeader))
}

func TestClipDropsControlCharacters(t *testing.T) {
	assert.Equal(t, "abc", clip("a\x00b\x1bc", 10))
	assert.Equal(t, "ab", clip("abcdef", 2))
	assert.Equal(t, "/", SanitizeRoute(""))
}
