package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/evolvecharge/funnel/internal/platform/auth"
	"github.com/evolvecharge/funnel/internal/platform/httpx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	maxKeyLength      = 255
	maxBodyBytes      = 1 << 20
)

// guard is the configured middleware state.
type guard struct {
	store      Store
	headerName string
	ttl        time.Duration
	requireKey bool
	clock      func() time.Time
	logger     *zap.Logger
}

// MiddlewareOption customises Middleware.
type MiddlewareOption func(*guard)

// WithHeader names the header carrying the key. Defaults to Idempotency-Key.
func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.headerName = name
		}
	}
}

// WithTTL sets how long a completed response stays replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithRequiredKey answers 400 to mutations without a key instead of passing them through.
func WithRequiredKey(required bool) MiddlewareOption {
	return func(g *guard) { g.requireKey = required }
}

func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(g *guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) MiddlewareOption {
	return func(g *guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// Middleware makes POST, PUT, PATCH and DELETE requests carrying a key safe to retry: the first
// response is stored and replayed for later requests with the same key, scope and payload.
// Keys are scoped to the wizard session, or to the staff member on admin routes. 5xx responses
// release the key so a retry runs the handler again.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{
		store:      store,
		headerName: defaultHeaderName,
		ttl:        DefaultTTL,
		clock:      time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(w, r, next)
		})
	}
}

func (g *guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		next.ServeHTTP(w, r)
		return
	}

	key := strings.TrimSpace(r.Header.Get(g.headerName))
	switch {
	case key == "" && g.requireKey:
		fail(w, r, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
		return
	case key == "":
		next.ServeHTTP(w, r)
		return
	case len(key) > maxKeyLength:
		fail(w, r, http.StatusBadRequest, "idempotency_key_invalid", "idempotency key too long")
		return
	}

	body, err := bufferBody(r)
	if err != nil {
		fail(w, r, http.StatusRequestEntityTooLarge, "request_too_large", "unable to read request body")
		return
	}
	scope := requestScope(r)
	fingerprint := requestFingerprint(r, body, scope)
	scopedKey := scope + "|" + key

	reservation, err := g.store.Reserve(r.Context(), scopedKey, fingerprint, g.clock().UTC(), g.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		fail(w, r, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
		return
	case err != nil:
		g.logger.Error("idempotency: reserve failed", zap.String("scope", scope), zap.Error(err))
		fail(w, r, http.StatusServiceUnavailable, "idempotency_unavailable", "unable to process idempotency key")
		return
	case reservation.State == ReservationStateCompleted:
		replay(w, reservation.Record)
		return
	case reservation.State == ReservationStatePending:
		fail(w, r, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
		return
	}

	buf := &bufferedResponse{header: make(http.Header)}
	next.ServeHTTP(buf, r)
	// Record the outcome even when the client has already hung up.
	g.settle(context.WithoutCancel(r.Context()), scopedKey, fingerprint, scope, buf)
	if err := buf.flushTo(w); err != nil {
		g.logger.Debug("idempotency: write response failed", zap.Error(err))
	}
}

// settle stores a finished response or releases the key. A failed save also releases the key
// and the response is still sent.
func (g *guard) settle(ctx context.Context, key, fingerprint, scope string, buf *bufferedResponse) {
	if buf.statusCode() < http.StatusInternalServerError {
		resp := Response{Status: buf.statusCode(), Headers: buf.header, Body: buf.body.Bytes()}
		err := g.store.SaveResponse(ctx, key, fingerprint, resp, g.clock().UTC(), g.ttl)
		if err == nil {
			return
		}
		g.logger.Error("idempotency: save response failed", zap.String("scope", scope), zap.Error(err))
	}
	if err := g.store.Release(ctx, key, fingerprint); err != nil {
		g.logger.Warn("idempotency: release failed", zap.String("scope", scope), zap.Error(err))
	}
}

func requestScope(r *http.Request) string {
	if sessionID := chi.URLParam(r, "sessionId"); sessionID != "" {
		return "session:" + sessionID
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.UID != "" {
		return "staff:" + identity.UID
	}
	return "anonymous"
}

// bufferBody reads the body so it can be fingerprinted and hands the handler a fresh reader.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBodyBytes {
		return nil, errors.New("idempotency: body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint identifies the payload behind a key: method, path, query, content type,
// scope and a hash of the body.
func requestFingerprint(r *http.Request, body []byte, scope string) string {
	parts := []string{strings.ToUpper(r.Method), r.URL.Path, r.URL.RawQuery, r.Header.Get("Content-Type"), scope}
	if len(body) > 0 {
		parts = append(parts, sha256Hex(body))
	}
	return sha256Hex([]byte(strings.Join(parts, "|")))
}

func replay(w http.ResponseWriter, record Record) {
	for name, values := range record.ResponseHeaders {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(replayHeaderName, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

// bufferedResponse holds the handler's response until the outcome is settled.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.WriteHeader(http.StatusOK)
	return b.body.Write(p)
}

func (b *bufferedResponse) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedResponse) flushTo(w http.ResponseWriter) error {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.statusCode())
	_, err := b.body.WriteTo(w)
	return err
}
