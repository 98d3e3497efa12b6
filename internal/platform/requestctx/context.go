// Package requestctx holds the values middleware attaches to a request context: the scoped
// logger and the Cloud Trace ids.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type (
	loggerKey struct{}
	traceKey  struct{}
)

var nop = zap.NewNop()

// TraceInfo identifies the request in Cloud Trace.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger returns ctx carrying logger. A nil logger stores the no-op logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = nop
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger never returns nil; callers without an injected logger get NoopLogger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if logger, _ := ctx.Value(loggerKey{}).(*zap.Logger); logger != nil {
			return logger
		}
	}
	return nop
}

// NoopLogger is the sentinel Logger returns when nothing was injected.
func NoopLogger() *zap.Logger { return nop }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey{}, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey{}).(TraceInfo)
	return info, ok
}

// TraceID is empty outside TraceMiddleware.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}
