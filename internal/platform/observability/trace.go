package observability

import (
	"encoding/binary"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/evolvecharge/funnel/internal/platform/requestctx"
)

// cloudTraceHeader carries "TRACE_ID/SPAN_ID;o=OPTIONS" from the Google front end.
const cloudTraceHeader = "X-Cloud-Trace-Context"

var tracer = otel.Tracer("github.com/evolvecharge/funnel/internal/platform/observability")

// TraceMiddleware opens a server span per request, parented on the Cloud Trace header when one
// arrives, and records the resulting ids on the context and the response header.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if _, parent, ok := parseCloudTraceContext(r.Header.Get(cloudTraceHeader)); ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, parent)
			}

			ctx, span := tracer.Start(ctx, r.Method+" "+SanitizeRoute(r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(requestAttributes(r)...),
			)
			defer span.End()

			sc := span.SpanContext()
			info := requestctx.TraceInfo{
				TraceID:   sc.TraceID().String(),
				SpanID:    sc.SpanID().String(),
				Sampled:   sc.IsSampled(),
				ProjectID: projectID,
			}
			if sc.IsValid() {
				w.Header().Set(cloudTraceHeader, formatCloudTrace(info))
			}

			r = r.WithContext(requestctx.WithTrace(ctx, info))
			next.ServeHTTP(w, r)

			// The pattern is only known once chi has routed the request.
			if pattern := routePattern(r); pattern != r.URL.Path {
				span.SetName(r.Method + " " + SanitizeRoute(pattern))
			}
			if sessionID := chi.URLParam(r, "sessionId"); sessionID != "" {
				span.SetAttributes(attribute.String("funnel.session_id", clip(sessionID, 64)))
			}
		})
	}
}

func parseCloudTraceContext(header string) (requestctx.TraceInfo, trace.SpanContext, bool) {
	traceHex, rest, found := strings.Cut(strings.TrimSpace(header), "/")
	if !found || len(traceHex) != 32 {
		return requestctx.TraceInfo{}, trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return requestctx.TraceInfo{}, trace.SpanContext{}, false
	}

	spanPart, options, _ := strings.Cut(rest, ";")
	// The span id is a decimal uint64 in the header.
	spanNum, err := strconv.ParseUint(strings.TrimSpace(spanPart), 10, 64)
	if err != nil || spanNum == 0 {
		return requestctx.TraceInfo{}, trace.SpanContext{}, false
	}
	var spanID trace.SpanID
	binary.BigEndian.PutUint64(spanID[:], spanNum)

	var flags trace.TraceFlags
	if strings.TrimSpace(options) == "o=1" {
		flags = trace.FlagsSampled
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	})
	return requestctx.TraceInfo{
		TraceID: traceID.String(),
		SpanID:  spanID.String(),
		Sampled: sc.IsSampled(),
	}, sc, true
}

func formatCloudTrace(info requestctx.TraceInfo) string {
	var spanID trace.SpanID
	if id, err := trace.SpanIDFromHex(info.SpanID); err == nil {
		spanID = id
	}
	option := "0"
	if info.Sampled {
		option = "1"
	}
	return info.TraceID + "/" + strconv.FormatUint(binary.BigEndian.Uint64(spanID[:]), 10) + ";o=" + option
}

func requestAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	attrs := []attribute.KeyValue{
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.URLScheme(scheme),
		semconv.URLPath(SanitizeRoute(r.URL.Path)),
		semconv.ServerAddress(r.Host),
	}
	if ua := r.UserAgent(); ua != "" {
		attrs = append(attrs, semconv.UserAgentOriginal(ua))
	}
	return attrs
}
