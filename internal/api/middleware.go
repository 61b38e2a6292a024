package api

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// RequestIDHeader carries the caller's request id, echoed on the response.
	RequestIDHeader = "X-Request-ID"

	// TraceIDHeader carries the trace id recorded on stored evaluations.
	TraceIDHeader = "X-Trace-ID"
)

var tracer = otel.Tracer("kestrel-api")

// requestInfo holds the identifiers assigned to one request.
type requestInfo struct {
	RequestID string
	TraceID   string
}

type requestInfoKey struct{}

func requestInfoFrom(ctx context.Context) requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(requestInfo)
	return info
}

// GetTraceID returns the trace id assigned by TracingMiddleware.
func GetTraceID(ctx context.Context) string {
	return requestInfoFrom(ctx).TraceID
}

// GetRequestID returns the request id assigned by TracingMiddleware.
func GetRequestID(ctx context.Context) string {
	return requestInfoFrom(ctx).RequestID
}

// routePattern returns the matched chi pattern, or "" before routing or
// when nothing matched. Metric labels and span names use it instead of the
// raw path so evaluation ids do not leak into them.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func record(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// TracingMiddleware opens a server span per request and assigns the request
// and trace ids. Without a tracer provider installed the span context is
// empty, so the trace id falls back to the caller's X-Trace-ID and then to
// the request id.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := requestInfo{RequestID: r.Header.Get(RequestIDHeader)}
		if info.RequestID == "" {
			info.RequestID = uuid.NewString()
		}

		ctx, span := tracer.Start(r.Context(), "http "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("kestrel.request_id", info.RequestID),
			),
		)
		defer span.End()

		switch sc := span.SpanContext(); {
		case sc.TraceID().IsValid():
			info.TraceID = sc.TraceID().String()
		case r.Header.Get(TraceIDHeader) != "":
			info.TraceID = r.Header.Get(TraceIDHeader)
		default:
			info.TraceID = info.RequestID
		}

		w.Header().Set(RequestIDHeader, info.RequestID)
		w.Header().Set(TraceIDHeader, info.TraceID)

		rec := record(w)
		next.ServeHTTP(rec, r.WithContext(context.WithValue(ctx, requestInfoKey{}, info)))

		// chi fills the shared route context while routing
		if route := routePattern(r); route != "" {
			span.SetName(r.Method + " " + route)
			span.SetAttributes(attribute.String("http.route", route))
		}
		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

// LoggingMiddleware logs each request and records request metrics. Server
// errors log at error level and client errors at warn.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := record(w)

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		route := routePattern(r)
		metrics.ObserveRequest(r.Method, route, rec.status, duration)

		level := slog.LevelInfo
		switch {
		case rec.status >= http.StatusInternalServerError:
			level = slog.LevelError
		case rec.status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		info := requestInfoFrom(r.Context())
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", rec.status,
			"duration_ms", duration.Milliseconds(),
			"request_id", info.RequestID,
			"trace_id", info.TraceID,
		)
	})
}

// CORSMiddleware answers browser preflights and sets CORS headers. With no
// configured origins any origin is allowed without credentials; otherwise
// only listed origins are echoed back.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAny := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()

			switch {
			case allowAny:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.ContainsFunc(allowedOrigins, func(o string) bool {
				return strings.EqualFold(o, origin)
			}):
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
			}

			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestIDHeader+", "+TraceIDHeader)
			h.Set("Access-Control-Expose-Headers", RequestIDHeader+", "+TraceIDHeader)
			h.Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RecoverMiddleware turns a handler panic into a 500 JSON error.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
