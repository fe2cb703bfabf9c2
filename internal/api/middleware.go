package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TenantIDHeader is the HTTP header for tenant ID.
	TenantIDHeader = "X-Tenant-ID"

	// RequestIDHeader is the HTTP header for request ID.
	RequestIDHeader = "X-Request-ID"

	// TraceIDHeader is the HTTP header for trace ID.
	TraceIDHeader = "X-Trace-ID"

	// ModelIDHeader names the fitted model that served a request.
	ModelIDHeader = "X-Model-ID"
)

var tracer = otel.Tracer("ceap-api")

// scope collects what the middleware chain and the handler learn about a
// request. LoggingMiddleware owns it; inner layers fill it in.
type scope struct {
	tenantID  string
	requestID string
	traceID   string
	modelID   string
	span      trace.Span
}

type scopeKey struct{}

func scopeFrom(ctx context.Context) *scope {
	if s, ok := ctx.Value(scopeKey{}).(*scope); ok {
		return s
	}
	return &scope{}
}

// LoggingMiddleware logs one line per request with the tenant and the
// model that scored it.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sc := &scope{}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), scopeKey{}, sc)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", sc.requestID,
				"trace_id", sc.traceID,
			}
			if sc.tenantID != "" {
				attrs = append(attrs, "tenant_id", sc.tenantID)
			}
			if sc.modelID != "" {
				attrs = append(attrs, "model_id", sc.modelID)
			}
			logger.Log(r.Context(), level, "http request", attrs...)
		})
	}
}

// TracingMiddleware starts a span per request, joining the caller's trace
// when a traceparent header is present.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc := scopeFrom(r.Context())

		sc.requestID = r.Header.Get(RequestIDHeader)
		if sc.requestID == "" {
			sc.requestID = uuid.New().String()
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", sc.requestID),
			),
		)
		defer span.End()

		sc.span = span
		sc.traceID = sc.requestID
		if tid := span.SpanContext().TraceID(); tid.IsValid() {
			sc.traceID = tid.String()
		}

		w.Header().Set(RequestIDHeader, sc.requestID)
		w.Header().Set(TraceIDHeader, sc.traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantMiddleware requires the X-Tenant-ID header on tenant-scoped routes.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantIDHeader)
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "X-Tenant-ID header is required")
			return
		}

		sc := scopeFrom(r.Context())
		sc.tenantID = tenantID
		if sc.span != nil {
			sc.span.SetAttributes(attribute.String("ceap.tenant_id", tenantID))
		}

		next.ServeHTTP(w, r)
	})
}

// setModelID records the model serving the request on the response, the
// request log and the span.
func setModelID(ctx context.Context, w http.ResponseWriter, modelID string) {
	w.Header().Set(ModelIDHeader, modelID)
	sc := scopeFrom(ctx)
	sc.modelID = modelID
	if sc.span != nil {
		sc.span.SetAttributes(attribute.String("ceap.model_id", modelID))
	}
}

// GetTenantID returns the tenant of the request.
func GetTenantID(ctx context.Context) string {
	return scopeFrom(ctx).tenantID
}

// GetTraceID returns the trace ID of the request.
func GetTraceID(ctx context.Context) string {
	return scopeFrom(ctx).traceID
}
