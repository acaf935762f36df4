package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/wisbric/platform/internal/errs"
	"github.com/wisbric/platform/internal/reqctx"
	"github.com/wisbric/platform/internal/telemetry"
)

// TenantHeader, RequestIDHeader, and IdempotencyKeyHeader are the wire
// names the HTTP boundary reads its ambient context and idempotency
// binding from.
const (
	TenantHeader         = "X-Tenant-Id"
	RequestIDHeader      = "X-Request-Id"
	IdempotencyKeyHeader = "Idempotency-Key"
)

// RequestContextMiddleware installs a reqctx.Context built from the
// request's tenant/request-id headers (or fresh defaults when absent) —
// the HTTP boundary's one legitimate call to reqctx.Install, per
// internal/reqctx's package doc.
func RequestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := uuid.Parse(r.Header.Get(TenantHeader))
		if err != nil {
			tenantID = reqctx.Unspecified
		}
		requestID, err := uuid.Parse(r.Header.Get(RequestIDHeader))
		if err != nil {
			requestID = uuid.New()
		}

		rc := reqctx.System(requestID, tenantID)
		rc.IPAddress = r.RemoteAddr
		rc.UserAgent = r.UserAgent()

		ctx := reqctx.Install(r.Context(), rc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WriteError maps err to its boundary payload and writes it as the
// response body at its wire status code (§4.2's HTTP-boundary collapse
// point).
func WriteError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(errs.MapTo("http", err)))
	_ = json.NewEncoder(w).Encode(errs.ToPayload(err))
}

// telemetryStatusWriter captures the status code a handler writes, the
// same minimal wrapper internal/metrics.RouteMiddleware uses, so the span
// closed after next.ServeHTTP returns can classify the response outcome.
type telemetryStatusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *telemetryStatusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// TelemetryMiddleware opens a telemetry.RouteSpan for every request —
// after RequestContextMiddleware so reqctx.ToAttrs has a tenant/request
// to stamp — and closes it on EndOK or EndError by the final status code,
// the one place a real inbound HTTP request runs inside a §4.3 span
// instead of only a unit test driving Start/End directly.
func TelemetryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.RouteSpan(r.Context(), "http "+r.Method+" "+r.URL.Path)
		sw := &telemetryStatusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r.WithContext(ctx))

		if sw.status >= http.StatusInternalServerError {
			span.EndError(errs.Internal("http_response", nil))
		} else {
			span.EndOK()
		}
	})
}
