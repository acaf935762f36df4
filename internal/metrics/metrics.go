// Package metrics implements the label-sanitization, cardinality-guard, and
// tracking pipelines from spec.md §4.4, on top of prometheus/client_golang
// the way the teacher's internal/telemetry.NewMetricsRegistry does for
// HTTPRequestDuration, generalized into a reusable registry + helpers any
// component can call.
package metrics

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wisbric/platform/internal/errs"
)

const maxLabelValueLen = 123

// Label normalizes a label dictionary per spec.md §4.4:
//  1. drop undefined/empty values,
//  2. truncate to 123 characters,
//  3. strip ASCII control characters (≤0x1F and 0x7F),
//  4. idempotent: Label(Label(x)) == Label(x).
func Label(kv map[string]string) map[string]string {
	out := make(map[string]string, len(kv))
	for k, v := range kv {
		if v == "" {
			continue
		}
		if len(v) > maxLabelValueLen {
			v = v[:maxLabelValueLen]
		}
		cleaned := stripControl(v)
		if cleaned == "" {
			continue
		}
		out[k] = cleaned
	}
	return out
}

func stripControl(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= 0x1F || c == 0x7F {
			continue
		}
		b = append(b, c)
	}
	return string(b)
}

// ErrorTag returns value's _tag when present, "Unknown" for any other
// non-nil error, and "" for nil. No type or constructor name is derived
// for untagged errors.
func ErrorTag(value error) string {
	if value == nil {
		return ""
	}
	if tag := errs.TagOf(value); tag != "" {
		return tag
	}
	return "Unknown"
}

// --- Registry ---

// HTTPRequestDuration tracks HTTP request latency across every service
// built on this runtime, mirroring telemetry.HTTPRequestDuration in the
// teacher: RouteMiddleware labels it with the chi route pattern when one
// matched, and otherwise with the path normalized to the
// :id/:num/:hash/:token convention.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "platform",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

var effectDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "platform",
		Subsystem: "effect",
		Name:      "duration_seconds",
		Help:      "Duration of a tracked effect, by name.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"name"},
)

var effectErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "platform",
		Subsystem: "effect",
		Name:      "errors_total",
		Help:      "Errors from a tracked effect, by name and error tag.",
	},
	[]string{"name", "tag"},
)

var jobOps = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "platform",
		Subsystem: "job",
		Name:      "operations_total",
		Help:      "Job lifecycle operations, by type/operation/priority/outcome.",
	},
	[]string{"job_type", "operation", "priority", "outcome"},
)

// SpanDuration tracks telemetry.Span lifetimes by name and outcome, the
// metrics side-channel telemetry.Span.finish feeds on every End* call.
var SpanDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "platform",
		Subsystem: "span",
		Name:      "duration_seconds",
		Help:      "Duration of a telemetry span, by name and outcome.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"name", "outcome"},
)

var streamItems = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "platform",
		Subsystem: "stream",
		Name:      "items_total",
		Help:      "Items emitted by a tracked stream.",
	},
	[]string{"counter"},
)

// NewRegistry creates a Prometheus registry with Go/process collectors,
// the shared request-duration histogram, and any service-specific
// collectors passed as extras — same shape as
// telemetry.NewMetricsRegistry, generalized to also register this
// package's own effect/job/stream collectors by default.
func NewRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
		SpanDuration,
		effectDuration,
		effectErrors,
		jobOps,
		streamItems,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}

// Inc increments a counter vec by the given (already-sanitized) labels.
func Inc(counter *prometheus.CounterVec, labels map[string]string) {
	counter.With(prometheus.Labels(Label(labels))).Inc()
}

// Gauge sets a gauge vec's value for the given labels.
func Gauge(gauge *prometheus.GaugeVec, labels map[string]string, value float64) {
	gauge.With(prometheus.Labels(Label(labels))).Set(value)
}

// TrackError records an error occurrence against effectErrors, tagging it
// via ErrorTag.
func TrackError(name string, err error) {
	effectErrors.WithLabelValues(name, ErrorTag(err)).Inc()
}

// EffectOptions configures TrackEffect.
type EffectOptions struct {
	Labels map[string]string
}

// TrackEffect times op and records its outcome: duration on success or
// failure, and the error's tag on failure. The operation's return value
// and typed error are both propagated untouched — metrics is a pure
// side-channel.
func TrackEffect[T any](name string, opts EffectOptions, op func() (T, error)) (T, error) {
	start := time.Now()
	result, err := op()
	effectDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		TrackError(name, err)
	}
	return result, err
}

// JobOperation enumerates the job lifecycle stages §4.4 tracks.
type JobOperation string

const (
	JobSubmit  JobOperation = "submit"
	JobCancel  JobOperation = "cancel"
	JobProcess JobOperation = "process"
	JobReplay  JobOperation = "replay"
)

// JobTrackOptions names the job being tracked.
type JobTrackOptions struct {
	JobType   string
	Operation JobOperation
	Priority  string // optional
}

// TrackJob wraps op, recording its outcome (ok/error) against jobOps.
func TrackJob[T any](opts JobTrackOptions, op func() (T, error)) (T, error) {
	result, err := op()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	priority := opts.Priority
	if priority == "" {
		priority = "none"
	}
	jobOps.WithLabelValues(opts.JobType, string(opts.Operation), priority, outcome).Inc()
	return result, err
}

// TrackStream increments counter once per item pulled from ch, forwarding
// every item to the returned channel unchanged.
func TrackStream[T any](ch <-chan T, counterLabel string, labels map[string]string) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for item := range ch {
			streamItems.WithLabelValues(counterLabel).Inc()
			out <- item
		}
	}()
	_ = labels // reserved for future per-label stream counters
	return out
}

// --- Cardinality-guarded HTTP middleware ---

var (
	uuidRe  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	numRe   = regexp.MustCompile(`^[0-9]+$`)
	hexRe   = regexp.MustCompile(`^[0-9a-fA-F]{16,}$`)
	tokenRe = regexp.MustCompile(`^[A-Za-z0-9_\-]{12,}$`)
)

// NormalizeSegment replaces a URL path segment with a low-cardinality
// placeholder if it matches one of the four patterns spec.md §4.4 names,
// checked in precedence order (UUID, numeric, hex token, opaque token) so
// a segment matching more than one pattern resolves deterministically.
func NormalizeSegment(segment string) string {
	switch {
	case uuidRe.MatchString(segment):
		return ":id"
	case numRe.MatchString(segment):
		return ":num"
	case hexRe.MatchString(segment):
		return ":hash"
	case tokenRe.MatchString(segment):
		return ":token"
	default:
		return segment
	}
}

// NormalizePath applies NormalizeSegment to every "/"-delimited segment.
func NormalizePath(path string) string {
	if path == "" || path == "/" {
		return path
	}
	segments := splitPath(path)
	for i, s := range segments {
		if s == "" {
			continue
		}
		segments[i] = NormalizeSegment(s)
	}
	return joinPath(segments)
}

func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			segments = append(segments, path[start:i])
			start = i + 1
		}
	}
	return segments
}

func joinPath(segments []string) string {
	out := ""
	for i, s := range segments {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// RouteMiddleware records HTTPRequestDuration using the cardinality-capped
// chi route pattern when available, falling back to NormalizePath — the
// sole cardinality guard for URL-keyed metrics (§4.4).
func RouteMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
			if pattern := routeCtx.RoutePattern(); pattern != "" {
				route = pattern
			} else {
				route = NormalizePath(route)
			}
		} else {
			route = NormalizePath(route)
		}

		HTTPRequestDuration.WithLabelValues(
			r.Method,
			route,
			strconv.Itoa(sw.status),
		).Observe(time.Since(start).Seconds())
	})
}
