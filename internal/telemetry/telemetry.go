// Package telemetry implements spec.md §4.3: the span/routeSpan API and
// exporter configuration, layered over go.opentelemetry.io/otel the way
// omeyang-XKit's pkg/observability/xmetrics.otelObserver wraps tracer.Start/
// span.End, and over log/slog the way the teacher's vendored
// github.com/wisbric/core/pkg/telemetry.NewLogger does for structured
// logging.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/wisbric/platform/internal/errs"
	"github.com/wisbric/platform/internal/metrics"
	"github.com/wisbric/platform/internal/reqctx"
)

const instrumentationName = "github.com/wisbric/platform/internal/telemetry"

// NewLogger creates a structured logger, format "json" or "text", level one
// of debug/info/warn/error — same shape as core/pkg/telemetry.NewLogger.
func NewLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var w io.Writer = os.Stdout
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// Kind is the span-kind taxonomy spec.md §4.3 derives from an operation's
// name prefix.
type Kind string

const (
	KindInternal Kind = "internal"
	KindClient   Kind = "client"
	KindServer   Kind = "server"
)

// inferKind applies the prefix rules from §4.3: "cache." -> client,
// "auth." -> internal, anything running under an active circuit context ->
// client, else internal.
func inferKind(ctx context.Context, name string) Kind {
	switch {
	case strings.HasPrefix(name, "cache."):
		return KindClient
	case strings.HasPrefix(name, "auth."):
		return KindInternal
	}
	if reqctx.Current(ctx).Circuit != nil {
		return KindClient
	}
	return KindInternal
}

func otelKind(k Kind) oteltrace.SpanKind {
	switch k {
	case KindClient:
		return oteltrace.SpanKindClient
	case KindServer:
		return oteltrace.SpanKindServer
	default:
		return oteltrace.SpanKindInternal
	}
}

// SpanOptions configures Span. CaptureStackTrace is accepted but not read:
// no span records a stack trace, on defects or otherwise.
type SpanOptions struct {
	Kind              Kind
	Metrics           *bool // nil -> default true
	CaptureStackTrace bool
}

func (o SpanOptions) metricsEnabled() bool {
	return o.Metrics == nil || *o.Metrics
}

// Span represents an open unit of work; call exactly one of EndOK,
// EndError, EndDefect or EndInterrupted, once.
type Span struct {
	span    oteltrace.Span
	name    string
	metrics bool
	start   time.Time
}

// Start opens a span named name. Kind defaults per inferKind when
// opts.Kind is empty.
func Start(ctx context.Context, name string, opts SpanOptions) (context.Context, *Span) {
	kind := opts.Kind
	if kind == "" {
		kind = inferKind(ctx, name)
	}

	tracer := otel.Tracer(instrumentationName)
	ctx, raw := tracer.Start(ctx, name, oteltrace.WithSpanKind(otelKind(kind)))

	return ctx, &Span{span: raw, name: name, metrics: opts.metricsEnabled(), start: time.Now()}
}

// EndOK closes the span with a success status.
func (s *Span) EndOK() {
	if s == nil {
		return
	}
	s.span.SetStatus(codes.Ok, "")
	s.finish(nil)
}

// EndError closes the span on a typed failure: annotates error.tag from
// the boundary/internal tag, error.message when present, and sets status
// Error — per §4.3's "on typed failure" rule.
func (s *Span) EndError(err error) {
	if s == nil {
		return
	}
	if err == nil {
		s.EndOK()
		return
	}
	tag := metrics.ErrorTag(err)
	s.span.SetAttributes(
		attribute.String("error.tag", tag),
		attribute.String("error.message", err.Error()),
	)
	s.span.SetStatus(codes.Error, err.Error())
	s.finish(err)
}

// EndDefect closes the span on an unexpected (panicking) failure: records
// exception.type/exception.message and never swallows the value — the
// caller must re-panic or return it.
func (s *Span) EndDefect(recovered any) {
	if s == nil {
		return
	}
	s.span.SetAttributes(
		attribute.String("exception.type", defectType(recovered)),
		attribute.String("exception.message", defectMessage(recovered)),
	)
	s.span.SetStatus(codes.Error, "defect")
	s.finish(errs.Internal("defect", nil))
}

// EndInterrupted closes the span on cancellation/interruption: status
// Unset, interrupted=true, never recorded as an error.
func (s *Span) EndInterrupted() {
	if s == nil {
		return
	}
	s.span.SetAttributes(attribute.Bool("interrupted", true))
	s.finish(nil)
}

func (s *Span) finish(err error) {
	if s.metrics {
		metrics.SpanDuration.WithLabelValues(s.name, outcomeLabel(err)).Observe(time.Since(s.start).Seconds())
		if err != nil {
			metrics.TrackError(s.name, err)
		}
	}
	s.span.End()
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func defectType(recovered any) string {
	if e, ok := recovered.(error); ok {
		return errs.TagOf(e)
	}
	return "panic"
}

func defectMessage(recovered any) string {
	if e, ok := recovered.(error); ok {
		return e.Error()
	}
	return stringer(recovered)
}

func stringer(v any) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return "unknown defect"
}

// RouteSpan opens a pre-configured span for HTTP handlers: forces
// metrics:true and stamps request/tenant correlation attributes from
// reqctx.ToAttrs.
func RouteSpan(ctx context.Context, routeName string) (context.Context, *Span) {
	enabled := true
	ctx, span := Start(ctx, routeName, SpanOptions{Kind: KindServer, Metrics: &enabled})
	for k, v := range reqctx.ToAttrs(ctx) {
		span.span.SetAttributes(attribute.String(k, v))
	}
	return ctx, span
}

// --- Exporter configuration (§4.3) ---

// DeploymentMode selects default OTLP endpoints.
type DeploymentMode string

const (
	ModeDev  DeploymentMode = "dev"
	ModeProd DeploymentMode = "prod"
)

const (
	defaultDevEndpoint  = "http://127.0.0.1:4318"
	defaultProdEndpoint = "http://alloy.observability.svc.cluster.local:4318"
)

// LogsExporter enumerates the honored tokens for the logs exporter
// setting; anything else resolves to LogsExporterNone.
type LogsExporter string

const (
	LogsExporterNone       LogsExporter = "none"
	LogsExporterOTLP       LogsExporter = "otlp"
	LogsExporterConsole    LogsExporter = "console"
	LogsExporterOTLPConsle LogsExporter = "otlp,console"
)

var validLogsExporters = map[LogsExporter]bool{
	LogsExporterNone:       true,
	LogsExporterOTLP:       true,
	LogsExporterConsole:    true,
	LogsExporterOTLPConsle: true,
}

// ExporterConfig is the resolved per-signal endpoint/header configuration.
type ExporterConfig struct {
	Mode            DeploymentMode
	BaseEndpoint    string
	LogsEndpoint    string
	MetricsEndpoint string
	TracesEndpoint  string
	Headers         map[string]string
	LogsExporter    LogsExporter

	// TracesExporter selects InitTracer's exporter: "otlp" (default),
	// "console" (stdouttrace, dev-only), or "none". Not part of spec.md
	// §4.3's validated logsExporter token set — this is the ambient
	// trace-pipeline counterpart the teacher's coretelemetry.InitTracer
	// needed but spec.md doesn't separately name.
	TracesExporter string
}

// ResolveExporterConfig reads base/per-signal endpoint overrides and the
// logs-exporter token, applying deployment-mode defaults and the
// "k=v,k=v" header parsing rule (malformed entries silently skipped) from
// §4.3.
func ResolveExporterConfig(mode DeploymentMode, base, logsEP, metricsEP, tracesEP, headersRaw, logsExporterRaw string) ExporterConfig {
	if base == "" {
		if mode == ModeProd {
			base = defaultProdEndpoint
		} else {
			base = defaultDevEndpoint
		}
	}

	cfg := ExporterConfig{
		Mode:            mode,
		BaseEndpoint:    base,
		LogsEndpoint:    orDefault(logsEP, base),
		MetricsEndpoint: orDefault(metricsEP, base),
		TracesEndpoint:  orDefault(tracesEP, base),
		Headers:         parseHeaders(headersRaw),
		LogsExporter:    resolveLogsExporter(logsExporterRaw),
		TracesExporter:  "otlp",
	}
	return cfg
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func resolveLogsExporter(raw string) LogsExporter {
	candidate := LogsExporter(raw)
	if validLogsExporters[candidate] {
		return candidate
	}
	return LogsExporterNone
}

func parseHeaders(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
