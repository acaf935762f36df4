// Package reqctx implements the ambient RequestContext from spec.md §3/§4.1:
// per-request tenant scoping, session, cluster, and rate-limit state carried
// transparently across suspension points via context.Context, generalizing
// the teacher's pkg/tenant.NewContext/FromContext and internal/auth's
// identity-in-context idiom into one ambient value.
package reqctx

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/platform/internal/errs"
)

// TenantSystem is the sentinel tenant used by background fibers that cross
// tenants deliberately (pollers, DLQ replay, WS reaper).
var TenantSystem = uuid.MustParse("00000000-0000-7000-8000-000000000001")

// Unspecified is the deny sentinel: operations must fail scope checks when
// observed. It is the zero UUID.
var Unspecified = uuid.Nil

// Session is optional per-request authentication state.
type Session struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	AppID      uuid.UUID
	MFAEnabled bool
	VerifiedAt *time.Time
}

// ClusterInfo is present only inside cluster-hosted handlers.
type ClusterInfo struct {
	EntityID   string
	EntityType string
	RunnerID   string // empty when absent
	ShardID    string // empty when absent
	IsLeader   bool
}

// RateLimit reflects the caller's current rate-limit window.
type RateLimit struct {
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	Delay      time.Duration
}

// Circuit is set by the resilience layer so child spans can annotate which
// breaker, if any, is guarding the current call.
type Circuit struct {
	Name  string
	State string
}

// Context is the immutable, per-request ambient value. Branches create
// child contexts via Within; a child never escapes the operation it scopes
// (the caller only ever observes it through the context.Context it was
// installed into, which is discarded when the operation returns).
type Context struct {
	TenantID    uuid.UUID
	RequestID   uuid.UUID
	Session     *Session
	Cluster     *ClusterInfo
	RateLimit   *RateLimit
	IPAddress   string
	UserAgent   string
	AppNS       string
	Circuit     *Circuit
}

// Overrides customizes the context System() would otherwise build; any
// zero-valued field falls back to the default.
type Overrides struct {
	Session   *Session
	Cluster   *ClusterInfo
	RateLimit *RateLimit
	IPAddress string
	UserAgent string
	AppNS     string
}

type ctxKey struct{}

// System builds a well-formed default context: no session, no cluster, no
// IP, no rate limit (spec.md §4.1 "system(requestId, tenantId)").
func System(requestID, tenantID uuid.UUID) Context {
	return Context{TenantID: tenantID, RequestID: requestID}
}

// Install returns a new context.Context carrying rc. Exported so HTTP/WS
// boundary code (the only legitimate creation points, plus background
// schedulers) can seed the ambient value; ordinary call sites use Within.
func Install(ctx context.Context, rc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, &rc)
}

// Current extracts the RequestContext, or the zero value (Unspecified
// tenant) if none was installed — callers relying on tenant scoping must
// check CurrentTenantID against Unspecified rather than assume presence.
func Current(ctx context.Context) Context {
	if v, ok := ctx.Value(ctxKey{}).(*Context); ok && v != nil {
		return *v
	}
	return Context{}
}

// CurrentTenantID is a convenience accessor.
func CurrentTenantID(ctx context.Context) uuid.UUID {
	return Current(ctx).TenantID
}

// SessionOf returns the current session, or nil if absent.
func SessionOf(ctx context.Context) *Session {
	return Current(ctx).Session
}

// SessionOrFail returns the session or an Auth{reason:"missing_session"}
// error (§4.1 fails-with).
func SessionOrFail(ctx context.Context) (*Session, error) {
	s := Current(ctx).Session
	if s == nil {
		return nil, errs.Auth("missing_session")
	}
	return s, nil
}

// ClusterState returns the current cluster info, or an
// errs.TransientError{Reason:"ClusterContextRequired"} when absent.
func ClusterState(ctx context.Context) (*ClusterInfo, error) {
	c := Current(ctx).Cluster
	if c == nil {
		return nil, errs.Transient("ClusterContextRequired")
	}
	return c, nil
}

// Within runs op under a context derived from overrides with the given
// tenantId; overrides default to System's baseline. The child context
// never escapes op — it only exists for the duration of this call.
func Within(ctx context.Context, tenantID uuid.UUID, overrides Overrides, op func(context.Context) error) error {
	base := Current(ctx)
	child := Context{
		TenantID:  tenantID,
		RequestID: base.RequestID,
		Session:   overrides.Session,
		Cluster:   overrides.Cluster,
		RateLimit: overrides.RateLimit,
		IPAddress: overrides.IPAddress,
		UserAgent: overrides.UserAgent,
		AppNS:     overrides.AppNS,
		Circuit:   base.Circuit,
	}
	if child.RequestID == uuid.Nil {
		child.RequestID = uuid.New()
	}
	return op(Install(ctx, child))
}

// WithinCluster runs op with the given ClusterInfo installed, leaving the
// rest of the ambient context untouched.
func WithinCluster(ctx context.Context, info ClusterInfo, op func(context.Context) error) error {
	base := Current(ctx)
	child := base
	child.Cluster = &info
	return op(Install(ctx, child))
}

// WithCircuit returns a derived context annotated with circuit name/state,
// used by the resilience layer so child spans can report which breaker is
// guarding the call (§4.3 span-kind rule: "names with an active circuit
// context → client").
func WithCircuit(ctx context.Context, name, state string) context.Context {
	base := Current(ctx)
	base.Circuit = &Circuit{Name: name, State: state}
	return Install(ctx, base)
}

// --- Header/field registry (spec.md §4.1, stable strings) ---

const (
	HeaderRequestID      = "x-request-id"
	HeaderTenantID       = "x-tenant-id"
	HeaderAppID          = "x-app-id"
	HeaderSessionID      = "x-session-id"
	HeaderRateLimitLimit = "x-ratelimit-limit"
	HeaderRateLimitRemain = "x-ratelimit-remaining"
	HeaderRateLimitReset = "x-ratelimit-reset"
	HeaderCSRF           = "x-requested-with"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// ToAttrs returns a flat map of correlation attributes suitable for
// telemetry. Per §4.1 invariant this MUST include request.id, tenant.id,
// and session.mfa (when a session is present) and MUST NOT include raw
// identity attributes session.id / user.id — those are PII-sensitive and
// emitted separately only by explicit call sites.
func ToAttrs(ctx context.Context) map[string]string {
	rc := Current(ctx)
	attrs := map[string]string{
		"request.id": rc.RequestID.String(),
		"tenant.id":  rc.TenantID.String(),
	}
	if rc.Session != nil {
		if rc.Session.MFAEnabled {
			attrs["session.mfa"] = "true"
		} else {
			attrs["session.mfa"] = "false"
		}
	}
	return attrs
}
