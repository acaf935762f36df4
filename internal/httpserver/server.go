package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/platform/internal/cache"
	"github.com/wisbric/platform/internal/circuit"
	"github.com/wisbric/platform/internal/errs"
	"github.com/wisbric/platform/internal/health"
	"github.com/wisbric/platform/internal/idempotency"
	"github.com/wisbric/platform/internal/metrics"
	"github.com/wisbric/platform/internal/resilience"
	"github.com/wisbric/platform/internal/tenantlifecycle"
	"github.com/wisbric/platform/internal/wsfabric"
)

var errInvalidTenantID = errs.Validation("tenantID", "must be a UUID")

// Deps bundles every service the router mounts. Everything here is an
// interface or a small value type: the router owns no infrastructure
// lifecycle, matching the teacher's httpserver.NewServer composition.
type Deps struct {
	Logger      *slog.Logger
	MetricsPath string
	Health      *health.Supervisor
	Lifecycle   *tenantlifecycle.Machine
	WS          *wsfabric.Server
	CORSOrigins []string

	// AdminBreaker guards the tenant-lifecycle mutation handlers'
	// downstream Machine calls through internal/resilience — the only
	// "downstream effect" this runtime's own HTTP surface has, since the
	// Database/Redis collaborators it calls through are themselves the
	// protected dependency. May be nil, in which case calls run unguarded.
	AdminBreaker *circuit.Breaker

	// Idempotency gates the /admin/tenants mutation handlers against
	// replay, keyed off the Idempotency-Key header. May be nil, in which
	// case requests without the header (or with Idempotency nil) simply
	// run once per call, same as an idempotency-unaware handler.
	Idempotency *idempotency.Gate
}

// NewRouter builds the platform runtime's HTTP surface: ambient
// RequestContext installation, a request span, CORS, route-normalized
// metrics, the cache service's rate-limit header middleware, then the
// mounted routes.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(RequestContextMiddleware)
	r.Use(TelemetryMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", TenantHeader, RequestIDHeader, IdempotencyKeyHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(metrics.RouteMiddleware)
	r.Use(cache.HeaderMiddleware)

	r.Get(deps.MetricsPath, promhttp.Handler().ServeHTTP)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		h := deps.Health.GetHealth(req.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h)
	})

	r.Route("/admin/tenants", func(admin chi.Router) {
		admin.Post("/", handleProvision(deps.Lifecycle, deps.AdminBreaker, deps.Idempotency))
		admin.Post("/{tenantID}/transition", handleTransition(deps.Lifecycle, deps.AdminBreaker, deps.Idempotency))
	})

	r.Handle("/ws", deps.WS)

	return r
}

type provisionRequest struct {
	Namespace string          `json:"namespace"`
	Name      string          `json:"name"`
	Settings  json.RawMessage `json:"settings"`
}

// runMutation executes op, optionally through gate's idempotency
// protocol keyed by the caller's Idempotency-Key header, resource and
// action naming the operation the way internal/idempotency.Gate.Run's
// cache key expects. Without a key or a gate, op just runs once.
func runMutation(r *http.Request, gate *idempotency.Gate, resource, action string, body []byte, op func(context.Context) (any, error)) (any, error) {
	key := r.Header.Get(IdempotencyKeyHeader)
	if key == "" || gate == nil {
		return op(r.Context())
	}
	return gate.Run(r.Context(), resource, action, key, body, op)
}

func handleProvision(m *tenantlifecycle.Machine, breaker *circuit.Breaker, gate *idempotency.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := ReadBody(r)
		if err != nil {
			WriteError(w, err)
			return
		}

		result, err := runMutation(r, gate, "tenant", "provision", body, func(ctx context.Context) (any, error) {
			var req provisionRequest
			if err := DecodeBytes(body, &req); err != nil {
				return nil, err
			}
			id, err := resilience.Run(ctx, "tenant.provision", func(ctx context.Context) (uuid.UUID, error) {
				return m.Provision(ctx, tenantlifecycle.ProvisionInput{
					Namespace: req.Namespace,
					Name:      req.Name,
					Settings:  req.Settings,
				})
			}, resilience.Options{Circuit: breakerOrNil(breaker)})
			if err != nil {
				return nil, err
			}
			return map[string]string{"tenantId": id.String()}, nil
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}

type transitionRequest struct {
	Command string `json:"command"`
}

func handleTransition(m *tenantlifecycle.Machine, breaker *circuit.Breaker, gate *idempotency.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
		if err != nil {
			WriteError(w, errInvalidTenantID)
			return
		}

		body, err := ReadBody(r)
		if err != nil {
			WriteError(w, err)
			return
		}

		_, err = runMutation(r, gate, "tenant", "transition", body, func(ctx context.Context) (any, error) {
			var req transitionRequest
			if err := DecodeBytes(body, &req); err != nil {
				return nil, err
			}
			return resilience.Run(ctx, "tenant.transition", func(ctx context.Context) (struct{}, error) {
				return struct{}{}, m.Transition(ctx, req.Command, tenantID)
			}, resilience.Options{Circuit: breakerOrNil(breaker)})
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// breakerOrNil adapts a possibly-nil *circuit.Breaker to a possibly-nil
// resilience.Breaker: a plain nil *circuit.Breaker assigned to the
// interface field would be a non-nil interface wrapping a nil pointer,
// which resilience.Run's `opts.Circuit != nil` check would then wrongly
// treat as "breaker present".
func breakerOrNil(b *circuit.Breaker) resilience.Breaker {
	if b == nil {
		return nil
	}
	return b
}
