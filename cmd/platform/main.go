package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/platform/internal/audit"
	"github.com/wisbric/platform/internal/cache"
	"github.com/wisbric/platform/internal/circuit"
	"github.com/wisbric/platform/internal/collab"
	"github.com/wisbric/platform/internal/config"
	"github.com/wisbric/platform/internal/health"
	"github.com/wisbric/platform/internal/httpserver"
	"github.com/wisbric/platform/internal/idempotency"
	"github.com/wisbric/platform/internal/platform"
	"github.com/wisbric/platform/internal/telemetry"
	"github.com/wisbric/platform/internal/tenantlifecycle"
	"github.com/wisbric/platform/internal/wsfabric"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	mode := telemetry.ModeProd
	if cfg.DeploymentMode == "selfhosted" {
		mode = telemetry.ModeDev
	}
	exporterCfg := telemetry.ResolveExporterConfig(mode, cfg.OTLPEndpoint, cfg.OTLPEndpointLogs,
		cfg.OTLPEndpointMetrics, cfg.OTLPEndpointTraces, cfg.OTLPHeaders, cfg.LogsExporter)
	if cfg.TracesExporter != "" {
		exporterCfg.TracesExporter = cfg.TracesExporter
	}

	shutdownTracer, err := telemetry.InitTracer(ctx, exporterCfg, cfg.OTLPProtocol, "platform", "dev")
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	// Postgres: connection verified eagerly, but the Database collaborator
	// itself has no SQL implementation in this runtime (declared, not
	// built, per its out-of-scope SQL store) — an in-memory double stands
	// in for it below.
	pgPool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Warn("postgres unavailable, continuing without it", "error", err)
	} else {
		defer pgPool.Close()
	}
	db := collab.NewFakeDatabase()

	rdbClient, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdbClient.Close()
	redis := collab.NewRedisAdapter(rdbClient)

	cacheSvc, err := cache.New(ctx, redis, cache.Options{})
	if err != nil {
		return fmt.Errorf("constructing cache service: %w", err)
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	hub := wsfabric.NewHub(cacheSvc, nodeID, logger)
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("starting websocket hub: %w", err)
	}
	defer hub.Stop()
	wsServer := wsfabric.NewServer(hub, cfg.CORSAllowedOrigins, logger)

	auditor := audit.New(db, logger)
	lifecycle := tenantlifecycle.New(db, redis, auditor)

	adminBreaker := circuit.NewBreaker(ctx, circuit.Settings{
		Name:    "tenant_admin",
		Policy:  circuit.Consecutive{Threshold: 5},
		Persist: true,
		Metrics: true,
	}, db.KV(), logger)

	idempotencyGate := idempotency.New(cacheSvc)

	probes := health.NewDefaultProbes(db, "background", 30*time.Second)
	supervisor := health.New(db.KV(), redis, logger, probes)
	if err := supervisor.Start(ctx, "@every 30s"); err != nil {
		return fmt.Errorf("starting health supervisor: %w", err)
	}
	defer supervisor.Stop()

	router := httpserver.NewRouter(httpserver.Deps{
		Logger:       logger,
		MetricsPath:  cfg.MetricsPath,
		Health:       supervisor,
		Lifecycle:    lifecycle,
		WS:           wsServer,
		CORSOrigins:  cfg.CORSAllowedOrigins,
		AdminBreaker: adminBreaker,
		Idempotency:  idempotencyGate,
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("platform runtime listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
