// Package app wires the hub process: storage, catalog, logging, tracing and
// the HTTP and gRPC listeners.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"glass-frontier/hub"
	"glass-frontier/hub/internal/auth"
	"glass-frontier/hub/internal/catalog"
	"glass-frontier/hub/internal/config"
	"glass-frontier/hub/internal/gateway"
	"glass-frontier/hub/internal/journal"
	"glass-frontier/hub/internal/narrative"
	servernet "glass-frontier/hub/internal/net"
	"glass-frontier/hub/internal/observability"
	"glass-frontier/hub/internal/roomstate"
	"glass-frontier/hub/internal/storage/sqlstore"
	"glass-frontier/hub/internal/telemetry"
	"glass-frontier/hub/internal/workflow"
	"glass-frontier/hub/logging"
	loggingSinks "glass-frontier/hub/logging/sinks"
)

// HealthService is the gRPC health service name reported as serving.
const HealthService = "glass_frontier.hub.v1.Hub"

// Addrs are the bound listener addresses.
type Addrs struct {
	HTTP string
	GRPC string
}

type Config struct {
	Settings config.Config
	Logger   telemetry.Logger
	// Stdout receives console and unrouted JSON log output.
	Stdout io.Writer
	// Ready is called once both listeners are bound.
	Ready func(Addrs)
}

// storage bundles the persistence backends chosen by configuration.
type storage struct {
	verbs     catalog.Repository
	roomState roomstate.Store
	actionLog journal.Repository
	close     func() error
}

func Run(ctx context.Context, cfg Config) error {
	settings := cfg.Settings
	if settings.ShutdownTimeout <= 0 {
		settings.ShutdownTimeout = 10 * time.Second
	}
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	shutdownTracing, err := observability.Setup(ctx, observability.Config{
		Endpoint:    settings.OTelEndpoint,
		ServiceName: settings.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to configure tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			telemetryLogger.Printf("failed to flush traces: %v", err)
		}
	}()

	logConfig := settings.Logging()
	sinks, err := buildSinks(logConfig, stdout)
	if err != nil {
		return err
	}
	router, err := logging.NewRouter(logging.SystemClock{}, logConfig, sinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	metrics := &logging.Metrics{}
	hubMetrics := telemetry.WrapMetrics(metrics)
	recorder := telemetry.NewEventRecorder(router, hubMetrics)

	store, err := openStorage(ctx, settings, hubMetrics)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.close(); cerr != nil {
			telemetryLogger.Printf("failed to close storage: %v", cerr)
		}
	}()

	fallback, err := loadFallback(settings.CatalogPath, telemetryLogger)
	if err != nil {
		return err
	}
	catalogs := catalog.NewStore(catalog.StoreConfig{
		Repository: store.verbs,
		Fallback:   fallback,
		TTL:        settings.CatalogTTL,
		Logger:     telemetryLogger,
	})

	authenticator, err := newAuthenticator(settings)
	if err != nil {
		return err
	}

	hubCfg := hub.Config{
		CatalogStore:  catalogs,
		RoomState:     store.roomState,
		ActionLog:     store.actionLog,
		Authenticator: authenticator,
		Recorder:      recorder,
		Logger:        telemetryLogger,
		Metrics:       hubMetrics,
		BusCapacity:   settings.BusCapacity,
		Shards:        settings.Shards,
		QueueCapacity: settings.ShardQueueCapacity,
		ReplayLimit:   settings.ReplayLimit,
	}
	if settings.NarrativeEnabled {
		hubCfg.Narrative = narrative.NewTemplateBridge(narrative.TemplateConfig{})
	}
	if settings.WorkflowURL != "" {
		hubCfg.Workflow = workflow.NewHTTPClient(settings.WorkflowURL, &http.Client{Timeout: 10 * time.Second})
	}
	h, err := hub.New(hubCfg)
	if err != nil {
		return fmt.Errorf("failed to assemble hub: %w", err)
	}

	httpListener, err := net.Listen("tcp", settings.HTTPAddr)
	if err != nil {
		h.Close()
		return fmt.Errorf("listen on %s: %w", settings.HTTPAddr, err)
	}
	grpcListener, err := net.Listen("tcp", settings.GRPCAddr)
	if err != nil {
		h.Close()
		_ = httpListener.Close()
		return fmt.Errorf("listen on %s: %w", settings.GRPCAddr, err)
	}

	handler := servernet.NewHTTPHandler(h, servernet.HTTPHandlerConfig{
		Logger:        telemetryLogger,
		Observability: observability.Config{EnablePprofTrace: settings.EnablePprofTrace},
		Router:        router,
		Metrics:       metrics,
	})
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          telemetry.StandardLogger(telemetryLogger),
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)

	telemetryLogger.Printf("hub listening on http=%s grpc=%s storage=%s auth=%s shards=%d",
		httpListener.Addr(), grpcListener.Addr(), settings.StorageDriver, settings.AuthMode, settings.Shards)
	if cfg.Ready != nil {
		cfg.Ready(Addrs{HTTP: httpListener.Addr().String(), GRPC: grpcListener.Addr().String()})
	}

	g, gctx := errgroup.WithContext(ctx)

	// The orchestrator drains the bus after Shutdown closes it, so it must
	// outlive the group context.
	g.Go(func() error {
		return h.Run(context.WithoutCancel(gctx))
	})
	g.Go(func() error {
		return catalogs.Run(gctx, settings.CatalogPollInterval)
	})
	g.Go(func() error {
		pruneRateLimits(gctx, h, catalogs, settings.RateLimitPrune)
		return nil
	})
	g.Go(func() error {
		reloadOnHangup(gctx, catalogs, settings.CatalogPath, telemetryLogger)
		return nil
	})
	g.Go(func() error {
		if err := srv.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		telemetryLogger.Printf("hub shutting down")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
		defer cancel()
		httpErr := srv.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		hubErr := h.Shutdown(shutdownCtx)
		return errors.Join(httpErr, hubErr)
	})

	return g.Wait()
}

func buildSinks(cfg logging.Config, stdout io.Writer) ([]logging.NamedSink, error) {
	var sinks []logging.NamedSink
	if cfg.HasSink("console") {
		sinks = append(sinks, logging.NamedSink{Name: "console", Sink: loggingSinks.NewConsoleSink(stdout, cfg.Console)})
	}
	if cfg.HasSink("json") {
		// Hide stdout's Close so the sink cannot close the process stream.
		var w io.Writer = struct{ io.Writer }{stdout}
		if cfg.JSON.FilePath != "" {
			if dir := filepath.Dir(cfg.JSON.FilePath); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("create log dir: %w", err)
				}
			}
			file, err := os.OpenFile(cfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open json log: %w", err)
			}
			w = file
		}
		sinks = append(sinks, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSON(w, cfg.JSON.FlushInterval)})
	}
	if cfg.HasSink("memory") {
		sinks = append(sinks, logging.NamedSink{Name: "memory", Sink: loggingSinks.NewMemorySink(cfg.Memory.Retain)})
	}
	return sinks, nil
}

func openStorage(ctx context.Context, settings config.Config, metrics telemetry.Metrics) (storage, error) {
	var sqlCfg sqlstore.Config
	switch settings.StorageDriver {
	case config.StorageSQLite:
		sqlCfg = sqlstore.Config{Dialect: sqlstore.DialectSQLite, DSN: settings.SQLitePath}
	case config.StoragePostgres:
		sqlCfg = sqlstore.Config{Dialect: sqlstore.DialectPostgres, DSN: settings.PostgresDSN}
	default:
		return storage{
			roomState: roomstate.NewMemoryStore(nil, settings.TrackerLimit),
			actionLog: journal.New(journal.Config{
				Capacity:  settings.JournalCapacity,
				MaxAge:    settings.JournalMaxAge,
				Telemetry: journal.MetricsTelemetry(metrics),
			}),
			close: func() error { return nil },
		}, nil
	}
	sqlCfg.TrackerLimit = settings.TrackerLimit
	db, err := sqlstore.Open(ctx, sqlCfg)
	if err != nil {
		return storage{}, fmt.Errorf("open %s storage: %w", settings.StorageDriver, err)
	}
	return storage{verbs: db, roomState: db, actionLog: db, close: db.Close}, nil
}

// loadFallback reads the process-wide catalog. A missing file yields an empty
// catalog so hubs can run entirely from stored verb rows.
func loadFallback(path string, logger telemetry.Logger) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.New()
	}
	fallback, err := catalog.FromFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Printf("catalog file %s not found; starting with an empty fallback", path)
			return catalog.New()
		}
		return nil, err
	}
	return fallback, nil
}

func newAuthenticator(settings config.Config) (gateway.Authenticator, error) {
	if settings.AuthMode != config.AuthJWT {
		return gateway.TrustHandshake(), nil
	}
	authenticator, err := auth.NewJWTAuthenticator(settings.JWT())
	if err != nil {
		return nil, fmt.Errorf("failed to configure jwt auth: %w", err)
	}
	return authenticator, nil
}

// pruneRateLimits drops idle limiter keys on every tick.
func pruneRateLimits(ctx context.Context, h *hub.Hub, catalogs *catalog.Store, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Limiter().Prune(catalogs.LongestRateWindow())
		}
	}
}

// reloadOnHangup swaps the fallback catalog from disk on SIGHUP. A file that
// fails to load leaves the current fallback in place.
func reloadOnHangup(ctx context.Context, catalogs *catalog.Store, path string, logger telemetry.Logger) {
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hangup:
			next, err := catalog.FromFile(path)
			if err != nil {
				logger.Printf("catalog reload from %s failed: %v", path, err)
				continue
			}
			catalogs.ReplaceFallback(next)
			logger.Printf("catalog reloaded from %s (%d verbs)", path, next.Len())
		}
	}
}
