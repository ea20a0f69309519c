package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/goclaw/eventmesh/config"
	"github.com/goclaw/eventmesh/pkg/api"
	"github.com/goclaw/eventmesh/pkg/api/events"
	"github.com/goclaw/eventmesh/pkg/api/handlers"
	"github.com/goclaw/eventmesh/pkg/dispatch"
	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/metrics"
	"github.com/goclaw/eventmesh/pkg/outbox"
	"github.com/goclaw/eventmesh/pkg/registry"
	"github.com/goclaw/eventmesh/pkg/saga"
	"github.com/goclaw/eventmesh/pkg/storage"
	"github.com/goclaw/eventmesh/pkg/storage/factory"
	"github.com/goclaw/eventmesh/pkg/storage/sqlstore"
	"github.com/goclaw/eventmesh/pkg/telemetry/tracing"
	"github.com/goclaw/eventmesh/pkg/transport"
	"github.com/goclaw/eventmesh/pkg/transport/grpcdriver"
	"github.com/goclaw/eventmesh/pkg/version"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook, gRPC ingress and saga coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

// ingress routes events that arrive over HTTP or gRPC. Drivers that accept
// pushed messages get them first so their own subscribers fire; otherwise
// the router is invoked directly.
type ingress struct {
	reg    *registry.Registry
	router *dispatch.Router
}

func (in *ingress) Deliver(ctx context.Context, msg *transport.Message) int {
	if n := in.reg.Deliver(ctx, msg); n > 0 {
		return n
	}
	return in.router.Dispatch(ctx, msg)
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	log := a.log

	log.Info("starting eventmesh",
		"version", version.Version,
		"build_time", version.BuildTime,
		"git_commit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("configuration loaded", "config", cfg.String())

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, version.Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn("failed to flush traces", "error", err)
		}
	})

	defaults := metrics.DefaultConfig()
	mgr := metrics.NewManager(metrics.Config{
		Enabled:                cfg.Metrics.Enabled,
		Port:                   cfg.Metrics.Port,
		Path:                   cfg.Metrics.Path,
		StepDurationBuckets:    defaults.StepDurationBuckets,
		PublishDurationBuckets: defaults.PublishDurationBuckets,
		StorageDurationBuckets: defaults.StorageDurationBuckets,
		HTTPDurationBuckets:    defaults.HTTPDurationBuckets,
	})
	if mgr.Enabled() {
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := mgr.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil && ctx.Err() == nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	raw, err := factory.Open(ctx, cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.onClose(func() {
		if err := raw.Close(); err != nil {
			log.Error("error closing storage", "error", err)
		}
	})
	store := storage.Instrument(raw, cfg.Storage.Driver, mgr)

	reg := a.registry(registry.WithRecorder(mgr))
	broadcaster := events.NewBroadcaster()
	a.onClose(broadcaster.Close)

	sagaOpts := []saga.Option{
		saga.WithLogger(log),
		saga.WithRetryAttempts(cfg.Saga.RetryAttempts),
		saga.WithCompensationHandlers(cfg.Saga.CompensationHandlers),
		saga.WithMetrics(mgr),
		saga.WithNotifier(broadcaster),
	}
	if cfg.Outbox.Enabled {
		obStore, err := a.outboxStore(ctx, raw)
		if err != nil {
			return err
		}
		relay := outbox.NewRelay(obStore, reg, outbox.RelayConfig{
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
			MaxAttempts:  cfg.Outbox.MaxAttempts,
			RateLimit:    cfg.Outbox.RateLimit,
		}, outbox.WithRelayLogger(log), outbox.WithRecorder(mgr))
		go func() { _ = relay.Run(ctx) }()
		sagaOpts = append(sagaOpts, saga.WithOutbox(outbox.New(obStore, outbox.WithLogger(log))))
	}
	coord := saga.NewCoordinator(store, reg, sagaOpts...)

	router := dispatch.NewRouter(dispatch.WithLogger(log))
	if _, err := router.On(">", coord.Consume); err != nil {
		return fmt.Errorf("route saga events: %w", err)
	}

	driver, err := reg.Driver(ctx, "")
	if err != nil {
		return fmt.Errorf("resolve transport driver: %w", err)
	}
	if !driver.IsConnected() && !driver.Connect(ctx) {
		log.Warn("transport driver not connected, events will be relayed once it recovers", "driver", driver.Name())
	}
	if !driver.Subscribe(ctx, ">", func(ctx context.Context, msg *transport.Message) {
		router.Dispatch(ctx, msg)
	}) {
		log.Warn("failed to subscribe to transport", "driver", driver.Name())
	}
	in := &ingress{reg: reg, router: router}

	health := handlers.NewHealthHandler()
	if p, ok := raw.(interface{ Ping(context.Context) error }); ok {
		health.AddCheck("storage", p.Ping)
	}
	health.AddCheck("transport", func(context.Context) error {
		d := reg.Active()
		if d == nil || !d.IsConnected() {
			return errors.New("driver not connected")
		}
		return nil
	})

	apiHandlers := &api.Handlers{
		Health:  health,
		Saga:    handlers.NewSagaHandler(coord, log),
		Publish: handlers.NewPublishHandler(in, broadcaster, log),
		Webhook: handlers.NewWebhookHandler(in, broadcaster, log),
		Metrics: mgr,
	}
	if cfg.Server.WebSocket.Enabled {
		ws := handlers.NewWebSocketHandler(log, handlers.WebSocketConfig{
			AllowedOrigins: cfg.Server.WebSocket.AllowedOrigins,
			MaxConnections: cfg.Server.WebSocket.MaxConnections,
			PingInterval:   cfg.Server.WebSocket.PingInterval,
		})
		go ws.Forward(ctx, broadcaster)
		a.onClose(ws.Close)
		apiHandlers.WebSocket = ws
	}

	var grpcSrv *grpcdriver.Server
	if cfg.Server.GRPC.Enabled {
		grpcSrv = grpcdriver.NewServer(grpcdriver.ServerConfig{
			Address:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPC.Port),
			MaxRecvMsgSize: cfg.Server.GRPC.MaxRecvMsgSize,
		}, in, grpcdriver.WithServerLogger(log))
		if err := grpcSrv.Start(); err != nil {
			return fmt.Errorf("start grpc ingress: %w", err)
		}
		log.Info("grpc ingress listening", "address", grpcSrv.Address())
	}

	if a.configPath != "" {
		a.watchConfig(ctx, coord)
	}

	httpServer := api.NewHTTPServer(cfg, log, apiHandlers)
	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", "address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
		if err := httpServer.Start(); err != nil {
			serverErr <- err
		}
	}()

	log.Info("eventmesh is running",
		"http_port", cfg.Server.Port,
		"grpc_enabled", cfg.Server.GRPC.Enabled,
		"driver", driver.Name(),
		"storage", cfg.Storage.Driver,
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-serverErr:
		log.Error("HTTP server error", "error", err)
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer cancel()

	log.Info("shutting down HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("error shutting down HTTP server", "error", err)
	}
	if grpcSrv != nil {
		log.Info("stopping grpc ingress")
		if err := grpcSrv.Stop(shutdownCtx); err != nil {
			log.Error("error stopping grpc ingress", "error", err)
		}
	}

	log.Info("eventmesh stopped")
	return runErr
}

// outboxStore keeps outbox rows next to the saga log when it is relational
// and in memory otherwise.
func (a *app) outboxStore(ctx context.Context, raw storage.Backend) (outbox.Store, error) {
	sqlStore, ok := raw.(*sqlstore.SQLStorage)
	if !ok {
		a.log.Info("using in-memory outbox", "storage", a.cfg.Storage.Driver)
		return outbox.NewMemoryStore(), nil
	}
	s, err := outbox.NewSQLStore(sqlStore.DB(), sqlStore.Dialect(), outbox.SQLConfig{
		Table:   a.cfg.Storage.SQL.OutboxTable,
		Timeout: a.cfg.Storage.Timeout,
		Logger:  a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	if a.cfg.Storage.SQL.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate outbox: %w", err)
		}
	}
	return s, nil
}

// watchConfig applies hot-reloadable settings when the config file changes.
func (a *app) watchConfig(ctx context.Context, coord *saga.Coordinator) {
	w, err := config.NewWatcher(a.configPath, a.loader,
		config.WithWatcherLogger(a.log),
		config.WithOverrides(a.overrides),
	)
	if err != nil {
		a.log.Warn("config hot reload disabled", "error", err)
		return
	}
	w.OnChange(func(cfg *config.Config) {
		a.log.SetLevel(logger.ParseLevel(cfg.Log.Level))
		coord.SetCompensationHandlers(cfg.Saga.CompensationHandlers)
		a.log.Info("configuration reloaded", "log_level", cfg.Log.Level)
	})
	go func() {
		if err := w.Watch(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("config watcher stopped", "error", err)
		}
	}()
	a.onClose(func() { _ = w.Stop() })
}
