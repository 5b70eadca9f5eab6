package app

import (
	"context"
	"fmt"

	"github.com/yungbote/graphpilot-backend/internal/http"
	"github.com/yungbote/graphpilot-backend/internal/observability"
	"github.com/yungbote/graphpilot-backend/internal/platform/logger"
)

const serviceName = "graphpilot"

type App struct {
	Log      *logger.Logger
	Cfg      Config
	Clients  *Clients
	Services Services
	Metrics  *observability.Metrics
	Server   *http.Server

	otelShutdown func(context.Context) error
}

func New(ctx context.Context, cfg Config) (*App, error) {
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfigFromEnv(serviceName, cfg.Environment, cfg.Version))

	var metrics *observability.Metrics
	if observability.Enabled() {
		metrics = observability.NewMetrics()
	}

	clients, err := wireClients(ctx, log, cfg)
	if err != nil {
		_ = otelShutdown(ctx)
		log.Sync()
		return nil, err
	}
	metrics.AttachTracker(clients.Tracker, log)

	serviceset := wireServices(ctx, log, cfg, clients, metrics)
	handlerset := wireHandlers(log, clients, serviceset)
	middleware := wireMiddleware(log, cfg)
	server := wireServer(log, cfg, handlerset, middleware, metrics)

	return &App{
		Log:          log,
		Cfg:          cfg,
		Clients:      clients,
		Services:     serviceset,
		Metrics:      metrics,
		Server:       server,
		otelShutdown: otelShutdown,
	}, nil
}

// Run starts the cross-instance listeners and serves HTTP until ctx ends.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	if err := a.Services.Threads.StartSync(ctx); err != nil {
		return fmt.Errorf("start thread sync: %w", err)
	}
	if err := a.Services.Assistant.StartSync(ctx); err != nil {
		return fmt.Errorf("start graph sync: %w", err)
	}
	return a.Server.Run(ctx, ":"+a.Cfg.Port, a.Cfg.ShutdownTimeout)
}

func (a *App) Close(ctx context.Context) {
	if a == nil {
		return
	}
	a.Clients.Close(ctx)
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("otel shutdown failed", "error", err)
		}
	}
	a.Log.Sync()
}
