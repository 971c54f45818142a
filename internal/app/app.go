// Package app assembles the service: configuration, store, channel
// capabilities, dispatcher, scheduler, and HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mr-karan/pulse/internal/alerts"
	"github.com/mr-karan/pulse/internal/channels"
	"github.com/mr-karan/pulse/internal/config"
	"github.com/mr-karan/pulse/internal/core"
	"github.com/mr-karan/pulse/internal/engine"
	"github.com/mr-karan/pulse/internal/server"
	"github.com/mr-karan/pulse/internal/sqlite"
	"github.com/mr-karan/pulse/pkg/logger"
	"github.com/mr-karan/pulse/pkg/models"
)

// App holds the assembled components and their lifecycle.
type App struct {
	Config    *config.Config
	SQLite    *sqlite.DB
	Logger    *slog.Logger
	Scheduler *alerts.Scheduler
	server    *server.Server
	Version   string
}

// Options contains configuration needed when creating a new App instance.
type Options struct {
	ConfigPath string
	Version    string
}

// New loads configuration and prepares the application shell.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &App{
		Config:  cfg,
		Logger:  logger.New(cfg.Logging.Level == "debug"),
		Version: opts.Version,
	}, nil
}

// Initialize opens the store and wires every component together.
func (a *App) Initialize(ctx context.Context) error {
	var err error

	a.SQLite, err = sqlite.New(sqlite.Options{
		Config: a.Config.SQLite,
		Logger: a.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sqlite: %w", err)
	}

	// Channel capabilities. The registry is the only place that knows which
	// types exist; everything downstream asks it.
	registry := channels.NewRegistry()
	registry.Register(channels.NewEmailCapability(a.Config.Alerts.SMTP, a.Logger))
	webhookOpts := channels.WebhookOptions{
		Timeout: a.Config.Alerts.DeliveryTimeout,
		Logger:  a.Logger,
	}
	registry.Register(channels.NewHTTPWebhookCapability(webhookOpts))
	registry.Register(channels.NewChatWebhookCapability(webhookOpts))

	// The query engine client doubles as the collection permission source.
	var (
		runner alerts.QueryRunner
		acl    core.CollectionACL
	)
	if a.Config.Engine.URL != "" {
		client, err := engine.New(a.Config.Engine, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize engine client: %w", err)
		}
		if err := client.HealthCheck(ctx); err != nil {
			a.Logger.Warn("query engine unreachable at startup", "error", err)
		}
		runner = client
		acl = client
	} else {
		a.Logger.Warn("no query engine configured; scheduled firings will fail until one is set")
		runner = unconfiguredRunner{}
	}

	dispatcher := alerts.NewDispatcher(alerts.DispatcherOptions{
		Config:   a.Config.Alerts,
		DB:       a.SQLite,
		Registry: registry,
		Runner:   runner,
		SiteURL:  a.Config.Server.SiteURL,
		Logger:   a.Logger,
	})

	subscriptions := core.NewSubscriptionManager(a.SQLite, registry, dispatcher, a.Logger)
	alertService := core.NewAlertService(a.SQLite, registry, subscriptions, acl, a.Logger)

	a.Scheduler = alerts.NewScheduler(alerts.SchedulerOptions{
		Config:     a.Config.Alerts,
		DB:         a.SQLite,
		Dispatcher: dispatcher,
		Logger:     a.Logger,
	})

	a.server = server.New(server.Options{
		Config: a.Config,
		DB:     a.SQLite,
		Alerts: alertService,
		Logger: a.Logger,
	})

	a.Scheduler.Start(ctx)
	return nil
}

// Start begins serving HTTP. It blocks until the listener stops.
func (a *App) Start() error {
	if a.server == nil {
		return fmt.Errorf("server not initialized")
	}
	return a.server.Start()
}

// Shutdown stops components in order: scheduler first so no new firings
// start, then the HTTP server, then the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down")

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}

	if a.server != nil {
		done := make(chan error, 1)
		go func() {
			done <- a.server.Shutdown()
		}()
		select {
		case err := <-done:
			if err != nil {
				a.Logger.Error("error shutting down http server", "error", err)
			}
		case <-ctx.Done():
			a.Logger.Warn("timeout shutting down http server, continuing")
		}
	}

	if a.SQLite != nil {
		if err := a.SQLite.Close(); err != nil {
			a.Logger.Error("error closing sqlite", "error", err)
		}
	}

	a.Logger.Info("shutdown complete")
	return nil
}

type unconfiguredRunner struct{}

func (unconfiguredRunner) Run(context.Context, models.QueryID) (*models.QueryResult, error) {
	return nil, fmt.Errorf("no query engine configured")
}
