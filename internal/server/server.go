// Package server exposes the HTTP API over Fiber: alert CRUD, subscription
// management, audit listing, health, and Prometheus metrics.
package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/mr-karan/pulse/internal/config"
	"github.com/mr-karan/pulse/internal/core"
	"github.com/mr-karan/pulse/internal/sqlite"
	"github.com/mr-karan/pulse/pkg/models"
)

// Server wires HTTP routes to the alert service.
type Server struct {
	app    *fiber.App
	config *config.Config
	db     *sqlite.DB
	alerts *core.AlertService
	log    *slog.Logger
}

// Options encapsulates the dependencies required to build the HTTP server.
type Options struct {
	Config *config.Config
	DB     *sqlite.DB
	Alerts *core.AlertService
	Logger *slog.Logger
}

// New builds the Fiber application and registers all routes.
func New(opts Options) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "pulse",
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})

	s := &Server{
		app:    app,
		config: opts.Config,
		db:     opts.DB,
		alerts: opts.Alerts,
		log:    opts.Logger.With("component", "server"),
	}

	app.Use(recover.New())
	if opts.Config.Server.FrontendURL != "" {
		app.Use(cors.New(cors.Config{
			AllowOrigins:     opts.Config.Server.FrontendURL,
			AllowCredentials: true,
		}))
	}

	app.Get("/api/v1/health", s.handleHealth)
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "text/plain; charset=utf-8")
		metrics.WritePrometheus(c.Response().BodyWriter(), true)
		return nil
	})

	api := app.Group("/api/v1", s.requireActor)
	api.Post("/alerts", s.handleCreateAlert)
	api.Get("/alerts", s.handleListAlerts)
	api.Get("/alerts/:alertID", s.handleGetAlert)
	api.Put("/alerts/:alertID", s.handleUpdateAlert)
	api.Delete("/alerts/:alertID/subscription", s.handleUnsubscribe)
	api.Get("/alerts/:alertID/audit", s.handleListAudit)
	api.Get("/alerts/by-query/:queryID", s.handleListAlertsByQuery)
	api.Delete("/alerts/by-query/:queryID", s.handleArchiveAlertsByQuery)

	api.Post("/users", s.handleCreateUser)
	api.Get("/users/:userID", s.handleGetUser)
	api.Put("/users/:userID", s.handleUpdateUser)

	return s
}

// Start begins serving on the configured host and port. It blocks until the
// listener fails or the server is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.log.Info("http server listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return SendSuccess(c, fiber.StatusOK, fiber.Map{"status": "ok"})
}

// SendSuccess writes the standard success envelope.
func SendSuccess(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(models.APIResponse{
		Status: "success",
		Data:   data,
	})
}

// SendErrorWithType writes the standard error envelope with a category tag.
func SendErrorWithType(c *fiber.Ctx, status int, message string, errorType models.ErrorType) error {
	return c.Status(status).JSON(models.APIResponse{
		Status:    "error",
		Message:   message,
		ErrorType: errorType,
	})
}

// SendError writes a general error response.
func SendError(c *fiber.Ctx, status int, message string) error {
	return SendErrorWithType(c, status, message, models.GeneralErrorType)
}
