// Package api provides HTTP API server components.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/goclaw/eventmesh/config"
	_ "github.com/goclaw/eventmesh/docs/swagger" // generated API docs
	"github.com/goclaw/eventmesh/pkg/api/handlers"
	"github.com/goclaw/eventmesh/pkg/api/middleware"
	"github.com/goclaw/eventmesh/pkg/logger"
)

// Handlers holds all HTTP handlers. Nil handlers are not mounted.
type Handlers struct {
	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// Saga handles saga endpoints
	Saga *handlers.SagaHandler

	// Publish receives events sent by remote HTTP drivers
	Publish *handlers.PublishHandler

	// Webhook receives events posted by external systems
	Webhook *handlers.WebhookHandler

	// WebSocket streams saga step changes
	WebSocket *handlers.WebSocketHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, handlers *Handlers) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID())

	// The websocket feed hijacks the connection, so it skips the
	// middleware that wraps the response writer.
	if handlers.WebSocket != nil {
		path := cfg.Server.WebSocket.Path
		if path == "" {
			path = "/ws/sagas"
		}
		r.With(middleware.Recovery(log)).Get(path, handlers.WebSocket.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger(log))
		r.Use(middleware.Recovery(log))
		if handlers.Metrics != nil {
			r.Use(middleware.Metrics(handlers.Metrics))
		}
		if cfg.Tracing.Enabled {
			r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
		}
		r.Use(middleware.CORS(&cfg.Server.CORS))
		r.Use(middleware.Timeout(cfg.Server.HTTP.ReadTimeout))

		RegisterRoutes(r, cfg, handlers)
	})

	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, cfg *config.Config, handlers *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		if handlers.Saga != nil {
			r.Route("/sagas", func(r chi.Router) {
				r.Post("/", handlers.Saga.StartSaga)
				r.Get("/{id}", handlers.Saga.GetSaga)
				r.Post("/{id}/events", handlers.Saga.HandleEvent)
			})
		}
		if handlers.Publish != nil {
			r.Post("/publish", handlers.Publish.Publish)
		}
		if handlers.Health != nil {
			r.Get("/health", handlers.Health.Health)
		}
	})

	if handlers.Webhook != nil {
		path := cfg.Webhook.Path
		if path == "" {
			path = "/eventmesh/webhook"
		}
		r.Method(http.MethodPost, path, handlers.Webhook)
	}

	// Health check routes (not versioned)
	if handlers.Health != nil {
		r.Get("/health", handlers.Health.Health)
		r.Get("/ready", handlers.Health.Ready)
		r.Get("/status", handlers.Health.Status)
	}

	r.Get("/swagger/*", httpSwagger.WrapHandler)
}
