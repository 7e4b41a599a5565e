package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/mythosmud/server/internal/auth"
	"github.com/mythosmud/server/internal/config"
	"github.com/mythosmud/server/internal/middleware"
)

var RouterModule = fx.Module("router",
	fx.Provide(NewRouter),
)

var ServerModule = fx.Module("server",
	fx.Invoke(StartServer),
)

// NewRouter creates and configures the chi router
func NewRouter(
	cfg *config.Config,
	validator *auth.Validator,
	rtHandler *RealTimeHandler,
	healthHandler *HealthHandler,
) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SlogLogger)
	r.Use(chimiddleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health and metrics
	r.Get("/health", healthHandler.Health)
	r.Get("/health/detailed", healthHandler.DetailedHealth)
	r.Handle("/metrics", promhttp.Handler())

	// Game transports. These stream for the life of the connection, so
	// no request timeout applies here.
	r.Get("/ws/{playerID}", rtHandler.HandleWebSocket)
	r.Get("/sse/{playerID}", rtHandler.HandleSSE)

	// Command endpoint for clients on the SSE transport
	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(30 * time.Second))
		r.Use(middleware.SessionAuth(validator))
		r.Post("/commands", rtHandler.HandleCommand)
	})

	// Monitoring (admin only)
	r.Route("/monitoring", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(30 * time.Second))
		r.Use(middleware.SessionAuth(validator))
		r.Use(middleware.RequireAdmin)
		r.Get("/connection-health", healthHandler.ConnectionHealth)
		r.Get("/performance", healthHandler.Performance)
		r.Get("/locations", healthHandler.Locations)
		r.Delete("/locations/{playerID}", healthHandler.ForgetLocation)
	})

	return r
}

// StartServer starts the HTTP server with lifecycle management
func StartServer(lc fx.Lifecycle, cfg *config.Config, router *chi.Mux) {
	srv := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Write timeout stays off; SSE streams hold the response open.
		// Streaming handlers manage their own deadlines.
		IdleTimeout: 60 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				slog.Info("server starting", "port", cfg.Port)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("server failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			slog.Info("shutting down server...")
			return srv.Shutdown(ctx)
		},
	})
}
