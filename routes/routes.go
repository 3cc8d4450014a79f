package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/llm-arbiter/app"
	"github.com/upb/llm-arbiter/handlers"
	"github.com/upb/llm-arbiter/middleware"
	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	if timeout := deps.Config.Server.WriteTimeout; timeout > 0 {
		r.Use(chimiddleware.Timeout(timeout))
	}

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(deps.DB.DB, deps.Redis, deps.Providers, deps.Logger)
	r.Get("/health", health.HandleHealth)
	r.Get("/health/ready", health.HandleReadiness)
	r.Handle("/metrics", promhttp.HandlerFor(deps.MetricsRegistry, promhttp.HandlerOpts{}))

	defaults := handlers.RequestDefaults{
		MaxTokens: handlers.DefaultMaxTokens,
		Fallback: models.FallbackPolicy{
			Enabled:     true,
			MaxAttempts: deps.Config.Arbitration.MaxFallbacks,
		},
	}
	streamer := handlers.EngineStreamer{Engine: deps.Engine, Logger: deps.Logger}
	inference := handlers.NewInferenceHandler(deps.Engine, streamer, defaults, deps.Logger)

	r.Route("/v1", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)
		r.Use(deps.AuthMiddleware.ExtractTenant)

		r.Post("/chat/completions", inference.HandleChatCompletion)
		r.Post("/chat/batch", inference.HandleBatch)
		r.Post("/arbitrate", inference.HandleArbitrate)

		if deps.RateLimiter == nil {
			return
		}
		var audit handlers.AuditRecorder
		if deps.Audit != nil {
			audit = deps.Audit
		}
		limits := handlers.NewRateLimitHandler(deps.RateLimiter, audit, deps.Logger)
		r.Route("/ratelimit", func(r chi.Router) {
			r.Get("/usage", limits.HandleUsage)
			r.Get("/violations", limits.HandleViolations)

			// Changing limits requires admin role
			r.Group(func(r chi.Router) {
				r.Use(deps.AuthMiddleware.RequireRole("admin"))
				r.Delete("/{limitType}", limits.HandleReset)
				r.Get("/{limitType}/config", limits.HandleGetConfig)
				r.Put("/{limitType}/config", limits.HandleSetConfig)
			})
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "Endpoint not found")
	})

	return r
}
