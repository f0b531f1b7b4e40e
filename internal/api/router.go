package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentdeck/agentdeck/internal/api/handlers"
	"github.com/agentdeck/agentdeck/internal/api/middleware"
	"github.com/agentdeck/agentdeck/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all protocol routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// Per-agent protocol endpoints
	r.Route("/agents/{agentName}", func(r chi.Router) {
		r.Post("/aap", h.AAPEndpoint)
		r.Get("/uip", h.UIPEndpoint)
		r.Get("/.well-known/agent-card.json", h.AgentCard)
	})

	// Discovery
	r.Route("/discovery", func(r chi.Router) {
		r.Get("/agents", h.DiscoveryAgents)
		r.Get("/list", h.DiscoveryList)
		r.Get("/stats", h.RegistryStats)
	})

	// Mesh routing
	r.Route("/mesh", func(r chi.Router) {
		r.Post("/route", h.RouteTask)
		r.Get("/health", h.MeshHealth)
	})

	// Approvals
	r.Post("/approvals/{approvalID}/resolve", h.ResolveApproval)

	// Dashboard & managed tasks
	r.Route("/dashboard", func(r chi.Router) {
		r.Get("/state", h.DashboardState)
		r.Post("/refresh", h.RefreshDashboard)
	})
	r.Route("/tasks/{taskID}", func(r chi.Router) {
		r.Get("/", h.TaskStatus)
		r.Delete("/", h.CancelTask)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "agentdeck",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "agentdeck",
		})
	}
}
