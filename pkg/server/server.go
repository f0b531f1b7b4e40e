// Package server provides the public entry point for initializing the
// AgentDeck runtime substrate.
//
// This package exists in pkg/ (not internal/) so that deployments can
// compose the server with their own approval stores and agent handlers:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/agentdeck/agentdeck/internal/aap"
	"github.com/agentdeck/agentdeck/internal/agents"
	"github.com/agentdeck/agentdeck/internal/api"
	"github.com/agentdeck/agentdeck/internal/api/handlers"
	"github.com/agentdeck/agentdeck/internal/cards"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/discovery"
	"github.com/agentdeck/agentdeck/internal/hitl"
	"github.com/agentdeck/agentdeck/internal/mesh"
	"github.com/agentdeck/agentdeck/internal/registry"
	"github.com/agentdeck/agentdeck/internal/state"
	"github.com/agentdeck/agentdeck/internal/tasks"
	"github.com/agentdeck/agentdeck/internal/telemetry"
	"github.com/agentdeck/agentdeck/pkg/contracts"
	"github.com/agentdeck/agentdeck/pkg/models"

	"github.com/rs/zerolog/log"
)

// Options customizes server composition beyond the environment config.
type Options struct {
	// ApprovalStore is the external system of record for FULL-tier
	// approvals. nil means approvals resolve only through the HTTP
	// callback (or expire).
	ApprovalStore contracts.ApprovalStore

	// StateWriter receives dashboard snapshots. nil installs a logging
	// writer.
	StateWriter contracts.StateWriter

	// ExtraAgents adds hosted handlers beyond the built-ins. Keys are
	// agent names.
	ExtraAgents map[string]contracts.AgentHandler
}

// Server holds the initialized AgentDeck substrate.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Registry is the agent directory. Exposed so embedding deployments
	// can register their own agents.
	Registry *registry.Registry

	// Emitter owns the dashboard state.
	Emitter *state.Emitter

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown; it stops the
	// background loops and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment config.
func New(ctx context.Context) (*Server, error) {
	return NewWithOptions(ctx, config.Load(), Options{})
}

// NewWithOptions initializes the substrate with explicit config and
// composition options.
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// Exactly one registry per process; everything hangs off it.
	reg := registry.New(models.DefaultMaxSubscriberQueue)
	log.Info().Msg("✅ Agent registry initialized")

	writer := opts.StateWriter
	if writer == nil {
		writer = loggingWriter
	}
	emitter := state.NewEmitter(writer, cfg.State.Debounce, state.Bounds{
		MaxActivities:  cfg.State.MaxActivities,
		MaxAlerts:      cfg.State.MaxAlerts,
		MaxActiveTasks: cfg.State.MaxActiveTasks,
	})

	client := aap.NewClient(reg, models.DefaultAAPTaskTimeout)
	scanner := discovery.NewScanner(reg, cfg.Discovery)
	router := mesh.NewRouter(reg, client, scanner)
	engine := hitl.NewEngine(opts.ApprovalStore, cfg.HITL.ResultTTL, cfg.HITL.PollInterval)
	manager := tasks.NewManager(cfg.Tasks.MaxConcurrent, cfg.Tasks.DefaultTimeout, emitter)

	log.Info().Msg("✅ AAP client initialized")
	log.Info().Msg("✅ Mesh router initialized")
	log.Info().Msg("✅ HITL engine initialized")
	log.Info().Msg("✅ Task manager initialized")

	hosted := builtinAgents(reg, client, emitter)
	for name, handler := range opts.ExtraAgents {
		hosted[name] = handler
	}
	registerHostedCards(reg, cfg, hosted)

	scanner.Start(ctx)
	engine.Start(ctx)
	go taskJanitor(ctx, manager)

	h := &handlers.Handlers{
		Config:   cfg,
		Registry: reg,
		Router:   router,
		HITL:     engine,
		Emitter:  emitter,
		Tasks:    manager,
		Hosted:   hosted,
	}

	shutdown := func(shutdownCtx context.Context) error {
		scanner.Stop()
		engine.Stop()
		if herald, ok := hosted["herald"].(*agents.Herald); ok {
			herald.Close()
		}
		client.Close()
		return telemetryShutdown(shutdownCtx)
	}

	return &Server{
		Handler:      api.NewRouter(cfg, h),
		Registry:     reg,
		Emitter:      emitter,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// builtinAgents constructs the stock gateway and backend agents.
func builtinAgents(reg *registry.Registry, client *aap.Client, emitter *state.Emitter) map[string]contracts.AgentHandler {
	return map[string]contracts.AgentHandler{
		"gateway": agents.NewGateway(client, emitter),
		"navi":    agents.NewNavi(),
		"pulse":   agents.NewPulse(reg),
		"herald":  agents.NewHerald(reg),
	}
}

// registerHostedCards publishes a card for every hosted agent so the
// router and discovery surface can see them.
func registerHostedCards(reg *registry.Registry, cfg *config.Config, hosted map[string]contracts.AgentHandler) {
	descriptions := map[string]string{
		"gateway": "Dashboard gateway: gathers from backend agents and streams state",
		"navi":    "Project status and planning",
		"pulse":   "Process and mesh health metrics",
		"herald":  "Mesh activity feed",
	}
	skills := map[string][]models.Skill{
		"navi":   {{ID: "project_status", Name: "Project Status", InputModes: []string{"text"}, OutputModes: []string{"text", "tool_calls"}}},
		"pulse":  {{ID: "health_metrics", Name: "Health Metrics", InputModes: []string{"text"}, OutputModes: []string{"text", "tool_calls"}}},
		"herald": {{ID: "recent_activity", Name: "Recent Activity", InputModes: []string{"text"}, OutputModes: []string{"text", "tool_calls"}}},
	}
	modules := map[string]string{"navi": "pm", "pulse": "ops", "herald": "ops"}

	for name := range hosted {
		card := cards.Build(name, cfg.BaseURL, "/agents/"+name+"/aap", skills[name], descriptions[name])
		card.Module = modules[name]
		reg.Register(card)
	}
}

// loggingWriter is the default snapshot sink: one debug line per emission.
func loggingWriter(snapshot map[string]interface{}) {
	log.Debug().
		Int("keys", len(snapshot)).
		Interface("timestampMs", snapshot["timestampMs"]).
		Msg("Dashboard state emitted")
}

// taskJanitor trims terminal tasks every five minutes until the server
// context ends. Results stay queryable for an hour after completion.
func taskJanitor(ctx context.Context, manager *tasks.Manager) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := manager.CleanupCompleted(time.Hour); removed > 0 {
				log.Debug().Int("removed", removed).Msg("Terminal tasks cleaned up")
			}
		}
	}
}
