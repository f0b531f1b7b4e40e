package mesh_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/aap"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/discovery"
	"github.com/agentdeck/agentdeck/internal/mesh"
	"github.com/agentdeck/agentdeck/internal/registry"
	"github.com/agentdeck/agentdeck/pkg/models"
)

func agent(name, module string, external bool, skills ...string) models.AgentCard {
	c := models.AgentCard{
		Name:     name,
		URL:      "http://localhost:9999/" + name,
		Module:   module,
		External: external,
	}
	for _, id := range skills {
		c.Skills = append(c.Skills, models.Skill{ID: id, Name: id})
	}
	return c
}

func newRouter(reg *registry.Registry) *mesh.Router {
	client := aap.NewClient(reg, 0)
	scanner := discovery.NewScanner(reg, config.DiscoveryConfig{})
	return mesh.NewRouter(reg, client, scanner)
}

// ─── Selection ───────────────────────────────────────────────

func TestFindAgent_InternalPreferredOverExternal(t *testing.T) {
	reg := registry.New(0)
	reg.Register(agent("local-planner", "pm", false, "planning"))
	reg.Register(agent("remote-planner", "", true, "planning"))
	r := newRouter(reg)

	card, reason, ok := r.FindAgent("planning", "")
	if !ok {
		t.Fatal("FindAgent() ok = false")
	}
	if card.Name != "local-planner" {
		t.Errorf("FindAgent() = %q (%s), want local-planner", card.Name, reason)
	}
}

func TestFindAgent_ModulePreference(t *testing.T) {
	reg := registry.New(0)
	reg.Register(agent("pm-agent", "pm", false, "task"))
	reg.Register(agent("ops-agent", "ops", false, "task"))
	r := newRouter(reg)

	card, _, ok := r.FindAgent("task", "ops")
	if !ok || card.Name != "ops-agent" {
		t.Errorf("FindAgent(task, ops) = %q, want ops-agent", card.Name)
	}
}

func TestFindAgent_RoundRobinTiebreak(t *testing.T) {
	reg := registry.New(0)
	reg.Register(agent("a0", "pm", false, "task"))
	reg.Register(agent("a1", "pm", false, "task"))
	reg.Register(agent("a2", "pm", false, "task"))
	r := newRouter(reg)

	want := []string{"a0", "a1", "a2", "a0", "a1", "a2"}
	for i, w := range want {
		card, _, ok := r.FindAgent("task", "pm")
		if !ok {
			t.Fatalf("call %d: ok = false", i)
		}
		if card.Name != w {
			t.Errorf("call %d: agent = %q, want %q", i, card.Name, w)
		}
	}
}

func TestFindAgent_RotationSurvivesInterleavedSets(t *testing.T) {
	reg := registry.New(0)
	reg.Register(agent("a0", "pm", false, "task"))
	reg.Register(agent("a1", "ops", false, "task"))
	r := newRouter(reg)

	card, _, _ := r.FindAgent("task", "")
	if card.Name != "a0" {
		t.Fatalf("first call = %q, want a0", card.Name)
	}

	// A module-narrowed call for the same task type resolves to a
	// different candidate set and must not advance the pair's rotation.
	card, _, _ = r.FindAgent("task", "pm")
	if card.Name != "a0" {
		t.Fatalf("narrowed call = %q, want a0", card.Name)
	}

	card, _, _ = r.FindAgent("task", "")
	if card.Name != "a1" {
		t.Errorf("third call = %q, want a1 (rotation skipped an agent)", card.Name)
	}
}

func TestFindAgent_SkipsUnhealthy(t *testing.T) {
	reg := registry.New(0)
	reg.Register(agent("sick", "pm", false, "task"))
	reg.Register(agent("well", "pm", false, "task"))
	reg.UpdateHealth("sick", false)
	r := newRouter(reg)

	for i := 0; i < 4; i++ {
		card, _, ok := r.FindAgent("task", "")
		if !ok || card.Name != "well" {
			t.Fatalf("call %d: FindAgent() = %q, want well", i, card.Name)
		}
	}
}

func TestFindAgent_ModuleFallbackWithoutCapability(t *testing.T) {
	reg := registry.New(0)
	reg.Register(agent("pm-generalist", "pm", false, "other_skill"))
	r := newRouter(reg)

	card, reason, ok := r.FindAgent("unknown_task", "pm")
	if !ok || card.Name != "pm-generalist" {
		t.Fatalf("FindAgent() = %q (%s), want pm-generalist", card.Name, reason)
	}
}

func TestFindAgent_NoHealthyAgents(t *testing.T) {
	reg := registry.New(0)
	reg.Register(agent("sick", "", false, "task"))
	reg.UpdateHealth("sick", false)
	r := newRouter(reg)

	if _, _, ok := r.FindAgent("task", ""); ok {
		t.Error("FindAgent() ok = true with no healthy agents")
	}
}

func TestFindAgentsForBroadcast(t *testing.T) {
	reg := registry.New(0)
	reg.Register(agent("navi", "pm", false, "project_status"))
	reg.Register(agent("pulse", "ops", false, "health_metrics"))
	reg.Register(agent("remote", "ops", true, "health_metrics"))
	r := newRouter(reg)

	all := r.FindAgentsForBroadcast("", "", true)
	if len(all) != 3 {
		t.Errorf("broadcast all = %d agents, want 3", len(all))
	}
	opsInternal := r.FindAgentsForBroadcast("ops", "", false)
	if len(opsInternal) != 1 || opsInternal[0].Name != "pulse" {
		t.Errorf("broadcast ops internal = %v, want [pulse]", opsInternal)
	}
	byCap := r.FindAgentsForBroadcast("", "health_metrics", true)
	if len(byCap) != 2 {
		t.Errorf("broadcast by capability = %d agents, want 2", len(byCap))
	}
}

// ─── Dispatch ────────────────────────────────────────────────

func TestRouteRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":"x","result":{"content":"routed"}}`))
	}))
	defer srv.Close()

	reg := registry.New(0)
	card := agent("navi", "pm", false, "project_status")
	card.URL = srv.URL
	reg.Register(card)
	r := newRouter(reg)

	res := r.RouteRequest(context.Background(), "project_status", "status please", nil, "")
	if !res.Success {
		t.Fatalf("RouteRequest() failed: %s", res.Error)
	}
	if res.Agent != "navi" {
		t.Errorf("RouteRequest().Agent = %q, want navi", res.Agent)
	}
	if res.Content != "routed" {
		t.Errorf("RouteRequest().Content = %q, want routed", res.Content)
	}
}

func TestRouteRequest_NoAgent(t *testing.T) {
	r := newRouter(registry.New(0))
	res := r.RouteRequest(context.Background(), "anything", "msg", nil, "")
	if res.Success {
		t.Error("RouteRequest() succeeded with empty registry")
	}
	if res.Error == "" {
		t.Error("RouteRequest() returned no error message")
	}
}

func TestBroadcastRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":"x","result":{"content":"pong"}}`))
	}))
	defer srv.Close()

	reg := registry.New(0)
	for _, name := range []string{"navi", "pulse"} {
		c := agent(name, "pm", false, "ping")
		c.URL = srv.URL
		reg.Register(c)
	}
	r := newRouter(reg)

	results := r.BroadcastRequest(context.Background(), "ping", "pm", false)
	if len(results) != 2 {
		t.Fatalf("BroadcastRequest() = %d results, want 2", len(results))
	}
	for name, res := range results {
		if !res.Success {
			t.Errorf("agent %s failed: %s", name, res.Error)
		}
	}
}

// ─── Mesh Health ─────────────────────────────────────────────

func TestRefreshMeshHealth(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	reg := registry.New(0)
	good := agent("good", "", true)
	good.URL = up.URL
	reg.Register(good)
	bad := agent("bad", "", true)
	bad.URL = "http://127.0.0.1:1" // nothing listens here
	reg.Register(bad)

	r := newRouter(reg)
	summary := r.RefreshMeshHealth(context.Background(), time.Second)

	if summary.TotalCount != 2 {
		t.Fatalf("TotalCount = %d, want 2", summary.TotalCount)
	}
	if summary.HealthyCount != 1 {
		t.Errorf("HealthyCount = %d, want 1", summary.HealthyCount)
	}
	if summary.HealthyRatio != 0.5 {
		t.Errorf("HealthyRatio = %v, want 0.5", summary.HealthyRatio)
	}
}
