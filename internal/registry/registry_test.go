package registry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/registry"
	"github.com/agentdeck/agentdeck/pkg/models"
)

func card(name, module string, external bool, skills ...string) models.AgentCard {
	c := models.AgentCard{
		Name:     name,
		URL:      "http://localhost:9000/agents/" + name,
		Version:  "1.0.0",
		Module:   module,
		External: external,
	}
	for _, id := range skills {
		c.Skills = append(c.Skills, models.Skill{ID: id, Name: id})
	}
	return c
}

// ─── Lifecycle ───────────────────────────────────────────────

func TestRegisterAndGet(t *testing.T) {
	r := registry.New(0)

	r.Register(card("navi", "pm", false, "project_status"))

	got, ok := r.Get("navi")
	if !ok {
		t.Fatal("Get() returned ok = false for registered agent")
	}
	if got.Name != "navi" {
		t.Errorf("Get().Name = %q, want %q", got.Name, "navi")
	}
	if got.CreatedAt.IsZero() {
		t.Error("Register() did not stamp CreatedAt")
	}
	if r.Health("navi") != models.HealthHealthy {
		t.Errorf("new registration Health = %q, want %q", r.Health("navi"), models.HealthHealthy)
	}
}

func TestRegister_Replace(t *testing.T) {
	r := registry.New(0)

	r.Register(card("navi", "pm", false))
	r.UpdateHealth("navi", false)

	// Re-registering the same name replaces the card and resets health.
	r.Register(card("navi", "ops", false))

	got, _ := r.Get("navi")
	if got.Module != "ops" {
		t.Errorf("after replace, Module = %q, want %q", got.Module, "ops")
	}
	if r.Health("navi") != models.HealthHealthy {
		t.Errorf("after replace, Health = %q, want %q", r.Health("navi"), models.HealthHealthy)
	}
}

func TestUnregister(t *testing.T) {
	r := registry.New(0)
	r.Register(card("pulse", "ops", false))

	if !r.Unregister("pulse") {
		t.Error("Unregister() = false for registered agent")
	}
	if r.Unregister("pulse") {
		t.Error("Unregister() = true for already-removed agent")
	}
	if r.Contains("pulse") {
		t.Error("Contains() = true after Unregister")
	}
	if r.Health("pulse") != models.HealthUnknown {
		t.Errorf("Health() after Unregister = %q, want %q", r.Health("pulse"), models.HealthUnknown)
	}
}

func TestGet_Unknown(t *testing.T) {
	r := registry.New(0)
	if _, ok := r.Get("ghost"); ok {
		t.Error("Get() returned ok = true for unknown agent")
	}
}

func TestGet_TouchesLastSeen(t *testing.T) {
	r := registry.New(0)
	r.Register(card("herald", "", false))

	first, _ := r.Get("herald")
	time.Sleep(5 * time.Millisecond)
	second, _ := r.Get("herald")

	if !second.LastSeen.After(first.LastSeen) {
		t.Errorf("LastSeen not advanced: first = %v, second = %v", first.LastSeen, second.LastSeen)
	}
}

// ─── Listings ────────────────────────────────────────────────

func TestListings(t *testing.T) {
	r := registry.New(0)
	r.Register(card("navi", "pm", false, "project_status"))
	r.Register(card("pulse", "ops", false, "health_metrics"))
	r.Register(card("remote", "ops", true, "health_metrics"))

	if got := len(r.ListAll()); got != 3 {
		t.Errorf("ListAll() len = %d, want 3", got)
	}
	if got := len(r.ListByModule("ops")); got != 2 {
		t.Errorf("ListByModule(ops) len = %d, want 2", got)
	}
	if got := len(r.ListByCapability("health_metrics")); got != 2 {
		t.Errorf("ListByCapability(health_metrics) len = %d, want 2", got)
	}
	if got := len(r.ListExternal()); got != 1 {
		t.Errorf("ListExternal() len = %d, want 1", got)
	}
	if got := len(r.ListInternal()); got != 2 {
		t.Errorf("ListInternal() len = %d, want 2", got)
	}
	if got := r.Count(); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}
}

func TestListHealthy(t *testing.T) {
	r := registry.New(0)
	r.Register(card("navi", "pm", false))
	r.Register(card("pulse", "ops", false))
	r.UpdateHealth("pulse", false)

	healthy := r.ListHealthy()
	if len(healthy) != 1 {
		t.Fatalf("ListHealthy() len = %d, want 1", len(healthy))
	}
	if healthy[0].Name != "navi" {
		t.Errorf("ListHealthy()[0].Name = %q, want %q", healthy[0].Name, "navi")
	}
}

// ─── Health ──────────────────────────────────────────────────

func TestSetHealth_Degraded(t *testing.T) {
	r := registry.New(0)
	r.Register(card("navi", "pm", false))

	r.SetHealth("navi", models.HealthDegraded)
	if r.Health("navi") != models.HealthDegraded {
		t.Errorf("Health() = %q, want %q", r.Health("navi"), models.HealthDegraded)
	}

	// No-op for unknown agents.
	r.SetHealth("ghost", models.HealthHealthy)
	if r.Health("ghost") != models.HealthUnknown {
		t.Errorf("Health(ghost) = %q, want %q", r.Health("ghost"), models.HealthUnknown)
	}
}

// ─── Pub/Sub ─────────────────────────────────────────────────

func TestSubscribe_ReceivesEventsInOrder(t *testing.T) {
	r := registry.New(8)
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	r.Register(card("navi", "pm", false))
	r.UpdateHealth("navi", false)
	r.Unregister("navi")

	want := []models.RegistryEventType{
		models.EventRegister,
		models.EventHealthUpdate,
		models.EventUnregister,
	}
	for i, wt := range want {
		select {
		case evt := <-ch:
			if evt.Type != wt {
				t.Errorf("event[%d].Type = %q, want %q", i, evt.Type, wt)
			}
			if evt.AgentName != "navi" {
				t.Errorf("event[%d].AgentName = %q, want %q", i, evt.AgentName, "navi")
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestSetHealth_ConcurrentWritersKeepEventOrder(t *testing.T) {
	r := registry.New(1024)

	ch := r.Subscribe()
	defer r.Unsubscribe(ch)
	r.Register(card("navi", "pm", false))
	<-ch // the REGISTER event

	// Two writers flipping the same card: the last delivered event must
	// match the health the registry ended up with.
	const flips = 100
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < flips; i++ {
			r.SetHealth("navi", models.HealthHealthy)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < flips; i++ {
			r.SetHealth("navi", models.HealthUnhealthy)
		}
	}()
	wg.Wait()

	var last models.RegistryEvent
	for i := 0; i < 2*flips; i++ {
		select {
		case last = <-ch:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	if last.Health != r.Health("navi") {
		t.Errorf("last event health = %q, registry health = %q", last.Health, r.Health("navi"))
	}
}

func TestSubscribe_DropsOldestOnOverflow(t *testing.T) {
	r := registry.New(2)
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	// Three events into a queue of two: the REGISTER for a1 gets dropped.
	r.Register(card("a1", "", false))
	r.Register(card("a2", "", false))
	r.Register(card("a3", "", false))

	evt := <-ch
	if evt.AgentName != "a2" {
		t.Errorf("first surviving event AgentName = %q, want %q", evt.AgentName, "a2")
	}
	evt = <-ch
	if evt.AgentName != "a3" {
		t.Errorf("second surviving event AgentName = %q, want %q", evt.AgentName, "a3")
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	r := registry.New(0)
	ch := r.Subscribe()
	r.Unsubscribe(ch)

	if _, open := <-ch; open {
		t.Error("channel still open after Unsubscribe")
	}

	// Double unsubscribe must not panic.
	r.Unsubscribe(ch)
}

// ─── Stats ───────────────────────────────────────────────────

func TestStats(t *testing.T) {
	r := registry.New(0)
	r.Register(card("navi", "pm", false))
	r.Register(card("pulse", "ops", false))
	r.Register(card("remote", "ops", true))
	r.UpdateHealth("remote", false)

	s := r.Stats()
	if s.Total != 3 {
		t.Errorf("Stats().Total = %d, want 3", s.Total)
	}
	if s.Healthy != 2 {
		t.Errorf("Stats().Healthy = %d, want 2", s.Healthy)
	}
	if s.Unhealthy != 1 {
		t.Errorf("Stats().Unhealthy = %d, want 1", s.Unhealthy)
	}
	if s.External != 1 || s.Internal != 2 {
		t.Errorf("Stats() external/internal = %d/%d, want 1/2", s.External, s.Internal)
	}
	if s.ByModule["ops"] != 2 || s.ByModule["pm"] != 1 {
		t.Errorf("Stats().ByModule = %v, want ops:2 pm:1", s.ByModule)
	}
}
