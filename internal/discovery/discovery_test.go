package discovery_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/cards"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/discovery"
	"github.com/agentdeck/agentdeck/internal/registry"
	"github.com/agentdeck/agentdeck/pkg/models"
)

// cardServer serves a JSON-LD card document for the given agent name.
func cardServer(t *testing.T, name string, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		card := cards.Build(name, "http://example.test", "/agents/"+name+"/aap", nil, "")
		data, err := cards.MarshalCard(card)
		if err != nil {
			t.Errorf("MarshalCard: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}))
}

func newScanner(reg *registry.Registry, urls ...string) *discovery.Scanner {
	return discovery.NewScanner(reg, config.DiscoveryConfig{
		AgentURLs:          urls,
		HealthCheckTimeout: 2 * time.Second,
		AutoRegister:       true,
	})
}

// ─── DiscoverAgent ───────────────────────────────────────────

func TestDiscoverAgent(t *testing.T) {
	srv := cardServer(t, "remote-navi", 0)
	defer srv.Close()

	reg := registry.New(0)
	s := newScanner(reg)

	card, err := s.DiscoverAgent(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("DiscoverAgent() error = %v", err)
	}
	if card.Name != "remote-navi" {
		t.Errorf("card.Name = %q, want %q", card.Name, "remote-navi")
	}
	if !card.External {
		t.Error("discovered card not marked external")
	}
	if !reg.Contains("remote-navi") {
		t.Error("auto-register did not register the card")
	}
}

func TestDiscoverAgent_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s := newScanner(registry.New(0))
	_, err := s.DiscoverAgent(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("DiscoverAgent() error = nil, want NOT_FOUND")
	}
	if discovery.KindOf(err) != models.ErrNotFound {
		t.Errorf("KindOf(err) = %q, want %q", discovery.KindOf(err), models.ErrNotFound)
	}
}

func TestDiscoverAgent_InvalidCard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"description":"card with no name"}`))
	}))
	defer srv.Close()

	s := newScanner(registry.New(0))
	_, err := s.DiscoverAgent(context.Background(), srv.URL)
	if discovery.KindOf(err) != models.ErrValidation {
		t.Errorf("KindOf(err) = %q, want %q", discovery.KindOf(err), models.ErrValidation)
	}
}

func TestDiscoverAgent_URLDefaultsToBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"@context":"https://schema.org","@type":"AIAgent","name":"bare"}`))
	}))
	defer srv.Close()

	s := newScanner(registry.New(0))
	card, err := s.DiscoverAgent(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("DiscoverAgent() error = %v", err)
	}
	if card.URL != srv.URL {
		t.Errorf("card.URL = %q, want fetch URL %q", card.URL, srv.URL)
	}
}

func TestDiscoverAgent_TimesOutOnStalledServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	s := discovery.NewScanner(registry.New(0), config.DiscoveryConfig{
		AgentURLs:          []string{srv.URL},
		HealthCheckTimeout: 50 * time.Millisecond,
	})

	start := time.Now()
	_, err := s.DiscoverAgent(context.Background(), srv.URL)
	if discovery.KindOf(err) != models.ErrTimeout {
		t.Fatalf("KindOf(err) = %q, want %q", discovery.KindOf(err), models.ErrTimeout)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("DiscoverAgent() took %v, want bounded by the fetch deadline", elapsed)
	}

	// A scan over the same URL must return too, not hang on the tarpit.
	start = time.Now()
	if found := s.Scan(context.Background()); len(found) != 0 {
		t.Errorf("Scan() found %d cards from a stalled server, want 0", len(found))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Scan() took %v, want bounded by the fetch deadline", elapsed)
	}
}

// ─── Scan ────────────────────────────────────────────────────

func TestScan_IsolatesFailures(t *testing.T) {
	good := cardServer(t, "good", 0)
	defer good.Close()
	bad := httptest.NewServer(http.NotFoundHandler())
	defer bad.Close()

	reg := registry.New(0)
	s := newScanner(reg, good.URL, bad.URL)

	found := s.Scan(context.Background())
	if len(found) != 1 {
		t.Fatalf("Scan() found %d cards, want 1", len(found))
	}
	if found[0].Name != "good" {
		t.Errorf("found[0].Name = %q, want %q", found[0].Name, "good")
	}
}

// ─── Health ──────────────────────────────────────────────────

func TestCheckAgentHealth_UpdatesRegistry(t *testing.T) {
	srv := cardServer(t, "remote", 0)

	reg := registry.New(0)
	reg.Register(models.AgentCard{Name: "remote", URL: srv.URL, External: true})
	s := newScanner(reg)

	res := s.CheckAgentHealth(context.Background(), "remote", time.Second)
	if !res.Healthy {
		t.Fatalf("CheckAgentHealth() unhealthy: %s", res.Error)
	}
	if reg.Health("remote") != models.HealthHealthy {
		t.Errorf("registry health = %q, want healthy", reg.Health("remote"))
	}

	srv.Close()
	res = s.CheckAgentHealth(context.Background(), "remote", time.Second)
	if res.Healthy {
		t.Error("CheckAgentHealth() healthy against closed server")
	}
	if reg.Health("remote") != models.HealthUnhealthy {
		t.Errorf("registry health = %q, want unhealthy", reg.Health("remote"))
	}
}

func TestHealthCheckAll_RunsInParallel(t *testing.T) {
	reg := registry.New(0)
	var servers []*httptest.Server
	for _, name := range []string{"a1", "a2", "a3", "a4", "a5"} {
		srv := cardServer(t, name, 100*time.Millisecond)
		servers = append(servers, srv)
		reg.Register(models.AgentCard{Name: name, URL: srv.URL, External: true})
	}
	defer func() {
		for _, srv := range servers {
			srv.Close()
		}
	}()

	s := newScanner(reg)
	start := time.Now()
	results := s.HealthCheckAll(context.Background(), time.Second)
	elapsed := time.Since(start)

	if len(results) != 5 {
		t.Fatalf("HealthCheckAll() returned %d results, want 5", len(results))
	}
	for name, res := range results {
		if !res.Healthy {
			t.Errorf("agent %s unhealthy: %s", name, res.Error)
		}
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("sweep took %v, want parallel (<= 300ms)", elapsed)
	}
}

// ─── Connect ─────────────────────────────────────────────────

func TestConnectAll(t *testing.T) {
	srv := cardServer(t, "remote", 0)
	defer srv.Close()

	reg := registry.New(0)
	reg.Register(models.AgentCard{Name: "remote", URL: srv.URL, External: true})
	s := newScanner(reg)

	results := s.ConnectAll(context.Background(), nil, time.Second)
	res, ok := results["remote"]
	if !ok {
		t.Fatal("ConnectAll() missing result for remote")
	}
	if !res.Success {
		t.Fatalf("connect failed: %s", res.Error)
	}
	if res.ToolsCount != 1 {
		t.Errorf("ToolsCount = %d, want 1", res.ToolsCount)
	}
}

func TestRetryFailedConnections_BoundedAttempts(t *testing.T) {
	var attempts int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&attempts, 1)
		http.Error(w, "permanently down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := registry.New(0)
	reg.Register(models.AgentCard{Name: "flaky", URL: srv.URL, External: true})
	s := newScanner(reg)

	results := s.RetryFailedConnections(context.Background(),
		[]string{"flaky"}, 2, 10*time.Millisecond, time.Second)

	if results["flaky"].Success {
		t.Error("RetryFailedConnections() succeeded against failing server")
	}
	if got := atomic.LoadInt64(&attempts); got != 2 {
		t.Errorf("server saw %d attempts, want 2", got)
	}
}
