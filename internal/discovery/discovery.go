// Package discovery fetches capability manifests from remote agent URLs,
// registers them, and keeps their registry health current.
//
// The scanner owns one long-lived HTTP client. Start spawns two loops: a
// periodic rescan of the configured URLs and a health sweep over external
// agents. Both stop when Stop cancels the scanner context.
package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/cards"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/registry"
	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// maxParallelProbes bounds a single sweep.
const maxParallelProbes = 16

// Error is a typed discovery failure. Callers branch on Kind, never on
// message text.
type Error struct {
	Kind models.ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func discoveryErr(kind models.ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from a discovery error, ErrInternal for
// anything else.
func KindOf(err error) models.ErrorKind {
	if de, ok := err.(*Error); ok {
		return de.Kind
	}
	return models.ErrInternal
}

// Scanner discovers and monitors external agents.
type Scanner struct {
	registry *registry.Registry
	cfg      config.DiscoveryConfig
	http     *http.Client

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewScanner creates a scanner. Zero-valued intervals in cfg fall back to
// the package defaults.
func NewScanner(reg *registry.Registry, cfg config.DiscoveryConfig) *Scanner {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = models.DefaultDiscoveryScanInterval
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = models.DefaultHealthCheckTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = models.DefaultHealthCheckInterval
	}
	return &Scanner{
		registry: reg,
		cfg:      cfg,
		http:     &http.Client{},
	}
}

// ── Lifecycle ────────────────────────────────────────────────

// Start performs an initial scan, then spawns the periodic rescan and
// health sweep loops. Calling Start twice is a no-op.
func (s *Scanner) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.Scan(loopCtx)

	s.wg.Add(2)
	go s.scanLoop(loopCtx)
	go s.healthLoop(loopCtx)

	log.Info().
		Int("urls", len(s.cfg.AgentURLs)).
		Dur("scan_interval", s.cfg.ScanInterval).
		Dur("health_interval", s.cfg.HealthInterval).
		Msg("Discovery scanner started")
}

// Stop cancels the loops, waits for them, and closes the HTTP client.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.http.CloseIdleConnections()
	log.Info().Msg("Discovery scanner stopped")
}

func (s *Scanner) scanLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

func (s *Scanner) healthLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.HealthCheckAll(ctx, s.cfg.HealthCheckTimeout)
		}
	}
}

// ── Discovery ────────────────────────────────────────────────

// DiscoverAgent fetches the manifest at url, converts it to an external
// card, and registers it when auto-register is enabled. The manifest must
// carry a name; a missing url field defaults to the fetch URL.
func (s *Scanner) DiscoverAgent(ctx context.Context, url string) (models.AgentCard, error) {
	card, err := s.fetchCard(ctx, url)
	if err != nil {
		return models.AgentCard{}, err
	}

	card.External = true
	if s.cfg.AutoRegister {
		s.registry.Register(card)
	}
	return card, nil
}

func (s *Scanner) fetchCard(ctx context.Context, url string) (models.AgentCard, error) {
	// Every fetch carries its own deadline so one stalled URL cannot
	// wedge a scan or a rescan.
	fetchCtx, cancel := context.WithTimeout(ctx, 2*s.cfg.HealthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return models.AgentCard{}, discoveryErr(models.ErrValidation, "bad discovery URL %q: %v", url, err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		if fetchCtx.Err() == context.DeadlineExceeded {
			return models.AgentCard{}, discoveryErr(models.ErrTimeout, "discovery of %s timed out", url)
		}
		return models.AgentCard{}, discoveryErr(models.ErrConnection, "discovery of %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return models.AgentCard{}, discoveryErr(models.ErrNotFound, "no agent card at %s", url)
	}
	if resp.StatusCode >= 400 {
		return models.AgentCard{}, discoveryErr(models.ErrConnection, "discovery of %s returned HTTP %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.AgentCard{}, discoveryErr(models.ErrConnection, "reading card from %s: %v", url, err)
	}

	card, err := cards.UnmarshalCard(body)
	if err != nil {
		return models.AgentCard{}, discoveryErr(models.ErrValidation, "invalid agent card at %s: %v", url, err)
	}
	if card.Name == "" {
		return models.AgentCard{}, discoveryErr(models.ErrValidation, "agent card at %s has no name", url)
	}
	if card.URL == "" {
		card.URL = url
	}
	return card, nil
}

// Scan discovers every configured URL in parallel. Independent failures
// are isolated; the successfully discovered cards are returned.
func (s *Scanner) Scan(ctx context.Context) []models.AgentCard {
	var (
		mu    sync.Mutex
		found []models.AgentCard
	)

	g := new(errgroup.Group)
	g.SetLimit(maxParallelProbes)
	for _, url := range s.cfg.AgentURLs {
		url := url
		g.Go(func() error {
			card, err := s.DiscoverAgent(ctx, url)
			if err != nil {
				log.Warn().Str("url", url).Err(err).Msg("Agent discovery failed")
				return nil
			}
			mu.Lock()
			found = append(found, card)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if len(s.cfg.AgentURLs) > 0 {
		log.Info().
			Int("configured", len(s.cfg.AgentURLs)).
			Int("discovered", len(found)).
			Msg("Discovery scan complete")
	}
	return found
}

// ── Health ───────────────────────────────────────────────────

// CheckAgentHealth probes one agent and updates its registry health. Any
// HTTP response below 500 counts as alive; the endpoint may well reject
// the probe verb.
func (s *Scanner) CheckAgentHealth(ctx context.Context, name string, timeout time.Duration) models.HealthCheckResult {
	card, ok := s.registry.Get(name)
	if !ok {
		return models.HealthCheckResult{Healthy: false, Error: "agent not registered"}
	}
	if timeout <= 0 {
		timeout = s.cfg.HealthCheckTimeout
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, card.URL, nil)
	if err != nil {
		return models.HealthCheckResult{Healthy: false, Error: err.Error()}
	}

	resp, err := s.http.Do(req)
	elapsed := time.Since(start).Milliseconds()
	result := models.HealthCheckResult{ResponseTimeMs: elapsed}
	if err != nil {
		result.Error = err.Error()
	} else {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 500 {
			result.Healthy = true
		} else {
			result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
	}

	s.registry.UpdateHealth(name, result.Healthy)
	return result
}

// HealthCheckAll sweeps every external agent in parallel with a per-agent
// timeout. Wall time tracks the slowest probe, not the sum. Registry
// health is updated as a side effect.
func (s *Scanner) HealthCheckAll(ctx context.Context, timeout time.Duration) map[string]models.HealthCheckResult {
	agents := s.registry.ListExternal()
	results := make(map[string]models.HealthCheckResult, len(agents))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(maxParallelProbes)
	for _, agent := range agents {
		name := agent.Name
		g.Go(func() error {
			res := s.CheckAgentHealth(ctx, name, timeout)
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

// ── Bulk Connect ─────────────────────────────────────────────

// ConnectAll re-fetches the card of each named agent (all external agents
// when subset is nil) in parallel. A timeout on one agent degrades only
// that agent.
func (s *Scanner) ConnectAll(ctx context.Context, subset []string, timeout time.Duration) map[string]models.ConnectResult {
	names := subset
	if names == nil {
		for _, c := range s.registry.ListExternal() {
			names = append(names, c.Name)
		}
	}

	results := make(map[string]models.ConnectResult, len(names))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(maxParallelProbes)
	for _, name := range names {
		name := name
		g.Go(func() error {
			res := s.connectAgent(ctx, name, timeout)
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

func (s *Scanner) connectAgent(ctx context.Context, name string, timeout time.Duration) models.ConnectResult {
	card, ok := s.registry.Get(name)
	if !ok {
		return models.ConnectResult{Success: false, Error: "agent not registered"}
	}
	if timeout <= 0 {
		timeout = s.cfg.HealthCheckTimeout
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	fresh, err := s.fetchCard(connectCtx, card.URL)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		kind := KindOf(err)
		return models.ConnectResult{
			Success:        false,
			Error:          err.Error(),
			RetryScheduled: kind == models.ErrConnection || kind == models.ErrTimeout,
			ConnectTimeMs:  elapsed,
		}
	}

	fresh.External = true
	fresh.Module = card.Module
	s.registry.Register(fresh)
	return models.ConnectResult{
		Success:       true,
		ToolsCount:    len(fresh.Skills),
		ConnectTimeMs: elapsed,
	}
}

// RetryFailedConnections retries each named agent with exponential backoff,
// stopping on success or after maxRetries attempts.
func (s *Scanner) RetryFailedConnections(ctx context.Context, names []string, maxRetries int, backoffBase, timeout time.Duration) map[string]models.ConnectResult {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if backoffBase <= 0 {
		backoffBase = time.Second
	}

	results := make(map[string]models.ConnectResult, len(names))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(maxParallelProbes)
	for _, name := range names {
		name := name
		g.Go(func() error {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = backoffBase
			policy.RandomizationFactor = 0

			var last models.ConnectResult
			attempt := 0
			op := func() error {
				attempt++
				last = s.connectAgent(ctx, name, timeout)
				if !last.Success {
					return fmt.Errorf("connect attempt %d failed: %s", attempt, last.Error)
				}
				return nil
			}
			err := backoff.Retry(op, backoff.WithContext(
				backoff.WithMaxRetries(policy, uint64(maxRetries-1)), ctx))
			if err != nil {
				log.Warn().Str("agent", name).Int("attempts", attempt).Err(err).
					Msg("Connection retries exhausted")
			}

			mu.Lock()
			results[name] = last
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}
