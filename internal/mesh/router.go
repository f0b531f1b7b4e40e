// Package mesh routes task requests to the best-matching agent.
//
// Selection is preference-ordered: healthy agents only, module plus
// capability match first, then capability alone, internal agents over
// external, and finally module-only or any-healthy fallbacks. Ties rotate
// round-robin per task type.
package mesh

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/aap"
	"github.com/agentdeck/agentdeck/internal/discovery"
	"github.com/agentdeck/agentdeck/internal/registry"
	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/rs/zerolog/log"
)

// Router selects agents and dispatches requests through the AAP client.
type Router struct {
	registry *registry.Registry
	client   *aap.Client
	scanner  *discovery.Scanner

	// Round-robin counters keyed by task type plus candidate set.
	rrMu sync.Mutex
	rr   map[string]uint64
}

// NewRouter creates a router over the given registry, client, and scanner.
func NewRouter(reg *registry.Registry, client *aap.Client, scanner *discovery.Scanner) *Router {
	return &Router{
		registry: reg,
		client:   client,
		scanner:  scanner,
		rr:       make(map[string]uint64),
	}
}

// ── Selection ────────────────────────────────────────────────

// FindAgent selects one healthy agent for the task type. The returned
// reason names the rule that produced the selection. ok is false when no
// healthy agent exists at all.
func (r *Router) FindAgent(taskType, preferredModule string) (card models.AgentCard, reason string, ok bool) {
	healthy := r.registry.ListHealthy()
	if len(healthy) == 0 {
		return models.AgentCard{}, "no healthy agents", false
	}

	var candidates []models.AgentCard
	if preferredModule != "" {
		candidates = filter(healthy, bySkillAndModule(taskType, preferredModule))
		reason = "module and capability match"
	}
	if len(candidates) == 0 {
		candidates = filter(healthy, bySkill(taskType))
		reason = "capability match"
	}
	if len(candidates) == 0 && preferredModule != "" {
		candidates = filter(healthy, byModule(preferredModule))
		reason = "module fallback"
	}
	if len(candidates) == 0 {
		candidates = healthy
		reason = "healthy fallback"
	}

	if internal := filter(candidates, internalOnly); len(internal) > 0 && len(internal) < len(candidates) {
		candidates = internal
		reason += ", internal preferred"
	}

	selected := r.roundRobin(taskType, candidates)
	log.Debug().
		Str("task_type", taskType).
		Str("agent", selected.Name).
		Str("reason", reason).
		Int("candidates", len(candidates)).
		Msg("Agent selected")
	return selected, reason, true
}

// roundRobin rotates through the candidates in name order. The counter
// is keyed by the task type and the sorted candidate names, so
// interleaved calls resolving to a different set never skip an agent in
// this set's rotation.
func (r *Router) roundRobin(taskType string, candidates []models.AgentCard) models.AgentCard {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Name < candidates[j].Name
	})

	var b strings.Builder
	b.WriteString(taskType)
	for i := range candidates {
		b.WriteByte('|')
		b.WriteString(candidates[i].Name)
	}
	key := b.String()

	r.rrMu.Lock()
	idx := r.rr[key] % uint64(len(candidates))
	r.rr[key]++
	r.rrMu.Unlock()
	return candidates[idx]
}

// FindAgentsForBroadcast returns every healthy agent passing the filters.
func (r *Router) FindAgentsForBroadcast(moduleFilter, capabilityFilter string, includeExternal bool) []models.AgentCard {
	agents := r.registry.ListHealthy()
	out := agents[:0]
	for _, a := range agents {
		if moduleFilter != "" && a.Module != moduleFilter {
			continue
		}
		if capabilityFilter != "" && !a.HasSkill(capabilityFilter) {
			continue
		}
		if !includeExternal && a.External {
			continue
		}
		out = append(out, a)
	}
	return out
}

// ── Dispatch ─────────────────────────────────────────────────

// RouteRequest selects an agent for the task type and dispatches the
// message through the AAP client.
func (r *Router) RouteRequest(ctx context.Context, taskType, message string, taskContext map[string]interface{}, preferredModule string) models.RouteResult {
	card, _, ok := r.FindAgent(taskType, preferredModule)
	if !ok {
		return models.RouteResult{
			Success: false,
			Error:   "no healthy agent available for task type " + taskType,
		}
	}

	res := r.client.CallAgent(ctx, card.Name, message, taskContext, models.DefaultAAPTaskTimeout)
	return models.RouteResult{
		Agent:      card.Name,
		Success:    res.Success,
		Content:    res.Content,
		Error:      res.Error,
		DurationMs: res.DurationMs,
	}
}

// BroadcastRequest dispatches the message to every matching agent in
// parallel and returns per-agent results.
func (r *Router) BroadcastRequest(ctx context.Context, message, moduleFilter string, includeExternal bool) map[string]models.RouteResult {
	agents := r.FindAgentsForBroadcast(moduleFilter, "", includeExternal)
	requests := make([]models.AAPRequest, 0, len(agents))
	for _, a := range agents {
		requests = append(requests, models.AAPRequest{AgentID: a.Name, Task: message})
	}

	results := r.client.CallAgentsParallel(ctx, requests, models.DefaultAAPTaskTimeout)
	out := make(map[string]models.RouteResult, len(results))
	for name, res := range results {
		out[name] = models.RouteResult{
			Agent:      name,
			Success:    res.Success,
			Content:    res.Content,
			Error:      res.Error,
			DurationMs: res.DurationMs,
		}
	}
	return out
}

// ── Mesh Health ──────────────────────────────────────────────

// RefreshMeshHealth sweeps external agent health via discovery and
// summarizes the outcome.
func (r *Router) RefreshMeshHealth(ctx context.Context, timeout time.Duration) models.MeshHealthSummary {
	results := r.scanner.HealthCheckAll(ctx, timeout)

	summary := models.MeshHealthSummary{
		TotalCount: len(results),
		Agents:     results,
	}
	for _, res := range results {
		if res.Healthy {
			summary.HealthyCount++
		}
	}
	if summary.TotalCount > 0 {
		summary.HealthyRatio = float64(summary.HealthyCount) / float64(summary.TotalCount)
	}
	return summary
}

// ── Predicates ───────────────────────────────────────────────

func filter(agents []models.AgentCard, keep func(*models.AgentCard) bool) []models.AgentCard {
	var out []models.AgentCard
	for i := range agents {
		if keep(&agents[i]) {
			out = append(out, agents[i])
		}
	}
	return out
}

func bySkill(taskType string) func(*models.AgentCard) bool {
	return func(c *models.AgentCard) bool { return c.HasSkill(taskType) }
}

func byModule(module string) func(*models.AgentCard) bool {
	return func(c *models.AgentCard) bool { return c.Module == module }
}

func bySkillAndModule(taskType, module string) func(*models.AgentCard) bool {
	return func(c *models.AgentCard) bool {
		return c.Module == module && c.HasSkill(taskType)
	}
}

func internalOnly(c *models.AgentCard) bool { return !c.External }
