// Package agents hosts the built-in AgentDeck agents.
//
// Three backend agents feed the dashboard: navi (project status), pulse
// (health metrics), and herald (activity feed). The gateway agent fronts
// the UIP stream, gathers from the backends over AAP, and pushes the
// merged result into the state emitter.
package agents

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/agentdeck/agentdeck/internal/aap"
	"github.com/agentdeck/agentdeck/internal/registry"
	"github.com/agentdeck/agentdeck/internal/state"
	"github.com/agentdeck/agentdeck/pkg/contracts"
	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// heraldFeedCap bounds herald's in-memory activity buffer.
const heraldFeedCap = 50

// ── Navi: Project Status ─────────────────────────────────────

// Navi reports the status of the active project.
type Navi struct{}

func NewNavi() *Navi { return &Navi{} }

func (n *Navi) Handle(ctx context.Context, task string, taskContext map[string]interface{}) (*contracts.HandlerResponse, error) {
	project := "AgentDeck Rollout"
	if p, ok := taskContext["project"].(string); ok && p != "" {
		project = p
	}

	widget := map[string]interface{}{
		"projectId": uuid.NewSHA1(uuid.NameSpaceOID, []byte(project)).String(),
		"name":      project,
		"phase":     string(models.PhaseOnTrack),
		"progress":  72,
		"dueDate":   time.Now().AddDate(0, 1, 0).Format("2006-01-02"),
		"summary":   "Discovery and routing milestones shipped, protocol surface in review.",
	}

	return &contracts.HandlerResponse{
		Content: fmt.Sprintf("Project %q is on track at 72%%.", project),
		Artifacts: []models.Artifact{{
			"type": "project_status",
			"data": widget,
		}},
	}, nil
}

// ── Pulse: Health Metrics ────────────────────────────────────

// Pulse reports process and mesh health metrics.
type Pulse struct {
	registry *registry.Registry
	started  time.Time
}

func NewPulse(reg *registry.Registry) *Pulse {
	return &Pulse{registry: reg, started: time.Now()}
}

// HITLConfig marks pulse reads as low risk; they clear the AUTO tier.
func (p *Pulse) HITLConfig() *models.HITLConfig {
	return &models.HITLConfig{
		ApprovalType:   "read_data",
		RiskLevel:      models.RiskLow,
		AutoThreshold:  90,
		QuickThreshold: 50,
	}
}

func (p *Pulse) Handle(ctx context.Context, task string, taskContext map[string]interface{}) (*contracts.HandlerResponse, error) {
	stats := p.registry.Stats()
	uptime := time.Since(p.started).Seconds()

	metrics := []map[string]interface{}{
		{"id": "agents_total", "label": "Agents", "value": float64(stats.Total), "trend": "flat"},
		{"id": "agents_healthy", "label": "Healthy Agents", "value": float64(stats.Healthy), "trend": trendFor(stats)},
		{"id": "uptime_s", "label": "Uptime", "value": uptime, "unit": "s", "trend": "up"},
		{"id": "goroutines", "label": "Goroutines", "value": float64(runtime.NumGoroutine()), "trend": "flat"},
	}

	return &contracts.HandlerResponse{
		Content: fmt.Sprintf("%d/%d agents healthy, up %.0fs.", stats.Healthy, stats.Total, uptime),
		Artifacts: []models.Artifact{{
			"type": "metrics",
			"data": map[string]interface{}{
				"metrics":   metrics,
				"updatedAt": time.Now().UTC().Format(time.RFC3339),
			},
		}},
	}, nil
}

func trendFor(stats models.RegistryStats) string {
	if stats.Unhealthy > 0 {
		return string(models.TrendDown)
	}
	return string(models.TrendFlat)
}

// ── Herald: Activity Feed ────────────────────────────────────

// Herald turns registry events into the dashboard activity feed. It is
// the in-process consumer of the registry's pub/sub channel.
type Herald struct {
	registry *registry.Registry
	events   chan models.RegistryEvent
	done     chan struct{}

	feed chan models.ActivityItem // drained into a slice on read
}

func NewHerald(reg *registry.Registry) *Herald {
	h := &Herald{
		registry: reg,
		events:   reg.Subscribe(),
		done:     make(chan struct{}),
		feed:     make(chan models.ActivityItem, heraldFeedCap),
	}
	go h.consume()
	return h
}

// Close stops the event consumer and unsubscribes from the registry.
func (h *Herald) Close() {
	h.registry.Unsubscribe(h.events)
	<-h.done
}

func (h *Herald) consume() {
	defer close(h.done)
	for evt := range h.events {
		item := models.ActivityItem{
			ID:        uuid.New().String(),
			Timestamp: evt.Timestamp.UTC().Format(time.RFC3339),
			Actor:     evt.AgentName,
			Kind:      string(evt.Type),
			Summary:   summarize(evt),
		}
		// Feed full: drop the oldest item, same policy as the registry.
		select {
		case h.feed <- item:
		default:
			select {
			case <-h.feed:
			default:
			}
			select {
			case h.feed <- item:
			default:
			}
		}
	}
}

func summarize(evt models.RegistryEvent) string {
	switch evt.Type {
	case models.EventRegister:
		return fmt.Sprintf("Agent %s joined the mesh", evt.AgentName)
	case models.EventUnregister:
		return fmt.Sprintf("Agent %s left the mesh", evt.AgentName)
	default:
		return fmt.Sprintf("Agent %s health changed to %s", evt.AgentName, evt.Health)
	}
}

func (h *Herald) Handle(ctx context.Context, task string, taskContext map[string]interface{}) (*contracts.HandlerResponse, error) {
	var items []models.ActivityItem
	for {
		select {
		case item := <-h.feed:
			items = append(items, item)
			continue
		default:
		}
		break
	}
	// Newest first.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return &contracts.HandlerResponse{
		Content: fmt.Sprintf("%d recent mesh events.", len(items)),
		Artifacts: []models.Artifact{{
			"type": "activity",
			"data": map[string]interface{}{
				"items":   items,
				"hasMore": false,
			},
		}},
	}, nil
}

// ── Gateway ──────────────────────────────────────────────────

// Gateway is the UIP-facing agent. A user turn triggers a parallel gather
// from the backend agents; the merged result lands in the state emitter
// and a text summary returns to the stream.
type Gateway struct {
	client  *aap.Client
	emitter *state.Emitter
}

func NewGateway(client *aap.Client, emitter *state.Emitter) *Gateway {
	return &Gateway{client: client, emitter: emitter}
}

// GatherAgents are the backends every gather fans out to.
var GatherAgents = []string{"navi", "pulse", "herald"}

func (g *Gateway) Handle(ctx context.Context, task string, taskContext map[string]interface{}) (*contracts.HandlerResponse, error) {
	g.emitter.SetLoading(true, GatherAgents)

	requests := make([]models.AAPRequest, 0, len(GatherAgents))
	for _, name := range GatherAgents {
		requests = append(requests, models.AAPRequest{AgentID: name, Task: task, Context: taskContext})
	}
	results := g.client.CallAgentsParallel(ctx, requests, models.DefaultAAPTaskTimeout)

	gatherErrors := map[string]string{}
	succeeded := 0
	for name, res := range results {
		if res.Success {
			succeeded++
		} else {
			gatherErrors[name] = res.Error
			log.Warn().Str("agent", name).Str("error", res.Error).Msg("Gather call failed")
		}
	}

	navi, pulse, herald := results["navi"], results["pulse"], results["herald"]
	g.emitter.UpdateFromGather(ptr(navi), ptr(pulse), ptr(herald), gatherErrors)

	return &contracts.HandlerResponse{
		Content: fmt.Sprintf("Dashboard refreshed: %d/%d agents reported.", succeeded, len(GatherAgents)),
	}, nil
}

// ptr returns nil for zero-valued results so absent agents read as null
// gather inputs.
func ptr(res models.AAPResult) *models.AAPResult {
	if res.AgentID == "" {
		return nil
	}
	return &res
}
