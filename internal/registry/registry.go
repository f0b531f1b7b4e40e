// Package registry provides the in-memory agent card directory for the
// AgentDeck mesh.
//
// The registry is the single source of truth for which agents exist, what
// they can do, and whether they are healthy. Health lives in a parallel map
// keyed by agent name — it is registry state, not card state, and is only
// ever mutated through the registry API.
//
// Every mutation publishes a RegistryEvent on a bounded per-subscriber
// channel. Delivery is best-effort: a full subscriber queue drops its
// oldest event. Events for a single card are observed in the order the
// registry produced them.
package registry

import (
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/rs/zerolog/log"
)

// Registry is a thread-safe directory of agent cards. Exactly one instance
// exists per process; the server container owns it.
type Registry struct {
	mu     sync.RWMutex
	cards  map[string]*models.AgentCard
	health map[string]models.HealthStatus

	subMu     sync.Mutex
	subs      map[chan models.RegistryEvent]struct{}
	queueSize int
}

// New creates an empty registry with the given subscriber queue bound.
// queueSize <= 0 falls back to models.DefaultMaxSubscriberQueue.
func New(queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = models.DefaultMaxSubscriberQueue
	}
	return &Registry{
		cards:     make(map[string]*models.AgentCard),
		health:    make(map[string]models.HealthStatus),
		subs:      make(map[chan models.RegistryEvent]struct{}),
		queueSize: queueSize,
	}
}

// ── Card Lifecycle ───────────────────────────────────────────

// Register adds or replaces the card with the same name. New cards enter
// with health HEALTHY regardless of any previous health for that name.
func (r *Registry) Register(card models.AgentCard) {
	now := time.Now().UTC()
	if card.CreatedAt.IsZero() {
		card.CreatedAt = now
	}
	card.LastSeen = now

	r.mu.Lock()
	r.cards[card.Name] = &card
	r.health[card.Name] = models.HealthHealthy
	r.publish(models.RegistryEvent{
		Type:      models.EventRegister,
		AgentName: card.Name,
		Health:    models.HealthHealthy,
		Timestamp: now,
	})
	r.mu.Unlock()

	log.Info().
		Str("agent", card.Name).
		Str("module", card.Module).
		Bool("external", card.External).
		Int("skills", len(card.Skills)).
		Msg("Agent registered")
}

// Unregister removes the named card. Returns whether a card was removed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	_, ok := r.cards[name]
	if ok {
		delete(r.cards, name)
		delete(r.health, name)
		r.publish(models.RegistryEvent{
			Type:      models.EventUnregister,
			AgentName: name,
			Timestamp: time.Now().UTC(),
		})
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	log.Info().Str("agent", name).Msg("Agent unregistered")
	return true
}

// Get returns a snapshot of the named card and touches its last_seen
// timestamp. The second return is false when the card is unknown.
func (r *Registry) Get(name string) (models.AgentCard, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	card, ok := r.cards[name]
	if !ok {
		return models.AgentCard{}, false
	}
	card.LastSeen = time.Now().UTC()
	return *card, true
}

// Contains reports whether a card with the given name is registered.
func (r *Registry) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cards[name]
	return ok
}

// Count returns the number of registered cards.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cards)
}

// ── Listings ─────────────────────────────────────────────────

// ListAll returns snapshots of every registered card.
func (r *Registry) ListAll() []models.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(*models.AgentCard) bool { return true })
}

// ListByModule returns cards whose module tag matches m.
func (r *Registry) ListByModule(m string) []models.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(c *models.AgentCard) bool { return c.Module == m })
}

// ListByCapability returns cards advertising a skill with the given ID.
func (r *Registry) ListByCapability(skillID string) []models.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(c *models.AgentCard) bool { return c.HasSkill(skillID) })
}

// ListExternal returns cards discovered from remote URLs.
func (r *Registry) ListExternal() []models.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(c *models.AgentCard) bool { return c.External })
}

// ListInternal returns in-process hosted cards.
func (r *Registry) ListInternal() []models.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(c *models.AgentCard) bool { return !c.External })
}

// ListHealthy returns cards whose health is HEALTHY.
func (r *Registry) ListHealthy() []models.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(c *models.AgentCard) bool {
		return r.health[c.Name] == models.HealthHealthy
	})
}

// collect must be called with at least a read lock held.
func (r *Registry) collect(keep func(*models.AgentCard) bool) []models.AgentCard {
	var out []models.AgentCard
	for _, c := range r.cards {
		if keep(c) {
			out = append(out, *c)
		}
	}
	return out
}

// ── Health ───────────────────────────────────────────────────

// Health returns the current health of the named agent, UNKNOWN if the
// agent is not registered.
func (r *Registry) Health(name string) models.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.health[name]; ok {
		return h
	}
	return models.HealthUnknown
}

// UpdateHealth maps a boolean probe outcome onto HEALTHY/UNHEALTHY.
func (r *Registry) UpdateHealth(name string, healthy bool) {
	if healthy {
		r.SetHealth(name, models.HealthHealthy)
	} else {
		r.SetHealth(name, models.HealthUnhealthy)
	}
}

// SetHealth sets an explicit health status, admitting DEGRADED and UNKNOWN.
// Setting health on an unknown agent is a no-op.
func (r *Registry) SetHealth(name string, h models.HealthStatus) {
	r.mu.Lock()
	_, ok := r.cards[name]
	changed := ok && r.health[name] != h
	if ok {
		r.health[name] = h
		r.publish(models.RegistryEvent{
			Type:      models.EventHealthUpdate,
			AgentName: name,
			Health:    h,
			Timestamp: time.Now().UTC(),
		})
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if changed {
		log.Debug().Str("agent", name).Str("health", string(h)).Msg("Agent health updated")
	}
}

// ── Pub/Sub ──────────────────────────────────────────────────

// Subscribe returns a bounded channel receiving registry events. Callers
// must Unsubscribe when done; the registry never closes a live channel
// out from under a subscriber except on Unsubscribe.
func (r *Registry) Subscribe() chan models.RegistryEvent {
	ch := make(chan models.RegistryEvent, r.queueSize)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (r *Registry) Unsubscribe(ch chan models.RegistryEvent) {
	r.subMu.Lock()
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
	r.subMu.Unlock()
}

// publish delivers an event to every subscriber. Mutators call it while
// still holding mu, so events enter the queues in the order the writes
// were applied; subMu serializes delivery with Subscribe/Unsubscribe.
// A full queue drops its oldest event rather than blocking the registry.
func (r *Registry) publish(evt models.RegistryEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for ch := range r.subs {
		select {
		case ch <- evt:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}
}

// ── Stats ────────────────────────────────────────────────────

// Stats returns counts by total / healthy / unhealthy / external /
// internal / module.
func (r *Registry) Stats() models.RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := models.RegistryStats{ByModule: make(map[string]int)}
	for name, c := range r.cards {
		stats.Total++
		if r.health[name] == models.HealthHealthy {
			stats.Healthy++
		} else {
			stats.Unhealthy++
		}
		if c.External {
			stats.External++
		} else {
			stats.Internal++
		}
		if c.Module != "" {
			stats.ByModule[c.Module]++
		}
	}
	return stats
}
