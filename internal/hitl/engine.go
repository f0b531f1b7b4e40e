// Package hitl implements the human-in-the-loop approval pipeline.
//
// Every sensitive action gets a confidence score; the score and the
// per-tool thresholds pick a tier. AUTO returns immediately, QUICK defers
// to the UI with an inline artifact, FULL creates an approval record and
// blocks until a human resolves it.
//
// The FULL-tier wait is event-driven. Waiter registration and settlement
// share one lock, so "notify arrives first" and "waiter registers first"
// are both benign: an early notification parks in the orphan map until its
// waiter shows up or its TTL expires. When the approval store cannot push
// decisions, the wait loop polls it instead.
package hitl

import (
	"context"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/pkg/contracts"
	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// orphanSweepInterval is how often expired orphan results are trimmed.
const orphanSweepInterval = time.Minute

// DefaultBaseScores maps well-known approval types to their base
// confidence. Unknown types score defaultBaseScore.
var DefaultBaseScores = map[string]int{
	"read_data":       95,
	"send_message":    80,
	"modify_resource": 60,
	"delete_resource": 35,
	"external_call":   55,
}

const defaultBaseScore = 70

var riskAdjustment = map[models.RiskLevel]int{
	models.RiskLow:      0,
	models.RiskMedium:   10,
	models.RiskHigh:     20,
	models.RiskCritical: 30,
}

type orphan struct {
	result  models.ApprovalResult
	expires time.Time
}

// Engine owns the approval futures for one process.
type Engine struct {
	store        contracts.ApprovalStore
	baseScores   map[string]int
	resultTTL    time.Duration
	pollInterval time.Duration

	// mu orders future registration against settlement.
	mu      sync.Mutex
	waiters map[string]chan models.ApprovalResult
	orphans map[string]orphan
	settled map[string]time.Time

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewEngine creates an approval engine over the given store. store may be
// nil, in which case FULL-tier requests expire at their deadline unless
// resolved through Notify. Non-positive durations fall back to defaults.
func NewEngine(store contracts.ApprovalStore, resultTTL, pollInterval time.Duration) *Engine {
	if resultTTL <= 0 {
		resultTTL = models.DefaultApprovalResultTTL
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Engine{
		store:        store,
		baseScores:   DefaultBaseScores,
		resultTTL:    resultTTL,
		pollInterval: pollInterval,
		waiters:      make(map[string]chan models.ApprovalResult),
		orphans:      make(map[string]orphan),
		settled:      make(map[string]time.Time),
	}
}

// ── Lifecycle ────────────────────────────────────────────────

// Start spawns the orphan sweep loop. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(orphanSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				e.sweep()
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for it.
func (e *Engine) Stop() {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	e.cancel()
	e.wg.Wait()
}

// sweep trims expired orphan results and stale settled markers.
func (e *Engine) sweep() {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, o := range e.orphans {
		if now.After(o.expires) {
			delete(e.orphans, id)
		}
	}
	for id, at := range e.settled {
		if now.Sub(at) > e.resultTTL {
			delete(e.settled, id)
		}
	}
}

// ── Confidence & Tiers ───────────────────────────────────────

// CalculateConfidence maps an approval type to its base score, subtracts
// the risk adjustment, and clamps to [0, 100].
func (e *Engine) CalculateConfidence(approvalType string, risk models.RiskLevel) int {
	score, ok := e.baseScores[approvalType]
	if !ok {
		score = defaultBaseScore
	}
	score -= riskAdjustment[risk]
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// DecideTier picks the approval tier for a score under the given
// thresholds.
func DecideTier(score int, cfg models.HITLConfig) models.ApprovalLevel {
	switch {
	case score >= cfg.AutoThreshold:
		return models.ApprovalAuto
	case score >= cfg.QuickThreshold:
		return models.ApprovalQuick
	default:
		return models.ApprovalFull
	}
}

// ── Authorization Pipeline ───────────────────────────────────

// Authorize runs the full pipeline for one sensitive action. A nil config
// means no approval gate. FULL-tier calls block until resolution or
// timeout; QUICK-tier calls return immediately with an inline artifact for
// the UI to resolve in-band.
func (e *Engine) Authorize(ctx context.Context, cfg *models.HITLConfig, req contracts.ApprovalRequest, timeout time.Duration) models.HITLResult {
	start := time.Now()
	if cfg == nil {
		return models.HITLResult{
			ApprovalLevel:   models.ApprovalAuto,
			ConfidenceScore: 100,
			Approved:        true,
		}
	}

	score := e.CalculateConfidence(cfg.ApprovalType, cfg.RiskLevel)
	tier := DecideTier(score, *cfg)

	switch tier {
	case models.ApprovalAuto:
		return models.HITLResult{
			ApprovalLevel:   models.ApprovalAuto,
			ConfidenceScore: score,
			Approved:        true,
			ElapsedMs:       time.Since(start).Milliseconds(),
		}

	case models.ApprovalQuick:
		return models.HITLResult{
			ApprovalLevel:   models.ApprovalQuick,
			ConfidenceScore: score,
			Approved:        true,
			ApprovalID:      uuid.New().String(),
			ElapsedMs:       time.Since(start).Milliseconds(),
			Artifact: models.Artifact{
				"type":        "approval_prompt",
				"action_type": req.ActionType,
				"resource":    req.Resource,
				"agent_id":    req.AgentID,
				"confidence":  score,
			},
		}
	}

	// FULL tier: create the record, then wait for a human.
	approvalID := uuid.New().String()
	if e.store != nil {
		id, err := e.store.Create(ctx, req)
		if err != nil {
			log.Error().Err(err).Str("action", req.ActionType).Msg("Approval record creation failed")
			return models.HITLResult{
				ApprovalLevel:   models.ApprovalFull,
				ConfidenceScore: score,
				Approved:        false,
				Decision:        models.DecisionRejected,
				ElapsedMs:       time.Since(start).Milliseconds(),
			}
		}
		approvalID = id
		if e.store.Subscribable() {
			e.store.Subscribe(id, func(st contracts.ApprovalStatus) {
				e.Notify(models.ApprovalResult{
					ApprovalID: id,
					Decision:   st.Status,
					DecidedBy:  st.DecidedBy,
					Notes:      st.Notes,
					Timestamp:  time.Now().UTC(),
				})
			})
		}
	}

	res := e.WaitForApproval(ctx, approvalID, timeout)
	return models.HITLResult{
		ApprovalLevel:   models.ApprovalFull,
		ConfidenceScore: score,
		Approved:        res.Decision == models.DecisionApproved,
		ApprovalID:      approvalID,
		Decision:        res.Decision,
		ElapsedMs:       time.Since(start).Milliseconds(),
	}
}

// ── Futures ──────────────────────────────────────────────────

// Notify settles the future for an approval id. If no waiter is registered
// yet, the result parks in the orphan map until the TTL. Settling an
// already-settled approval is a no-op.
func (e *Engine) Notify(result models.ApprovalResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := result.ApprovalID
	if _, done := e.settled[id]; done {
		return
	}
	if _, dup := e.orphans[id]; dup {
		return
	}

	if ch, ok := e.waiters[id]; ok {
		delete(e.waiters, id)
		e.settled[id] = time.Now()
		ch <- result
		return
	}

	e.orphans[id] = orphan{result: result, expires: time.Now().Add(e.resultTTL)}
	log.Debug().Str("approval_id", id).Str("decision", string(result.Decision)).
		Msg("Approval result parked for late waiter")
}

// WaitForApproval blocks until the approval resolves, the timeout elapses
// (EXPIRED), or the context is cancelled (CANCELLED). An orphaned result
// for the id resolves the wait immediately.
func (e *Engine) WaitForApproval(ctx context.Context, approvalID string, timeout time.Duration) models.ApprovalResult {
	e.mu.Lock()
	if o, ok := e.orphans[approvalID]; ok {
		delete(e.orphans, approvalID)
		e.settled[approvalID] = time.Now()
		e.mu.Unlock()
		return o.result
	}
	ch := make(chan models.ApprovalResult, 1)
	e.waiters[approvalID] = ch
	e.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Polling fallback when the store cannot push decisions.
	var pollC <-chan time.Time
	if e.store != nil && !e.store.Subscribable() {
		ticker := time.NewTicker(e.pollInterval)
		defer ticker.Stop()
		pollC = ticker.C
	}

	for {
		select {
		case res := <-ch:
			return res

		case <-timer.C:
			return e.expire(approvalID, ch, models.DecisionExpired)

		case <-ctx.Done():
			return e.expire(approvalID, ch, models.DecisionCancelled)

		case <-pollC:
			st, err := e.store.Get(ctx, approvalID)
			if err != nil || st == nil || st.Status == "" {
				continue
			}
			e.Notify(models.ApprovalResult{
				ApprovalID: approvalID,
				Decision:   st.Status,
				DecidedBy:  st.DecidedBy,
				Notes:      st.Notes,
				Timestamp:  time.Now().UTC(),
			})
		}
	}
}

// expire resolves a wait locally. A concurrent Notify may have settled the
// future between the timer firing and the lock acquisition; that result
// wins.
func (e *Engine) expire(approvalID string, ch chan models.ApprovalResult, decision models.ApprovalDecision) models.ApprovalResult {
	e.mu.Lock()
	select {
	case res := <-ch:
		e.mu.Unlock()
		return res
	default:
	}
	delete(e.waiters, approvalID)
	e.settled[approvalID] = time.Now()
	e.mu.Unlock()

	return models.ApprovalResult{
		ApprovalID: approvalID,
		Decision:   decision,
		Timestamp:  time.Now().UTC(),
	}
}

// PendingWaiters reports how many FULL-tier waits are in flight.
func (e *Engine) PendingWaiters() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiters)
}
