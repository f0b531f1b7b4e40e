// Package handlers implements the HTTP surface: per-agent AAP endpoints,
// the UIP event stream, discovery documents, approval resolution, and the
// dashboard snapshot.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentdeck/agentdeck/internal/cards"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/hitl"
	"github.com/agentdeck/agentdeck/internal/mesh"
	"github.com/agentdeck/agentdeck/internal/registry"
	"github.com/agentdeck/agentdeck/internal/state"
	"github.com/agentdeck/agentdeck/internal/tasks"
	"github.com/agentdeck/agentdeck/pkg/contracts"
	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// JSON-RPC error codes. The -327xx block follows the JSON-RPC 2.0 spec;
// the -320xx block is AgentDeck-specific.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeHandlerError   = -32000
	codeAgentNotFound  = -32001
	codeApprovalDenied = -32003
)

// Handlers carries the service container the HTTP surface dispatches into.
type Handlers struct {
	Config   *config.Config
	Registry *registry.Registry
	Router   *mesh.Router
	HITL     *hitl.Engine
	Emitter  *state.Emitter
	Tasks    *tasks.Manager

	// Hosted holds the in-process agent handlers keyed by agent name.
	Hosted map[string]contracts.AgentHandler
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// ── AAP Endpoint ─────────────────────────────────────────────

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcRespond writes a strict JSON-RPC response: result or error, never
// both.
func rpcRespond(w http.ResponseWriter, id interface{}, result interface{}) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
}

func rpcFail(w http.ResponseWriter, id interface{}, code int, message, data string) {
	errObj := map[string]interface{}{"code": code, "message": message}
	if data != "" {
		errObj["data"] = data
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   errObj,
	})
}

// AAPEndpoint serves one hosted agent's JSON-RPC endpoint. The single
// supported method is sendTask. Handler failures become JSON-RPC errors,
// never transport errors.
func (h *Handlers) AAPEndpoint(w http.ResponseWriter, r *http.Request) {
	agentName := chi.URLParam(r, "agentName")

	var env rpcEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		rpcFail(w, nil, codeParseError, "Parse error", err.Error())
		return
	}
	if env.JSONRPC != "2.0" {
		rpcFail(w, env.ID, codeInvalidRequest, "Invalid request", "jsonrpc must be \"2.0\"")
		return
	}
	if env.Method != "sendTask" {
		rpcFail(w, env.ID, codeMethodNotFound, "Method not found", env.Method)
		return
	}

	var params struct {
		Task    string                 `json:"task"`
		Context map[string]interface{} `json:"context"`
	}
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &params); err != nil {
			rpcFail(w, env.ID, codeInvalidParams, "Invalid params", err.Error())
			return
		}
	}

	handler, ok := h.Hosted[agentName]
	if !ok {
		rpcFail(w, env.ID, codeAgentNotFound, "Agent not found", agentName)
		return
	}

	log.Info().Str("agent", agentName).Str("method", env.Method).Msg("AAP request received")

	// Sensitive handlers declare an approval policy.
	if provider, ok := handler.(contracts.HITLConfigProvider); ok {
		result := h.HITL.Authorize(r.Context(), provider.HITLConfig(), contracts.ApprovalRequest{
			ActionType: params.Task,
			AgentID:    agentName,
		}, models.DefaultAAPTaskTimeout)
		if !result.Approved {
			rpcFail(w, env.ID, codeApprovalDenied, "Approval denied", string(result.Decision))
			return
		}
	}

	resp, err := handler.Handle(r.Context(), params.Task, params.Context)
	if err != nil {
		rpcFail(w, env.ID, codeHandlerError, "Handler error", err.Error())
		return
	}

	rpcRespond(w, env.ID, map[string]interface{}{
		"content":    resp.Content,
		"tool_calls": resp.ToolCalls,
		"artifacts":  resp.Artifacts,
	})
}

// ── UIP Endpoint ─────────────────────────────────────────────

// UIPEndpoint streams one run as server-sent events. Exactly one
// RUN_STARTED opens the stream and exactly one RUN_FINISHED closes it,
// error or not.
func (h *Handlers) UIPEndpoint(w http.ResponseWriter, r *http.Request) {
	agentName := chi.URLParam(r, "agentName")
	task := r.URL.Query().Get("task")
	if task == "" {
		task = "refresh"
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	handler, hosted := h.Hosted[agentName]
	if !hosted {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent " + agentName})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	runID := uuid.New().String()
	writeEvent := func(evt models.UIPEvent) {
		evt.RunID = runID
		evt.AgentID = agentName
		evt.Timestamp = time.Now().UnixMilli()
		data, err := json.Marshal(evt)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	writeEvent(models.UIPEvent{Type: models.UIPRunStarted})
	// The tail frame is unconditional; it carries the state snapshot when
	// the run produced one.
	var snapshot interface{}
	defer func() {
		writeEvent(models.UIPEvent{Type: models.UIPRunFinished, Snapshot: snapshot})
	}()

	resp, err := handler.Handle(r.Context(), task, map[string]interface{}{"run_id": runID})
	if err != nil {
		writeEvent(models.UIPEvent{Type: models.UIPError, Error: err.Error()})
		return
	}

	for i := range resp.ToolCalls {
		tc := resp.ToolCalls[i]
		writeEvent(models.UIPEvent{Type: models.UIPToolCallStart, ToolCall: &models.ToolCall{ID: tc.ID, Name: tc.Name}})
		if tc.Arguments != nil {
			writeEvent(models.UIPEvent{Type: models.UIPToolCallArgs, ToolCall: &tc})
		}
		writeEvent(models.UIPEvent{Type: models.UIPToolCallResult, ToolCall: &tc})
	}

	if resp.Content != "" {
		writeEvent(models.UIPEvent{Type: models.UIPTextMessageChunk, Delta: resp.Content})
	}
	snapshot = h.Emitter.Snapshot()
}

// ── Discovery Endpoints ──────────────────────────────────────

// DiscoveryAgents returns every registered card as a JSON-LD document.
func (h *Handlers) DiscoveryAgents(w http.ResponseWriter, r *http.Request) {
	all := h.Registry.ListAll()
	docs := make([]cards.Document, 0, len(all))
	for _, card := range all {
		docs = append(docs, cards.ToDocument(card))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"protocolVersion": models.AAPProtocolVersion,
		"agents":          docs,
		"discoveredAt":    time.Now().UTC().Format(time.RFC3339),
	})
}

// AgentCard serves one agent's JSON-LD card at the well-known path.
func (h *Handlers) AgentCard(w http.ResponseWriter, r *http.Request) {
	agentName := chi.URLParam(r, "agentName")
	card, ok := h.Registry.Get(agentName)
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent " + agentName})
		return
	}
	respondJSON(w, http.StatusOK, cards.ToDocument(card))
}

// DiscoveryList returns the short listing used by dashboards.
func (h *Handlers) DiscoveryList(w http.ResponseWriter, r *http.Request) {
	all := h.Registry.ListAll()
	entries := make([]map[string]string, 0, len(all))
	for _, card := range all {
		entries = append(entries, map[string]string{
			"id":           card.Name,
			"name":         card.Name,
			"url":          card.URL,
			"discoveryUrl": cards.JoinURL(h.Config.BaseURL, "/agents/"+card.Name+"/.well-known/agent-card.json"),
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(entries),
		"agents": entries,
	})
}

// RegistryStats exposes registry counters.
func (h *Handlers) RegistryStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Registry.Stats())
}

// ── Mesh Endpoints ───────────────────────────────────────────

// RouteTask routes one task through the mesh router.
func (h *Handlers) RouteTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskType        string                 `json:"task_type"`
		Message         string                 `json:"message"`
		Context         map[string]interface{} `json:"context"`
		PreferredModule string                 `json:"preferred_module"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.TaskType == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "task_type is required"})
		return
	}

	result := h.Router.RouteRequest(r.Context(), req.TaskType, req.Message, req.Context, req.PreferredModule)
	respondJSON(w, http.StatusOK, result)
}

// MeshHealth refreshes and reports mesh-wide health.
func (h *Handlers) MeshHealth(w http.ResponseWriter, r *http.Request) {
	summary := h.Router.RefreshMeshHealth(r.Context(), h.Config.Discovery.HealthCheckTimeout)
	respondJSON(w, http.StatusOK, summary)
}

// ── Approvals ────────────────────────────────────────────────

// ResolveApproval is the external notification transport: a human (or the
// approval store's webhook) posts the decision here.
func (h *Handlers) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	approvalID := chi.URLParam(r, "approvalID")

	var req struct {
		Decision  models.ApprovalDecision `json:"decision"`
		DecidedBy string                  `json:"decided_by"`
		Notes     string                  `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	switch req.Decision {
	case models.DecisionApproved, models.DecisionRejected, models.DecisionCancelled:
	default:
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "decision must be approved, rejected, or cancelled",
		})
		return
	}

	h.HITL.Notify(models.ApprovalResult{
		ApprovalID: approvalID,
		Decision:   req.Decision,
		DecidedBy:  req.DecidedBy,
		Notes:      req.Notes,
		Timestamp:  time.Now().UTC(),
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": "accepted", "approval_id": approvalID})
}

// ── Dashboard & Tasks ────────────────────────────────────────

// DashboardState returns the current snapshot for initial page load.
func (h *Handlers) DashboardState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Emitter.Snapshot())
}

// RefreshDashboard runs a managed refresh: gather from the backends, then
// a mesh health sweep. Returns the task id immediately.
func (h *Handlers) RefreshDashboard(w http.ResponseWriter, r *http.Request) {
	gateway, ok := h.Hosted["gateway"]
	if !ok {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "gateway agent not hosted"})
		return
	}

	steps := []tasks.Step{
		{
			Name: "gather",
			Handler: func(ctx context.Context, prev interface{}, tc map[string]interface{}) (interface{}, error) {
				resp, err := gateway.Handle(ctx, "refresh", tc)
				if err != nil {
					return nil, err
				}
				return resp.Content, nil
			},
		},
		{
			Name: "mesh-health",
			Handler: func(ctx context.Context, prev interface{}, tc map[string]interface{}) (interface{}, error) {
				return h.Router.RefreshMeshHealth(ctx, h.Config.Discovery.HealthCheckTimeout), nil
			},
		},
	}

	taskID := h.Tasks.SubmitTask(r.Context(), "dashboard-refresh", steps, nil, 2*models.DefaultAAPTaskTimeout)
	respondJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// TaskStatus reports a managed task. ?wait=true blocks for the result.
func (h *Handlers) TaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	if r.URL.Query().Get("wait") == "true" {
		respondJSON(w, http.StatusOK, h.Tasks.WaitForTask(r.Context(), taskID))
		return
	}

	st, ok := h.Tasks.State(taskID)
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "state": string(st)})
}

// CancelTask requests cooperative cancellation.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if !h.Tasks.CancelTask(taskID) {
		respondJSON(w, http.StatusConflict, map[string]string{"error": "task missing or already terminal"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "state": "cancelling"})
}
