// Package contracts defines the interfaces AgentDeck's core consumes from
// (or exposes to) external collaborators: hosted agent handlers, the
// external approval store, and the UIP state writer.
//
// The package lives in pkg/ so that out-of-tree agent implementations can
// depend on it without importing the substrate internals.
package contracts

import (
	"context"

	"github.com/agentdeck/agentdeck/pkg/models"
)

// HandlerResponse is what a hosted agent returns from one task invocation.
// The AAP endpoint serializes it into the JSON-RPC result envelope.
type HandlerResponse struct {
	Content   string            `json:"content"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
	Artifacts []models.Artifact `json:"artifacts,omitempty"`
}

// AgentHandler is implemented by every hosted agent. Handle may return an
// error; the AAP endpoint converts it to a JSON-RPC error envelope, never a
// transport-level failure.
type AgentHandler interface {
	Handle(ctx context.Context, task string, taskContext map[string]interface{}) (*HandlerResponse, error)
}

// HITLConfigProvider is optionally implemented by agent handlers (or their
// tools) that require human approval. The HITL engine inspects the config
// before invocation; a nil config means no approval gate.
type HITLConfigProvider interface {
	HITLConfig() *models.HITLConfig
}

// ApprovalRequest describes the sensitive action awaiting a decision.
type ApprovalRequest struct {
	ActionType string                 `json:"action_type"`
	Resource   string                 `json:"resource,omitempty"`
	AgentID    string                 `json:"agent_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ApprovalStatus is the store-side view of one approval record.
type ApprovalStatus struct {
	Status    models.ApprovalDecision `json:"status"`
	DecidedBy string                  `json:"decided_by,omitempty"`
	Notes     string                  `json:"notes,omitempty"`
}

// ApprovalStore is the external system of record for FULL-tier approvals.
// Subscribe is optional: stores that cannot push decisions return false
// from Subscribable and the HITL engine falls back to polling Get.
type ApprovalStore interface {
	Create(ctx context.Context, req ApprovalRequest) (id string, err error)
	Get(ctx context.Context, id string) (*ApprovalStatus, error)

	// Subscribe registers cb to fire once when the approval resolves.
	// Implementations that cannot push must report Subscribable() == false.
	Subscribe(id string, cb func(ApprovalStatus)) error
	Subscribable() bool
}

// StateWriter receives serialized dashboard snapshots from the state
// emitter. Implementations must not block: the emitter invokes the writer
// on its emission goroutine.
type StateWriter func(snapshot map[string]interface{})
