// Package models defines the shared data types for the AgentDeck substrate:
// agent cards, AAP call results, HITL approvals, managed tasks, and the
// dashboard state streamed to the front-end.
//
// Everything here is a plain value type. Components own their instances
// (Registry owns AgentCard, Task Manager owns Task, HITL owns approvals,
// State Emitter owns DashboardState) and hand out copies, never interior
// references.
package models

import (
	"time"
)

// ── Protocol Constants ──────────────────────────────────────

const (
	// AAPProtocolVersion is the agent-to-agent protocol version advertised
	// on discovery cards and AAP endpoints.
	AAPProtocolVersion = "0.3.0"

	// UIPProtocolVersion is the user-interface streaming protocol version.
	UIPProtocolVersion = "0.1.0"
)

// Default timeouts and bounds. All are overridable via AGENTDECK_* env
// vars (see internal/config) or per-call parameters.
const (
	DefaultAAPTaskTimeout        = 300 * time.Second
	DefaultDiscoveryScanInterval = 300 * time.Second
	DefaultHealthCheckTimeout    = 5 * time.Second
	DefaultHealthCheckInterval   = 30 * time.Second
	DefaultStepTimeout           = 30 * time.Second
	DefaultMaxConcurrentTasks    = 100
	DefaultApprovalResultTTL     = time.Hour
	DefaultUpdateDebounce        = 120 * time.Millisecond
	DefaultMaxActiveTasks        = 10
	DefaultMaxActivities         = 50
	DefaultMaxAlerts             = 20
	DefaultMaxSubscriberQueue    = 256
)

// ── Error Taxonomy ───────────────────────────────────────────

// ErrorKind classifies failures crossing component boundaries. Library-level
// operations return failure-shaped results carrying one of these kinds
// instead of raising transport errors, which preserves partial success in
// fan-out paths.
type ErrorKind string

const (
	ErrNotFound   ErrorKind = "not_found"
	ErrValidation ErrorKind = "validation"
	ErrTimeout    ErrorKind = "timeout"
	ErrConnection ErrorKind = "connection"
	ErrCancelled  ErrorKind = "cancelled"
	ErrConflict   ErrorKind = "conflict"
	ErrInternal   ErrorKind = "internal"
)

// ── Agent Cards ──────────────────────────────────────────────

// HealthStatus is the registry-tracked liveness of an agent.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Skill is one named capability advertised by an agent. Routers match the
// skill ID against task types.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	InputModes  []string `json:"input_modes,omitempty"`
	OutputModes []string `json:"output_modes,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Capabilities describes transport-level features an agent supports.
type Capabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"push_notifications"`
	StateTransfer     bool `json:"state_transfer"`
}

// AgentCard is the capability manifest for one agent. Cards are immutable
// once registered except for LastSeen, which the registry touches on reads.
type AgentCard struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url"`
	Version     string `json:"version"`

	// Module is an optional grouping tag ("pm", "ops", ...) used by the
	// router's preference rules. Empty means ungrouped.
	Module string `json:"module,omitempty"`

	// External marks agents discovered from remote URLs rather than hosted
	// in-process. The router prefers internal agents when both match.
	External bool `json:"is_external"`

	Skills             []Skill      `json:"skills,omitempty"`
	Capabilities       Capabilities `json:"capabilities"`
	DefaultInputModes  []string     `json:"default_input_modes,omitempty"`
	DefaultOutputModes []string     `json:"default_output_modes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// HasSkill reports whether the card advertises the given skill ID.
func (c *AgentCard) HasSkill(id string) bool {
	for _, s := range c.Skills {
		if s.ID == id {
			return true
		}
	}
	return false
}

// ── Registry Events ──────────────────────────────────────────

// RegistryEventType enumerates registry change notifications.
type RegistryEventType string

const (
	EventRegister     RegistryEventType = "REGISTER"
	EventUnregister   RegistryEventType = "UNREGISTER"
	EventHealthUpdate RegistryEventType = "HEALTH_UPDATE"
)

// RegistryEvent is published on every registry mutation. Delivery is
// best-effort; slow subscribers drop oldest events.
type RegistryEvent struct {
	Type      RegistryEventType `json:"type"`
	AgentName string            `json:"agent_name"`
	Health    HealthStatus      `json:"health,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// RegistryStats summarizes the registry contents.
type RegistryStats struct {
	Total     int            `json:"total"`
	Healthy   int            `json:"healthy"`
	Unhealthy int            `json:"unhealthy"`
	External  int            `json:"external"`
	Internal  int            `json:"internal"`
	ByModule  map[string]int `json:"by_module"`
}

// ── AAP (Agent-to-Agent Protocol) ────────────────────────────

// ToolCall is one tool invocation reported by an agent in an AAP response.
type ToolCall struct {
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Result    interface{}            `json:"result,omitempty"`
}

// Artifact is an opaque, agent-shaped payload. The state emitter's gather
// parser knows how to map well-known shapes into dashboard widgets.
type Artifact map[string]interface{}

// AAPRequest describes one outbound sendTask call.
type AAPRequest struct {
	AgentID string                 `json:"agent_id"`
	Task    string                 `json:"task"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// AAPResult is the outcome of a single AAP call. Success or not, every call
// produces exactly one result; transport failures populate Error/ErrorKind
// rather than surfacing as Go errors.
type AAPResult struct {
	AgentID    string     `json:"agent_id"`
	Success    bool       `json:"success"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Artifacts  []Artifact `json:"artifacts,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  ErrorKind  `json:"error_kind,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// ── HITL (Human-in-the-Loop) ─────────────────────────────────

// ApprovalLevel is the tier assigned to a sensitive action.
type ApprovalLevel string

const (
	ApprovalAuto  ApprovalLevel = "auto"
	ApprovalQuick ApprovalLevel = "quick"
	ApprovalFull  ApprovalLevel = "full"
)

// ApprovalDecision is a terminal resolution of a FULL-tier approval.
type ApprovalDecision string

const (
	DecisionApproved  ApprovalDecision = "approved"
	DecisionRejected  ApprovalDecision = "rejected"
	DecisionExpired   ApprovalDecision = "expired"
	DecisionCancelled ApprovalDecision = "cancelled"
)

// RiskLevel adjusts the confidence score downward for riskier actions.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// HITLConfig is the per-tool approval policy. Invariant:
// 0 <= QuickThreshold <= AutoThreshold <= 100.
type HITLConfig struct {
	ApprovalType   string    `json:"approval_type"`
	RiskLevel      RiskLevel `json:"risk_level"`
	AutoThreshold  int       `json:"auto_threshold"`
	QuickThreshold int       `json:"quick_threshold"`
}

// HITLResult is the per-call outcome of the approval pipeline. For AUTO the
// call returned immediately; for QUICK an inline artifact was emitted and
// the UI resolves in-band; for FULL the call blocked until resolution.
type HITLResult struct {
	ApprovalLevel   ApprovalLevel    `json:"approval_level"`
	ConfidenceScore int              `json:"confidence_score"`
	Approved        bool             `json:"approved"`
	ApprovalID      string           `json:"approval_id,omitempty"`
	Decision        ApprovalDecision `json:"decision,omitempty"`
	ElapsedMs       int64            `json:"elapsed_ms"`

	// Artifact carries the inline approval prompt for the QUICK tier.
	Artifact Artifact `json:"artifact,omitempty"`
}

// ApprovalResult is the settled value of an ApprovalFuture: who decided,
// what they decided, and when.
type ApprovalResult struct {
	ApprovalID string           `json:"approval_id"`
	Decision   ApprovalDecision `json:"decision"`
	DecidedBy  string           `json:"decided_by,omitempty"`
	Notes      string           `json:"notes,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// ── Managed Tasks ────────────────────────────────────────────

// TaskState is the lifecycle of a managed multi-step task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
	TaskTimeout   TaskState = "timeout"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimeout:
		return true
	}
	return false
}

// StepResult records one step's final outcome inside a TaskResult.
type StepResult struct {
	Name       string      `json:"name"`
	State      TaskState   `json:"state"`
	Attempts   int         `json:"attempts"`
	Value      interface{} `json:"value,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"duration_ms"`
}

// TaskResult is what WaitForTask returns. It never carries a Go error for
// task-level failures; State plus Error describe the outcome.
type TaskResult struct {
	TaskID      string       `json:"task_id"`
	State       TaskState    `json:"state"`
	Value       interface{}  `json:"value,omitempty"`
	Error       string       `json:"error,omitempty"`
	DurationMs  int64        `json:"duration_ms"`
	StepResults []StepResult `json:"step_results"`
}

// ── Dashboard State ──────────────────────────────────────────
//
// Everything below serializes with camelCase keys and omitted nulls — this
// is the exact snapshot shape delivered to the UIP writer. Enum values
// serialize to their string forms ("on-track", "up", "warning", ...).

// StateSchemaVersion is bumped when the snapshot shape changes.
const StateSchemaVersion = 1

// ProjectPhase is the traffic-light status of the active project.
type ProjectPhase string

const (
	PhaseOnTrack ProjectPhase = "on-track"
	PhaseAtRisk  ProjectPhase = "at-risk"
	PhaseDelayed ProjectPhase = "delayed"
)

// TrendDirection marks which way a metric is moving.
type TrendDirection string

const (
	TrendUp   TrendDirection = "up"
	TrendDown TrendDirection = "down"
	TrendFlat TrendDirection = "flat"
)

// AlertType is the severity class of a dashboard alert.
type AlertType string

const (
	AlertInfo    AlertType = "info"
	AlertSuccess AlertType = "success"
	AlertWarning AlertType = "warning"
	AlertError   AlertType = "error"
)

// ProjectStatusWidget is the project summary panel.
type ProjectStatusWidget struct {
	ProjectID string       `json:"projectId,omitempty"`
	Name      string       `json:"name"`
	Phase     ProjectPhase `json:"phase"`
	Progress  int          `json:"progress"`
	DueDate   string       `json:"dueDate,omitempty"`
	Summary   string       `json:"summary,omitempty"`
}

// Metric is one health metric tile.
type Metric struct {
	ID    string         `json:"id"`
	Label string         `json:"label"`
	Value float64        `json:"value"`
	Unit  string         `json:"unit,omitempty"`
	Trend TrendDirection `json:"trend,omitempty"`
	Delta float64        `json:"delta,omitempty"`
}

// MetricsWidget is the health-metrics panel.
type MetricsWidget struct {
	Metrics   []Metric `json:"metrics"`
	UpdatedAt string   `json:"updatedAt,omitempty"`
}

// ActivityItem is one entry in the activity feed.
type ActivityItem struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Actor     string `json:"actor,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Summary   string `json:"summary"`
}

// ActivityWidget is the activity feed, newest first, truncated to
// MaxActivities with HasMore set when truncation occurred.
type ActivityWidget struct {
	Items   []ActivityItem `json:"items"`
	HasMore bool           `json:"hasMore"`
}

// Alert is a dashboard alert banner. Newest alerts are kept at the head;
// the tail is dropped past MaxAlerts.
type Alert struct {
	ID        string    `json:"id"`
	Type      AlertType `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message,omitempty"`
	CreatedAt string    `json:"createdAt"`
	Dismissed bool      `json:"dismissed,omitempty"`
}

// Widgets groups the renderable dashboard panels.
type Widgets struct {
	ProjectStatus *ProjectStatusWidget `json:"projectStatus,omitempty"`
	Metrics       *MetricsWidget       `json:"metrics,omitempty"`
	Activity      *ActivityWidget      `json:"activity,omitempty"`
	Alerts        []Alert              `json:"alerts"`
}

// LoadingState tracks which agents a gather is currently waiting on.
type LoadingState struct {
	IsLoading     bool     `json:"isLoading"`
	LoadingAgents []string `json:"loadingAgents,omitempty"`
	StartedAt     string   `json:"startedAt,omitempty"`
}

// ActiveTask mirrors a Task Manager task onto the dashboard, trimmed to
// presentation fields. Progress is always within [0, 100].
type ActiveTask struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	State       TaskState `json:"state"`
	Progress    int       `json:"progress"`
	CurrentStep string    `json:"currentStep,omitempty"`
	StartedAt   string    `json:"startedAt"`
}

// DashboardState is the single typed state object owned by the emitter.
type DashboardState struct {
	Version     int   `json:"version"`
	TimestampMs int64 `json:"timestampMs"`

	ActiveProject string `json:"activeProject,omitempty"`
	WorkspaceID   string `json:"workspaceId,omitempty"`
	UserID        string `json:"userId,omitempty"`

	Widgets Widgets      `json:"widgets"`
	Loading LoadingState `json:"loading"`

	// Errors maps agent_id to the most recent failure message. Always
	// present in the snapshot (possibly empty), never null.
	Errors map[string]string `json:"errors"`

	ActiveTasks []ActiveTask `json:"activeTasks"`
}

// ── UIP Stream Events ────────────────────────────────────────

// UIPEventType enumerates the streaming event vocabulary. The server emits
// exactly one RunStarted at the head and one RunFinished at the tail of
// every run, even when the run errors.
type UIPEventType string

const (
	UIPRunStarted       UIPEventType = "RUN_STARTED"
	UIPTextMessageChunk UIPEventType = "TEXT_MESSAGE_CHUNK"
	UIPToolCallStart    UIPEventType = "TOOL_CALL_START"
	UIPToolCallArgs     UIPEventType = "TOOL_CALL_ARGS"
	UIPToolCallResult   UIPEventType = "TOOL_CALL_RESULT"
	UIPError            UIPEventType = "ERROR"
	UIPRunFinished      UIPEventType = "RUN_FINISHED"
)

// UIPEvent is one frame on the UIP stream, serialized as `data: {json}\n\n`.
type UIPEvent struct {
	Type      UIPEventType `json:"type"`
	RunID     string       `json:"runId,omitempty"`
	AgentID   string       `json:"agentId,omitempty"`
	Delta     string       `json:"delta,omitempty"`
	ToolCall  *ToolCall    `json:"toolCall,omitempty"`
	Snapshot  interface{}  `json:"snapshot,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`
}

// ── Discovery Results ────────────────────────────────────────

// HealthCheckResult is the per-agent outcome of a health sweep.
type HealthCheckResult struct {
	Healthy        bool   `json:"healthy"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

// ConnectResult is the per-agent outcome of a bulk connect.
type ConnectResult struct {
	Success        bool   `json:"success"`
	ToolsCount     int    `json:"tools_count"`
	Error          string `json:"error,omitempty"`
	RetryScheduled bool   `json:"retry_scheduled,omitempty"`
	ConnectTimeMs  int64  `json:"connect_time_ms"`
}

// ── Mesh Routing ─────────────────────────────────────────────

// RouteResult wraps one routed AAP dispatch with the chosen agent.
type RouteResult struct {
	Agent      string `json:"agent"`
	Success    bool   `json:"success"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// MeshHealthSummary is the aggregate of a mesh-wide health refresh.
type MeshHealthSummary struct {
	HealthyCount int                          `json:"healthy_count"`
	TotalCount   int                          `json:"total_count"`
	HealthyRatio float64                      `json:"healthy_ratio"`
	Agents       map[string]HealthCheckResult `json:"agents"`
}
