// Package state owns the dashboard state object and its emission to the
// UIP writer.
//
// All mutators funnel through one mutex. Debounced mutators coalesce into
// a single emission per debounce window; immediate mutators flush any
// pending window first. The writer callback always runs under the mutex,
// so emissions are totally ordered and never concurrent with themselves.
package state

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/pkg/contracts"
	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Bounds configures the emitter's truncation limits. Zero values fall
// back to the package defaults.
type Bounds struct {
	MaxActivities  int
	MaxAlerts      int
	MaxActiveTasks int
}

// Emitter owns one DashboardState and serializes snapshots to the writer.
type Emitter struct {
	mu       sync.Mutex
	state    models.DashboardState
	writer   contracts.StateWriter
	debounce time.Duration
	bounds   Bounds
	timer    *time.Timer
	now      func() time.Time
}

// NewEmitter creates an emitter. writer may be nil (mutations still apply,
// nothing is delivered). debounce <= 0 falls back to
// models.DefaultUpdateDebounce.
func NewEmitter(writer contracts.StateWriter, debounce time.Duration, bounds Bounds) *Emitter {
	if debounce <= 0 {
		debounce = models.DefaultUpdateDebounce
	}
	if bounds.MaxActivities <= 0 {
		bounds.MaxActivities = models.DefaultMaxActivities
	}
	if bounds.MaxAlerts <= 0 {
		bounds.MaxAlerts = models.DefaultMaxAlerts
	}
	if bounds.MaxActiveTasks <= 0 {
		bounds.MaxActiveTasks = models.DefaultMaxActiveTasks
	}
	return &Emitter{
		state: models.DashboardState{
			Version: models.StateSchemaVersion,
			Errors:  map[string]string{},
		},
		writer:   writer,
		debounce: debounce,
		bounds:   bounds,
		now:      time.Now,
	}
}

// ── Emission ─────────────────────────────────────────────────

// ScheduleEmit arranges a debounced emission. Updates landing before the
// window fires are folded into the same snapshot.
func (e *Emitter) ScheduleEmit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduleLocked()
}

func (e *Emitter) scheduleLocked() {
	if e.timer != nil {
		return
	}
	e.timer = time.AfterFunc(e.debounce, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.timer = nil
		e.emitLocked()
	})
}

// EmitNow cancels any pending window and emits synchronously.
func (e *Emitter) EmitNow() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitNowLocked()
}

func (e *Emitter) emitNowLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.emitLocked()
}

func (e *Emitter) emitLocked() {
	e.state.TimestampMs = e.now().UnixMilli()
	if e.writer == nil {
		return
	}
	snapshot, err := toSnapshot(&e.state)
	if err != nil {
		log.Error().Err(err).Msg("Dashboard state serialization failed")
		return
	}
	e.writer(snapshot)
}

// toSnapshot renders the typed state as a plain camelCase map with nulls
// omitted, which is exactly what the JSON tags produce.
func toSnapshot(s *models.DashboardState) (map[string]interface{}, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot returns the current state as the writer would see it.
func (e *Emitter) Snapshot() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot, err := toSnapshot(&e.state)
	if err != nil {
		return map[string]interface{}{}
	}
	return snapshot
}

// ── Loading / Errors / Identity ──────────────────────────────

// SetLoading flips the loading banner. Immediate emit; StartedAt is set on
// the false→true edge and cleared on false.
func (e *Emitter) SetLoading(isLoading bool, agents []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if isLoading {
		if !e.state.Loading.IsLoading {
			e.state.Loading.StartedAt = e.now().UTC().Format(time.RFC3339)
		}
		e.state.Loading.IsLoading = true
		e.state.Loading.LoadingAgents = agents
	} else {
		e.state.Loading = models.LoadingState{}
	}
	e.emitNowLocked()
}

// SetError records an agent failure; empty msg clears that agent's entry.
func (e *Emitter) SetError(agent, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg == "" {
		delete(e.state.Errors, agent)
	} else {
		e.state.Errors[agent] = msg
	}
	e.scheduleLocked()
}

// ClearErrors drops all agent errors.
func (e *Emitter) ClearErrors() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Errors = map[string]string{}
	e.scheduleLocked()
}

// SetActiveProject sets the active project id.
func (e *Emitter) SetActiveProject(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.ActiveProject = id
	e.scheduleLocked()
}

// SetIdentity sets the workspace and user scope for the stream.
func (e *Emitter) SetIdentity(workspaceID, userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.WorkspaceID = workspaceID
	e.state.UserID = userID
	e.scheduleLocked()
}

// ── Widgets ──────────────────────────────────────────────────

// SetProjectStatus replaces the project status widget.
func (e *Emitter) SetProjectStatus(w *models.ProjectStatusWidget) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w != nil {
		w.Progress = clamp(w.Progress)
	}
	e.state.Widgets.ProjectStatus = w
	e.scheduleLocked()
}

// SetMetrics replaces the metrics widget.
func (e *Emitter) SetMetrics(w *models.MetricsWidget) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Widgets.Metrics = w
	e.scheduleLocked()
}

// SetActivity replaces the activity feed, truncating to the bound.
// hasMore is forced true when truncation occurred.
func (e *Emitter) SetActivity(items []models.ActivityItem, hasMore bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(items) > e.bounds.MaxActivities {
		items = items[:e.bounds.MaxActivities]
		hasMore = true
	}
	e.state.Widgets.Activity = &models.ActivityWidget{Items: items, HasMore: hasMore}
	e.scheduleLocked()
}

// AddAlert prepends an alert (newest first) and returns its id. Past the
// bound the tail is dropped, never the new head.
func (e *Emitter) AddAlert(alertType models.AlertType, title, message, id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id == "" {
		id = uuid.New().String()
	}
	alert := models.Alert{
		ID:        id,
		Type:      alertType,
		Title:     title,
		Message:   message,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	e.state.Widgets.Alerts = append([]models.Alert{alert}, e.state.Widgets.Alerts...)
	if len(e.state.Widgets.Alerts) > e.bounds.MaxAlerts {
		e.state.Widgets.Alerts = e.state.Widgets.Alerts[:e.bounds.MaxAlerts]
	}
	e.scheduleLocked()
	return id
}

// DismissAlert marks the alert dismissed. Unknown ids are a no-op.
func (e *Emitter) DismissAlert(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.state.Widgets.Alerts {
		if e.state.Widgets.Alerts[i].ID == id {
			e.state.Widgets.Alerts[i].Dismissed = true
			e.scheduleLocked()
			return
		}
	}
}

// ClearAlerts removes every alert.
func (e *Emitter) ClearAlerts() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Widgets.Alerts = nil
	e.scheduleLocked()
}

// ── Task Progress (tasks.ProgressSink) ───────────────────────

// TaskStarted mirrors a new task onto the dashboard. Immediate emit.
// Starts past the bound are dropped with a warning.
func (e *Emitter) TaskStarted(taskID, name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.state.ActiveTasks) >= e.bounds.MaxActiveTasks {
		log.Warn().Str("task_id", taskID).Int("max", e.bounds.MaxActiveTasks).
			Msg("Active task display slots exhausted, dropping")
		return
	}
	e.state.ActiveTasks = append(e.state.ActiveTasks, models.ActiveTask{
		ID:        taskID,
		Name:      name,
		State:     models.TaskRunning,
		StartedAt: e.now().UTC().Format(time.RFC3339),
	})
	e.emitNowLocked()
}

// TaskStepChanged updates step name and progress. Debounced.
func (e *Emitter) TaskStepChanged(taskID, stepName string, progress int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t := e.findTask(taskID); t != nil {
		t.CurrentStep = stepName
		t.Progress = clamp(progress)
		e.scheduleLocked()
	}
}

// TaskCompleted marks a task complete at 100%. Immediate emit.
func (e *Emitter) TaskCompleted(taskID string) {
	e.finishTask(taskID, models.TaskCompleted)
}

// TaskFailed marks a task failed and records its error. Immediate emit.
func (e *Emitter) TaskFailed(taskID, errMsg string) {
	e.mu.Lock()
	if t := e.findTask(taskID); t != nil && errMsg != "" {
		e.state.Errors["task:"+taskID] = errMsg
	}
	e.mu.Unlock()
	e.finishTask(taskID, models.TaskFailed)
}

// TaskCancelled marks a task cancelled. Immediate emit.
func (e *Emitter) TaskCancelled(taskID string) {
	e.finishTask(taskID, models.TaskCancelled)
}

// RemoveTask drops a task from the dashboard entirely.
func (e *Emitter) RemoveTask(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.state.ActiveTasks {
		if e.state.ActiveTasks[i].ID == taskID {
			e.state.ActiveTasks = append(e.state.ActiveTasks[:i], e.state.ActiveTasks[i+1:]...)
			e.scheduleLocked()
			return
		}
	}
}

func (e *Emitter) finishTask(taskID string, final models.TaskState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t := e.findTask(taskID); t != nil {
		t.State = final
		if final == models.TaskCompleted {
			t.Progress = 100
		}
		e.emitNowLocked()
	}
}

// findTask must be called with the mutex held.
func (e *Emitter) findTask(taskID string) *models.ActiveTask {
	for i := range e.state.ActiveTasks {
		if e.state.ActiveTasks[i].ID == taskID {
			return &e.state.ActiveTasks[i]
		}
	}
	return nil
}

// ── Gather Ingestion ─────────────────────────────────────────

// UpdateFromGather ingests one gather round: each agent result maps onto
// its widget, errors are replaced wholesale, and the snapshot emits
// immediately. Malformed artifacts null the widget and add an error entry
// instead of failing the gather.
func (e *Emitter) UpdateFromGather(navi, pulse, herald *models.AAPResult, errors map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.Errors = map[string]string{}
	for agent, msg := range errors {
		e.state.Errors[agent] = msg
	}

	if w := ingestWidget[models.ProjectStatusWidget](e, "navi", navi, "project_status"); w != nil {
		w.Progress = clamp(w.Progress)
		e.state.Widgets.ProjectStatus = w
	}
	if w := ingestWidget[models.MetricsWidget](e, "pulse", pulse, "metrics"); w != nil {
		e.state.Widgets.Metrics = w
	}
	if w := ingestWidget[models.ActivityWidget](e, "herald", herald, "activity"); w != nil {
		if len(w.Items) > e.bounds.MaxActivities {
			w.Items = w.Items[:e.bounds.MaxActivities]
			w.HasMore = true
		}
		e.state.Widgets.Activity = w
	}

	e.state.Loading = models.LoadingState{}
	e.emitNowLocked()
}

// ingestWidget extracts the artifact tagged with wantType from an agent
// result and decodes it into the widget type. A succeeded result that
// yields no widget gets an errors entry, never a silent nil. Must be
// called with the emitter mutex held.
func ingestWidget[T any](e *Emitter, agent string, res *models.AAPResult, wantType string) *T {
	if res == nil {
		return nil
	}
	if !res.Success {
		if res.Error != "" {
			e.state.Errors[agent] = res.Error
		}
		return nil
	}

	artifact, ok := pickArtifact(res.Artifacts, wantType)
	if !ok {
		e.state.Errors[agent] = "unrecognized artifact shape"
		return nil
	}

	payload, ok := artifact["data"]
	if !ok {
		payload = map[string]interface{}(artifact)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		e.state.Errors[agent] = "unreadable artifact: " + err.Error()
		return nil
	}
	var w T
	if err := json.Unmarshal(data, &w); err != nil {
		e.state.Errors[agent] = "malformed " + wantType + " artifact: " + err.Error()
		return nil
	}
	return &w
}

// pickArtifact prefers the artifact tagged wantType. An untagged first
// artifact is accepted leniently; an artifact tagged with some other
// type is not.
func pickArtifact(artifacts []models.Artifact, wantType string) (models.Artifact, bool) {
	for _, a := range artifacts {
		if a["type"] == wantType {
			return a, true
		}
	}
	if len(artifacts) > 0 {
		if _, tagged := artifacts[0]["type"]; !tagged {
			return artifacts[0], true
		}
	}
	return nil, false
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
