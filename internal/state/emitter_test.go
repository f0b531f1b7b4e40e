package state_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/state"
	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureWriter records every snapshot it receives.
type captureWriter struct {
	mu        sync.Mutex
	snapshots []map[string]interface{}
}

func (c *captureWriter) write(snapshot map[string]interface{}) {
	c.mu.Lock()
	c.snapshots = append(c.snapshots, snapshot)
	c.mu.Unlock()
}

func (c *captureWriter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snapshots)
}

func (c *captureWriter) last() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snapshots) == 0 {
		return nil
	}
	return c.snapshots[len(c.snapshots)-1]
}

func newEmitter(w *captureWriter, debounce time.Duration) *state.Emitter {
	return state.NewEmitter(w.write, debounce, state.Bounds{})
}

// ─── Emission ────────────────────────────────────────────────

func TestDebounceCoalescesUpdates(t *testing.T) {
	w := &captureWriter{}
	e := newEmitter(w, 50*time.Millisecond)

	// Two mutations inside one window produce exactly one emission.
	e.SetError("navi", "x")
	e.SetError("pulse", "y")

	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, 0, w.count(), "emitted before the debounce window closed")

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, w.count())

	errs := w.last()["errors"].(map[string]interface{})
	assert.Equal(t, "x", errs["navi"])
	assert.Equal(t, "y", errs["pulse"])
}

func TestEmitNowCancelsPendingWindow(t *testing.T) {
	w := &captureWriter{}
	e := newEmitter(w, 50*time.Millisecond)

	e.SetError("navi", "x")
	e.EmitNow()
	require.Equal(t, 1, w.count())

	// The cancelled timer must not fire a second emission.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, w.count())
}

func TestSnapshotShape(t *testing.T) {
	w := &captureWriter{}
	e := newEmitter(w, time.Millisecond)

	e.SetProjectStatus(&models.ProjectStatusWidget{
		Name: "Apollo", Phase: models.PhaseAtRisk, Progress: 62,
	})
	e.EmitNow()

	snap := w.last()
	require.NotNil(t, snap)
	assert.Equal(t, float64(models.StateSchemaVersion), snap["version"])
	assert.NotZero(t, snap["timestampMs"])

	widgets := snap["widgets"].(map[string]interface{})
	ps := widgets["projectStatus"].(map[string]interface{})
	assert.Equal(t, "Apollo", ps["name"])
	assert.Equal(t, "at-risk", ps["phase"], "enums must serialize to their string values")

	// Absent widgets are omitted, not null.
	_, hasMetrics := widgets["metrics"]
	assert.False(t, hasMetrics)
	// Errors is always present, even when empty.
	_, hasErrors := snap["errors"]
	assert.True(t, hasErrors)
}

// ─── Widgets & Bounds ────────────────────────────────────────

func TestSetActivity_Truncates(t *testing.T) {
	w := &captureWriter{}
	e := state.NewEmitter(w.write, time.Millisecond, state.Bounds{MaxActivities: 3})

	var items []models.ActivityItem
	for i := 0; i < 5; i++ {
		items = append(items, models.ActivityItem{ID: fmt.Sprintf("a%d", i), Summary: "s"})
	}
	e.SetActivity(items, false)
	e.EmitNow()

	widgets := w.last()["widgets"].(map[string]interface{})
	activity := widgets["activity"].(map[string]interface{})
	assert.Len(t, activity["items"], 3)
	assert.Equal(t, true, activity["hasMore"], "truncation must set hasMore")
}

func TestAddAlert_DropsTailNotHead(t *testing.T) {
	w := &captureWriter{}
	e := state.NewEmitter(w.write, time.Millisecond, state.Bounds{MaxAlerts: 3})

	for i := 0; i < 3; i++ {
		e.AddAlert(models.AlertInfo, fmt.Sprintf("t%d", i), "", fmt.Sprintf("al%d", i))
	}
	e.AddAlert(models.AlertWarning, "newest", "", "al-new")
	e.EmitNow()

	widgets := w.last()["widgets"].(map[string]interface{})
	alerts := widgets["alerts"].([]interface{})
	require.Len(t, alerts, 3)
	head := alerts[0].(map[string]interface{})
	assert.Equal(t, "al-new", head["id"], "newest alert must survive at the head")
	tail := alerts[2].(map[string]interface{})
	assert.Equal(t, "al1", tail["id"], "oldest alert must be the one dropped")
}

func TestDismissAndClearAlerts(t *testing.T) {
	w := &captureWriter{}
	e := newEmitter(w, time.Millisecond)

	id := e.AddAlert(models.AlertError, "broken", "details", "")
	require.NotEmpty(t, id)
	e.DismissAlert(id)
	e.EmitNow()

	widgets := w.last()["widgets"].(map[string]interface{})
	alerts := widgets["alerts"].([]interface{})
	require.Len(t, alerts, 1)
	assert.Equal(t, true, alerts[0].(map[string]interface{})["dismissed"])

	e.ClearAlerts()
	e.EmitNow()
	widgets = w.last()["widgets"].(map[string]interface{})
	assert.Empty(t, widgets["alerts"])
}

// ─── Task Progress ───────────────────────────────────────────

func TestTaskLifecycleOnDashboard(t *testing.T) {
	w := &captureWriter{}
	e := newEmitter(w, time.Millisecond)

	e.TaskStarted("t1", "deploy")
	require.Equal(t, 1, w.count(), "task start must emit immediately")

	e.TaskStepChanged("t1", "build", 150) // clamped to 100
	e.TaskCompleted("t1")

	tasksList := w.last()["activeTasks"].([]interface{})
	require.Len(t, tasksList, 1)
	task := tasksList[0].(map[string]interface{})
	assert.Equal(t, "completed", task["state"])
	assert.Equal(t, float64(100), task["progress"])

	e.RemoveTask("t1")
	e.EmitNow()
	assert.Empty(t, w.last()["activeTasks"])
}

func TestTaskProgressClamped(t *testing.T) {
	w := &captureWriter{}
	e := newEmitter(w, time.Millisecond)

	e.TaskStarted("t1", "x")
	e.TaskStepChanged("t1", "s", -20)
	e.EmitNow()

	task := w.last()["activeTasks"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, float64(0), task["progress"])
}

func TestTaskStartBound(t *testing.T) {
	w := &captureWriter{}
	e := state.NewEmitter(w.write, time.Millisecond, state.Bounds{MaxActiveTasks: 2})

	e.TaskStarted("t1", "a")
	e.TaskStarted("t2", "b")
	e.TaskStarted("t3", "c") // dropped
	e.EmitNow()

	assert.Len(t, w.last()["activeTasks"], 2)
}

// ─── Loading & Gather ────────────────────────────────────────

func TestSetLoading(t *testing.T) {
	w := &captureWriter{}
	e := newEmitter(w, time.Millisecond)

	e.SetLoading(true, []string{"navi", "pulse"})
	loading := w.last()["loading"].(map[string]interface{})
	assert.Equal(t, true, loading["isLoading"])
	assert.NotEmpty(t, loading["startedAt"])

	e.SetLoading(false, nil)
	loading = w.last()["loading"].(map[string]interface{})
	assert.Equal(t, false, loading["isLoading"])
	_, hasStarted := loading["startedAt"]
	assert.False(t, hasStarted, "startedAt must clear when loading ends")
}

func gatherResult(agent, artifactType string, data map[string]interface{}) *models.AAPResult {
	return &models.AAPResult{
		AgentID: agent,
		Success: true,
		Artifacts: []models.Artifact{{
			"type": artifactType,
			"data": data,
		}},
	}
}

func TestUpdateFromGather(t *testing.T) {
	w := &captureWriter{}
	e := newEmitter(w, time.Millisecond)

	navi := gatherResult("navi", "project_status", map[string]interface{}{
		"name": "Apollo", "phase": "on-track", "progress": 80,
	})
	pulse := gatherResult("pulse", "metrics", map[string]interface{}{
		"metrics": []map[string]interface{}{
			{"id": "uptime", "label": "Uptime", "value": 99.95, "unit": "%", "trend": "up"},
		},
	})
	herald := &models.AAPResult{AgentID: "herald", Success: false, Error: "herald is down"}

	e.UpdateFromGather(navi, pulse, herald, nil)

	require.Equal(t, 1, w.count(), "gather must emit exactly once, immediately")
	snap := w.last()
	widgets := snap["widgets"].(map[string]interface{})

	ps := widgets["projectStatus"].(map[string]interface{})
	assert.Equal(t, "Apollo", ps["name"])

	metrics := widgets["metrics"].(map[string]interface{})["metrics"].([]interface{})
	require.Len(t, metrics, 1)
	assert.Equal(t, "uptime", metrics[0].(map[string]interface{})["id"])

	errs := snap["errors"].(map[string]interface{})
	assert.Equal(t, "herald is down", errs["herald"])
	_, hasActivity := widgets["activity"]
	assert.False(t, hasActivity, "failed agent must not produce a widget")
}

func TestUpdateFromGather_AllNull(t *testing.T) {
	w := &captureWriter{}
	e := newEmitter(w, time.Millisecond)

	e.SetError("stale", "old error")
	e.UpdateFromGather(nil, nil, nil, nil)

	snap := w.last()
	errs := snap["errors"].(map[string]interface{})
	assert.Empty(t, errs, "gather must replace errors wholesale")
	widgets := snap["widgets"].(map[string]interface{})
	_, hasPS := widgets["projectStatus"]
	assert.False(t, hasPS)
}

func TestUpdateFromGather_MalformedArtifact(t *testing.T) {
	w := &captureWriter{}
	e := newEmitter(w, time.Millisecond)

	bad := &models.AAPResult{
		AgentID: "navi",
		Success: true,
		Artifacts: []models.Artifact{{
			"type": "project_status",
			"data": map[string]interface{}{"progress": "not-a-number"},
		}},
	}
	e.UpdateFromGather(bad, nil, nil, nil)

	snap := w.last()
	widgets := snap["widgets"].(map[string]interface{})
	_, hasPS := widgets["projectStatus"]
	assert.False(t, hasPS, "malformed artifact must yield a nil widget")
	errs := snap["errors"].(map[string]interface{})
	assert.Contains(t, errs["navi"], "malformed")
}

func TestUpdateFromGather_UnrecognizedArtifactType(t *testing.T) {
	w := &captureWriter{}
	e := newEmitter(w, time.Millisecond)

	// Success with an artifact tagged as something else entirely.
	bogus := &models.AAPResult{
		AgentID: "navi",
		Success: true,
		Artifacts: []models.Artifact{{
			"type": "bogus",
			"data": map[string]interface{}{"name": "Apollo"},
		}},
	}
	e.UpdateFromGather(bogus, nil, nil, nil)

	snap := w.last()
	widgets := snap["widgets"].(map[string]interface{})
	_, hasPS := widgets["projectStatus"]
	assert.False(t, hasPS, "mistagged artifact must yield a nil widget")
	errs := snap["errors"].(map[string]interface{})
	assert.Contains(t, errs, "navi", "unrecognized shape must be recorded as an error")
}

func TestUpdateFromGather_UntaggedArtifactAccepted(t *testing.T) {
	w := &captureWriter{}
	e := newEmitter(w, time.Millisecond)

	// No type tag at all: the first artifact's top-level keys are taken
	// as the widget shape.
	untagged := &models.AAPResult{
		AgentID: "navi",
		Success: true,
		Artifacts: []models.Artifact{{
			"name": "Apollo", "phase": "on-track", "progress": float64(80),
		}},
	}
	e.UpdateFromGather(untagged, nil, nil, nil)

	snap := w.last()
	widgets := snap["widgets"].(map[string]interface{})
	ps, hasPS := widgets["projectStatus"].(map[string]interface{})
	require.True(t, hasPS)
	assert.Equal(t, "Apollo", ps["name"])
	errs := snap["errors"].(map[string]interface{})
	assert.NotContains(t, errs, "navi")
}
