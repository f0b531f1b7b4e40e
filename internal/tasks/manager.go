// Package tasks executes multi-step work with uniform timeout, retry, and
// cancellation semantics.
//
// Each submitted task runs on its own goroutine behind a weighted
// semaphore. Steps run in order; a step sees the previous step's value and
// the shared task context. Cancellation is cooperative: a running step is
// allowed to unwind, later steps never start, and the in-flight step's
// final state is PENDING rather than FAILED.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// StepFunc is one step's handler. prev is the previous step's value (nil
// for the first step).
type StepFunc func(ctx context.Context, prev interface{}, taskContext map[string]interface{}) (interface{}, error)

// Step describes one unit of a task.
type Step struct {
	Name    string
	Handler StepFunc

	// Timeout caps one attempt; zero means the manager default.
	Timeout time.Duration

	// Retries is the number of additional attempts after a failure.
	Retries int
}

// ProgressSink receives task lifecycle notifications. The state emitter
// implements it; a nil sink disables reporting.
type ProgressSink interface {
	TaskStarted(taskID, name string)
	TaskStepChanged(taskID, stepName string, progress int)
	TaskCompleted(taskID string)
	TaskFailed(taskID, errMsg string)
	TaskCancelled(taskID string)
}

type task struct {
	id     string
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      models.TaskState
	cancelled  bool
	result     models.TaskResult
	finishedAt time.Time
}

// Manager runs submitted tasks with bounded concurrency.
type Manager struct {
	sem         *semaphore.Weighted
	stepTimeout time.Duration
	sink        ProgressSink

	mu    sync.Mutex
	tasks map[string]*task
}

// NewManager creates a task manager. maxConcurrent <= 0 falls back to
// models.DefaultMaxConcurrentTasks; stepTimeout <= 0 to
// models.DefaultStepTimeout.
func NewManager(maxConcurrent int, stepTimeout time.Duration, sink ProgressSink) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = models.DefaultMaxConcurrentTasks
	}
	if stepTimeout <= 0 {
		stepTimeout = models.DefaultStepTimeout
	}
	return &Manager{
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		stepTimeout: stepTimeout,
		sink:        sink,
		tasks:       make(map[string]*task),
	}
}

// ── Public API ───────────────────────────────────────────────

// SubmitTask enqueues a task and returns its id immediately. Execution
// starts once a semaphore slot frees up. overallTimeout <= 0 means no
// overall cap.
func (m *Manager) SubmitTask(ctx context.Context, name string, steps []Step, taskContext map[string]interface{}, overallTimeout time.Duration) string {
	runCtx := context.WithoutCancel(ctx)
	var cancelCause context.CancelFunc
	if overallTimeout > 0 {
		runCtx, cancelCause = context.WithTimeout(runCtx, overallTimeout)
	} else {
		runCtx, cancelCause = context.WithCancel(runCtx)
	}

	t := &task{
		id:     uuid.New().String(),
		name:   name,
		cancel: cancelCause,
		done:   make(chan struct{}),
		state:  models.TaskPending,
	}

	m.mu.Lock()
	m.tasks[t.id] = t
	m.mu.Unlock()

	go m.run(runCtx, t, steps, taskContext)
	return t.id
}

// WaitForTask blocks until the task reaches a terminal state and returns
// its result. Unknown ids yield a FAILED result, not an error.
func (m *Manager) WaitForTask(ctx context.Context, taskID string) models.TaskResult {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return models.TaskResult{
			TaskID: taskID,
			State:  models.TaskFailed,
			Error:  "task not found",
		}
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return models.TaskResult{TaskID: taskID, State: models.TaskRunning, Error: "wait cancelled"}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// CancelTask sets the cooperative cancellation flag. Cancelling a terminal
// or unknown task is a no-op and returns false.
func (m *Manager) CancelTask(taskID string) bool {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	t.mu.Unlock()

	t.cancel()
	log.Info().Str("task_id", taskID).Msg("Task cancellation requested")
	return true
}

// State returns the task's current state, or UNKNOWN=false for missing ids.
func (m *Manager) State(taskID string) (models.TaskState, bool) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, true
}

// CleanupCompleted removes terminal tasks older than maxAge and returns
// how many were removed.
func (m *Manager) CleanupCompleted(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, t := range m.tasks {
		t.mu.Lock()
		expired := t.state.Terminal() && t.finishedAt.Before(cutoff)
		t.mu.Unlock()
		if expired {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed
}

// ── Execution ────────────────────────────────────────────────

func (m *Manager) run(ctx context.Context, t *task, steps []Step, taskContext map[string]interface{}) {
	defer t.cancel()

	start := time.Now()
	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finish(t, models.TaskResult{
			TaskID:     t.id,
			State:      m.abortState(ctx, t),
			Error:      "task aborted before start",
			DurationMs: time.Since(start).Milliseconds(),
		})
		return
	}
	defer m.sem.Release(1)

	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		m.finish(t, models.TaskResult{
			TaskID:     t.id,
			State:      models.TaskCancelled,
			DurationMs: time.Since(start).Milliseconds(),
		})
		return
	}
	t.state = models.TaskRunning
	t.mu.Unlock()

	if m.sink != nil {
		m.sink.TaskStarted(t.id, t.name)
	}

	var (
		prev        interface{}
		stepResults []models.StepResult
	)
	for i, step := range steps {
		if m.isCancelled(t) {
			stepResults = append(stepResults, models.StepResult{Name: step.Name, State: models.TaskPending})
			m.finish(t, models.TaskResult{
				TaskID:      t.id,
				State:       models.TaskCancelled,
				DurationMs:  time.Since(start).Milliseconds(),
				StepResults: stepResults,
			})
			return
		}

		if m.sink != nil {
			m.sink.TaskStepChanged(t.id, step.Name, progress(i, len(steps)))
		}

		value, sr := m.runStep(ctx, step, prev, taskContext)
		stepResults = append(stepResults, sr)

		if sr.State != models.TaskCompleted {
			final := models.TaskFailed
			switch {
			case m.isCancelled(t):
				final = models.TaskCancelled
				// The interrupted attempt does not count as a failure.
				stepResults[len(stepResults)-1].State = models.TaskPending
			case errors.Is(ctx.Err(), context.DeadlineExceeded):
				final = models.TaskTimeout
			}
			m.finish(t, models.TaskResult{
				TaskID:      t.id,
				State:       final,
				Error:       sr.Error,
				DurationMs:  time.Since(start).Milliseconds(),
				StepResults: stepResults,
			})
			return
		}
		prev = value
	}

	m.finish(t, models.TaskResult{
		TaskID:      t.id,
		State:       models.TaskCompleted,
		Value:       prev,
		DurationMs:  time.Since(start).Milliseconds(),
		StepResults: stepResults,
	})
}

// runStep executes one step with its timeout and retry budget.
func (m *Manager) runStep(ctx context.Context, step Step, prev interface{}, taskContext map[string]interface{}) (interface{}, models.StepResult) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = m.stepTimeout
	}

	sr := models.StepResult{Name: step.Name}
	start := time.Now()
	attempts := step.Retries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		sr.Attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		value, err := step.Handler(attemptCtx, prev, taskContext)
		cancel()

		if err == nil {
			sr.State = models.TaskCompleted
			sr.Value = value
			sr.DurationMs = time.Since(start).Milliseconds()
			return value, sr
		}
		lastErr = err

		// The task deadline or a cancel ends the retry budget early.
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			log.Warn().
				Str("step", step.Name).
				Int("attempt", attempt).
				Err(err).
				Msg("Step attempt failed, retrying")
		}
	}

	sr.State = models.TaskFailed
	sr.Error = fmt.Sprintf("step %s failed after %d attempt(s): %v", step.Name, sr.Attempts, lastErr)
	sr.DurationMs = time.Since(start).Milliseconds()
	return nil, sr
}

func (m *Manager) finish(t *task, result models.TaskResult) {
	t.mu.Lock()
	t.state = result.State
	t.result = result
	t.finishedAt = time.Now()
	t.mu.Unlock()
	close(t.done)

	if m.sink != nil {
		switch result.State {
		case models.TaskCompleted:
			m.sink.TaskCompleted(t.id)
		case models.TaskCancelled:
			m.sink.TaskCancelled(t.id)
		default:
			m.sink.TaskFailed(t.id, result.Error)
		}
	}

	log.Info().
		Str("task_id", t.id).
		Str("name", t.name).
		Str("state", string(result.State)).
		Int64("duration_ms", result.DurationMs).
		Msg("Task finished")
}

func (m *Manager) isCancelled(t *task) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (m *Manager) abortState(ctx context.Context, t *task) models.TaskState {
	if m.isCancelled(t) {
		return models.TaskCancelled
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.TaskTimeout
	}
	return models.TaskCancelled
}

func progress(stepIndex, total int) int {
	if total == 0 {
		return 100
	}
	p := stepIndex * 100 / total
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p
}
