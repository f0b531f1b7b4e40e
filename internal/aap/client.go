// Package aap implements the outbound side of the agent-to-agent protocol:
// JSON-RPC 2.0 over HTTP with a single method, sendTask.
//
// The client never returns a Go error for protocol or transport failures.
// Every call produces exactly one AAPResult; failures populate Error and
// ErrorKind so that fan-out paths keep their partial successes.
package aap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/registry"
	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

// maxParallelCalls bounds a single fan-out, not the client as a whole.
const maxParallelCalls = 16

// rpcRequest is the JSON-RPC 2.0 envelope for sendTask.
type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      string    `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Task    string                 `json:"task"`
	Context map[string]interface{} `json:"context,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResult struct {
	Content   string            `json:"content"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
	Artifacts []models.Artifact `json:"artifacts,omitempty"`
}

// Client posts sendTask calls to agents resolved through the registry.
// One long-lived HTTP client backs all calls; a per-agent circuit breaker
// short-circuits agents that fail repeatedly.
type Client struct {
	registry *registry.Registry
	http     *http.Client
	timeout  time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient creates an AAP client. timeout <= 0 falls back to
// models.DefaultAAPTaskTimeout.
func NewClient(reg *registry.Registry, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = models.DefaultAAPTaskTimeout
	}
	return &Client{
		registry: reg,
		http:     &http.Client{},
		timeout:  timeout,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Close releases pooled HTTP connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) breaker(agentID string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[agentID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    agentID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("agent", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("AAP circuit breaker state change")
		},
	})
	c.breakers[agentID] = cb
	return cb
}

// CallAgent resolves the agent's URL, posts one sendTask envelope, and
// awaits the response. timeout <= 0 uses the client default. The returned
// result is failure-shaped on timeout, connection error, HTTP >= 400, and
// JSON-RPC error envelopes; it never panics or returns a Go error.
func (c *Client) CallAgent(ctx context.Context, agentID, task string, taskContext map[string]interface{}, timeout time.Duration) models.AAPResult {
	start := time.Now()

	card, ok := c.registry.Get(agentID)
	if !ok {
		return failure(agentID, start, models.ErrNotFound, fmt.Sprintf("agent %q not found in registry", agentID))
	}

	if timeout <= 0 {
		timeout = c.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := c.breaker(agentID).Execute(func() (interface{}, error) {
		return c.post(callCtx, card.URL, task, taskContext)
	})
	if err != nil {
		kind, msg := classify(callCtx, ctx, err)
		if kind != models.ErrCancelled {
			log.Warn().Str("agent", agentID).Str("kind", string(kind)).Err(err).Msg("AAP call failed")
		}
		return failure(agentID, start, kind, msg)
	}

	res := out.(*rpcResult)
	return models.AAPResult{
		AgentID:    agentID,
		Success:    true,
		Content:    res.Content,
		ToolCalls:  res.ToolCalls,
		Artifacts:  res.Artifacts,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// post performs the HTTP exchange and decodes the JSON-RPC envelope.
func (c *Client) post(ctx context.Context, url, task string, taskContext map[string]interface{}) (*rpcResult, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  "sendTask",
		Params:  rpcParams{Task: task, Context: taskContext},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return nil, &httpError{status: resp.StatusCode}
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC response: %w", err)
	}
	if envelope.Error != nil {
		return nil, &agentError{code: envelope.Error.Code, message: envelope.Error.Message}
	}

	var res rpcResult
	if len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, &res); err != nil {
			return nil, fmt.Errorf("invalid sendTask result: %w", err)
		}
	}
	return &res, nil
}

// CallAgentsParallel runs every request concurrently and returns one result
// per agent_id, failed ones included. One agent's failure never cancels the
// others; wall time is bounded by the slowest call. An outer cancellation
// cancels all in-flight requests, which then report CANCELLED.
func (c *Client) CallAgentsParallel(ctx context.Context, requests []models.AAPRequest, perCallTimeout time.Duration) map[string]models.AAPResult {
	results := make(map[string]models.AAPResult, len(requests))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelCalls)

	for _, req := range requests {
		req := req
		g.Go(func() error {
			res := c.CallAgent(gctx, req.AgentID, req.Task, req.Context, perCallTimeout)
			mu.Lock()
			results[req.AgentID] = res
			mu.Unlock()
			// Failures stay inside the result so siblings keep running.
			return nil
		})
	}
	g.Wait()
	return results
}

// ── Error Classification ─────────────────────────────────────

type httpError struct{ status int }

func (e *httpError) Error() string { return fmt.Sprintf("HTTP %d", e.status) }

type agentError struct {
	code    int
	message string
}

func (e *agentError) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.code, e.message)
}

func classify(callCtx, outerCtx context.Context, err error) (models.ErrorKind, string) {
	switch {
	case outerCtx.Err() != nil && errors.Is(outerCtx.Err(), context.Canceled):
		return models.ErrCancelled, "call cancelled"
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return models.ErrTimeout, "call timed out"
	case errors.Is(err, context.Canceled):
		return models.ErrCancelled, "call cancelled"
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		return models.ErrConnection, "circuit breaker open"
	}

	var ae *agentError
	if errors.As(err, &ae) {
		return models.ErrInternal, ae.Error()
	}
	var he *httpError
	if errors.As(err, &he) {
		return models.ErrConnection, he.Error()
	}
	return models.ErrConnection, err.Error()
}

func failure(agentID string, start time.Time, kind models.ErrorKind, msg string) models.AAPResult {
	return models.AAPResult{
		AgentID:    agentID,
		Success:    false,
		Error:      msg,
		ErrorKind:  kind,
		DurationMs: time.Since(start).Milliseconds(),
	}
}
