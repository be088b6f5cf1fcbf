// Package agent implements the per-backend HTTP client used by the dispatch
// engine: circuit breaker, bounded exponential-backoff retry, session
// lifecycle, and an optional server-sent event stream.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentdispatch/pkg/config"
	"agentdispatch/pkg/logx"
)

// Client wraps HTTP calls to one agent backend. All requests flow through
// the circuit breaker; transient failures are retried with exponential
// backoff, 4xx responses are not.
type Client struct {
	backendType string
	backend     config.BackendCfg
	clientCfg   config.ClientCfg
	httpClient  *http.Client
	breaker     *CircuitBreaker
	logger      *logx.Logger
	apiKey      string

	mu        sync.Mutex
	sessionID string

	events *eventStream // nil unless SSE is enabled.
}

// SessionStatus describes a backend session as reported by the backend.
type SessionStatus struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Model     string `json:"model,omitempty"`
}

// MessageResponse is the backend's reply to a sent message.
type MessageResponse struct {
	SessionID string         `json:"session_id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewClient builds a client for one backend type. onBreakerChange may be nil.
func NewClient(backendType string, backend config.BackendCfg, clientCfg config.ClientCfg, onBreakerChange StateChangeFunc) *Client {
	apiKey := ""
	if backend.APIKeyEnv != "" {
		if key, err := config.GetSecret(backend.APIKeyEnv); err == nil {
			apiKey = key
		} else {
			logx.Warnf("backend %s: no API key available (%v), proceeding without auth", backendType, err)
		}
	}

	c := &Client{
		backendType: backendType,
		backend:     backend,
		clientCfg:   clientCfg,
		httpClient:  &http.Client{Timeout: clientCfg.RequestTimeout},
		logger:      logx.NewLogger("client-" + backendType),
		apiKey:      apiKey,
	}
	c.breaker = NewCircuitBreaker(backendType, CircuitBreakerConfig{
		FailureThreshold: clientCfg.CircuitBreakerThreshold,
		SuccessThreshold: DefaultCircuitBreakerConfig.SuccessThreshold,
		Timeout:          clientCfg.CircuitBreakerTimeout,
	}, onBreakerChange)

	if backend.EnableSSE {
		c.events = newEventStream(backendType, backend.BaseURL, apiKey)
	}
	return c
}

// BackendType returns the opaque backend identifier this client talks to.
func (c *Client) BackendType() string {
	return c.backendType
}

// Breaker exposes circuit-breaker state for health surfaces.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Connected reports whether a logical session is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID != ""
}

// SessionID returns the current session id, empty when disconnected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

type startSessionRequest struct {
	AgentType   string   `json:"agent_type"`
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	Toolkits    []string `json:"toolkits,omitempty"`
}

type startSessionResponse struct {
	SessionID string `json:"session_id"`
}

// StartSession opens a logical session on the backend and remembers its id.
// Idempotent: an already open session is reused.
func (c *Client) StartSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.sessionID != "" {
		id := c.sessionID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	req := startSessionRequest{
		AgentType:   c.backendType,
		Model:       c.backend.Model,
		MaxTokens:   c.backend.MaxTokens,
		Temperature: c.backend.Temperature,
		Toolkits:    c.backend.Toolkits,
	}
	var resp startSessionResponse
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &resp); err != nil {
		return "", logx.Wrap(err, fmt.Sprintf("start session on %s", c.backendType))
	}

	c.mu.Lock()
	c.sessionID = resp.SessionID
	c.mu.Unlock()

	if c.events != nil {
		c.events.start()
	}

	c.logger.Info("session %s started", resp.SessionID)
	return resp.SessionID, nil
}

// StopSession closes the current session. A no-op when disconnected.
func (c *Client) StopSession(ctx context.Context) error {
	c.mu.Lock()
	id := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()

	if id == "" {
		return nil
	}

	if c.events != nil {
		c.events.stop()
	}

	if err := c.do(ctx, http.MethodDelete, "/sessions/"+id, nil, nil); err != nil {
		return logx.Wrap(err, fmt.Sprintf("stop session %s on %s", id, c.backendType))
	}
	c.logger.Info("session %s stopped", id)
	return nil
}

type sendMessageRequest struct {
	Message   string `json:"message"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
}

// SendMessage sends a message within the current session, auto-connecting
// first when no session is open. Auto-connect failure surfaces as
// ErrNotConnected.
func (c *Client) SendMessage(ctx context.Context, message, role string) (*MessageResponse, error) {
	c.mu.Lock()
	id := c.sessionID
	c.mu.Unlock()

	if id == "" {
		newID, err := c.StartSession(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		id = newID
	}

	req := sendMessageRequest{Message: message, Role: role, SessionID: id}
	var resp MessageResponse
	if err := c.do(ctx, http.MethodPost, "/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSessionStatus fetches the backend's view of the current session.
func (c *Client) GetSessionStatus(ctx context.Context) (*SessionStatus, error) {
	c.mu.Lock()
	id := c.sessionID
	c.mu.Unlock()

	if id == "" {
		return nil, ErrNotConnected
	}

	var status SessionStatus
	if err := c.do(ctx, http.MethodGet, "/sessions/"+id+"/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// HealthCheck performs a lightweight liveness probe. It deliberately bypasses
// the circuit breaker and retry layers so external monitors observe the raw
// backend state.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.backend.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode, Body: "health check"}
	}
	return nil
}

// Subscribe registers a listener for backend events. Returns an unsubscribe
// func. No-op (returns a no-op func) when SSE is disabled for this backend.
func (c *Client) Subscribe(listener EventListener) func() {
	if c.events == nil {
		return func() {}
	}
	return c.events.subscribe(listener)
}

// do executes one logical request: circuit breaker first, then bounded
// exponential-backoff retry around the network call. A fast-failing open
// circuit is returned immediately and never retried here; the task queue's
// own retry layer handles it later.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var lastErr error

	for attempt := 0; attempt <= c.clientCfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := c.clientCfg.RetryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			c.logger.Debug("retrying %s %s (attempt %d/%d)", method, path, attempt, c.clientCfg.RetryAttempts)
		}

		if err := c.breaker.Allow(); err != nil {
			return err
		}

		err := c.doOnce(ctx, method, path, body, out)
		c.breaker.RecordResult(err == nil)
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}
	}

	return &RetryExhaustedError{Attempts: c.clientCfg.RetryAttempts + 1, LastErr: lastErr}
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.backend.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// shouldRetry classifies an error as transient. 4xx responses are permanent;
// everything else (network errors, 5xx, timeouts) is worth another attempt.
func shouldRetry(err error) bool {
	if httpErr, ok := err.(*HTTPError); ok { //nolint:errorlint // doOnce returns it unwrapped.
		return !httpErr.IsClientError()
	}
	return true
}
