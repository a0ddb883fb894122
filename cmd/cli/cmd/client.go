package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"podagent/pkg/api"
)

// AgentClient sends envelopes to the agent's /api/a2a endpoint.
type AgentClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewAgentClient creates a new client with the given base URL and token.
func NewAgentClient(baseURL, token string) *AgentClient {
	return &AgentClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents a response that is not an agent envelope,
// such as an authentication or rate limit rejection.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

type envelope struct {
	Type    string      `json:"type"`
	Payload api.Payload `json:"payload"`
}

// send posts one envelope and returns the raw response body.
// Error envelopes come back with a 4xx/5xx status but are still valid responses.
func (c *AgentClient) send(ctx context.Context, msgType string, payload api.Payload) ([]byte, error) {
	bodyBytes, err := json.Marshal(envelope{Type: msgType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/a2a", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}
	return respBody, nil
}

func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}

// Task sends a task-scoped envelope and decodes the task_response.
func (c *AgentClient) Task(ctx context.Context, msgType string, payload api.Payload) (*api.TaskResponse, error) {
	body, err := c.send(ctx, msgType, payload)
	if err != nil {
		return nil, err
	}

	var result api.TaskResponse
	if err := json.Unmarshal(body, &result); err != nil || result.Type == "" {
		return nil, fmt.Errorf("failed to parse response: %s", body)
	}
	return &result, nil
}

// Submit sends a task_request.
func (c *AgentClient) Submit(ctx context.Context, taskID, operation string, params map[string]any) (*api.TaskResponse, error) {
	return c.Task(ctx, api.TypeTaskRequest, api.Payload{TaskID: taskID, Operation: operation, Params: params})
}

// Status sends a task_status_request.
func (c *AgentClient) Status(ctx context.Context, taskID string) (*api.TaskResponse, error) {
	return c.Task(ctx, api.TypeStatusRequest, api.Payload{TaskID: taskID})
}

// Cancel sends a task_cancel_request.
func (c *AgentClient) Cancel(ctx context.Context, taskID string) (*api.TaskResponse, error) {
	return c.Task(ctx, api.TypeCancelRequest, api.Payload{TaskID: taskID})
}

// Ack sends a task_ack_request.
func (c *AgentClient) Ack(ctx context.Context, taskID string) (*api.TaskResponse, error) {
	return c.Task(ctx, api.TypeAckRequest, api.Payload{TaskID: taskID})
}

// Discover sends an agent_discovery_request.
func (c *AgentClient) Discover(ctx context.Context) (*api.DiscoveryResponse, error) {
	body, err := c.send(ctx, api.TypeDiscoveryRequest, api.Payload{})
	if err != nil {
		return nil, err
	}

	var result api.DiscoveryResponse
	if err := json.Unmarshal(body, &result); err != nil || result.Type != api.TypeDiscoveryResponse {
		return nil, fmt.Errorf("failed to parse response: %s", body)
	}
	return &result, nil
}

// WaitTask polls the task until the agent no longer reports it as accepted.
func (c *AgentClient) WaitTask(ctx context.Context, taskID string, interval time.Duration) (*api.TaskResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		resp, err := c.Status(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if resp.Status != api.StatusAccepted {
			return resp, nil
		}
	}
}
