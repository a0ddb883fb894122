// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the agent gateway.
package api

import "encoding/json"

// Message types accepted on the envelope endpoint.
const (
	TypeTaskRequest       = "task_request"
	TypeDiscoveryRequest  = "agent_discovery_request"
	TypeStatusRequest     = "task_status_request"
	TypeCancelRequest     = "task_cancel_request"
	TypeAckRequest        = "task_ack_request"
	TypeTaskResponse      = "task_response"
	TypeDiscoveryResponse = "agent_discovery_response"
)

// Response statuses.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusAccepted  = "accepted"
)

// Stable error codes returned in the "code" field.
const (
	CodeMalformedEnvelope      = "MALFORMED_ENVELOPE"
	CodeMissingOperation       = "MISSING_OPERATION"
	CodeUnknownOperation       = "UNKNOWN_OPERATION"
	CodeInvalidParams          = "INVALID_PARAMS"
	CodeTaskNotFound           = "TASK_NOT_FOUND"
	CodeInvalidTransition      = "INVALID_TRANSITION"
	CodeDuplicateTask          = "DUPLICATE_TASK"
	CodeUnsupportedMessageType = "UNSUPPORTED_MESSAGE_TYPE"
	CodeTransportError         = "TRANSPORT_ERROR"
	CodeOperationFailed        = "OPERATION_FAILED"
	CodeInternalError          = "INTERNAL_ERROR"
)

// UnknownTaskID is echoed when a request carries no task id.
const UnknownTaskID = "unknown_task"

// Envelope is the top-level message exchanged on /api/a2a.
// Payload is kept raw so the gateway can report shape errors itself.
type Envelope struct {
	Type    any             `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Payload is the body of a request envelope.
type Payload struct {
	TaskID    string         `json:"task_id,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// TaskResponse answers every task-related envelope.
type TaskResponse struct {
	Type   string         `json:"type"`
	TaskID string         `json:"task_id"`
	Status string         `json:"status"`
	State  string         `json:"state,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	Code   string         `json:"code,omitempty"`
}

// DiscoveryResponse answers agent_discovery_request.
type DiscoveryResponse struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"task_id"`
	AgentCard AgentCard `json:"agent_card"`
}

// AgentCard describes what this agent can do.
type AgentCard struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description"`
	Capabilities []string          `json:"capabilities"`
	Operations   []OperationInfo   `json:"operations"`
	Endpoints    map[string]string `json:"endpoints"`
}

// OperationInfo lists one registered operation in the agent card.
type OperationInfo struct {
	Name           string   `json:"name"`
	Capability     string   `json:"capability"`
	RequiredParams []string `json:"required_params"`
	Idempotent     bool     `json:"idempotent"`
}

// ErrorResponse is the standard error response format for non-envelope routes.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
