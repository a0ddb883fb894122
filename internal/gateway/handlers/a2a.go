package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"podagent/internal/logger"
	"podagent/internal/store"
	"podagent/internal/tracker"
	"podagent/internal/transport"
	"podagent/internal/worker"
	"podagent/pkg/api"
)

// request is a decoded envelope. Payload fields keep their raw JSON types
// so shape errors can be reported per field.
type request struct {
	Type    string
	TaskID  string
	Payload map[string]any
}

// A2A handles POST /api/a2a.
// Envelope shape errors answer 400; every other failure is a typed task_response with 200.
func (h *Handlers) A2A(w http.ResponseWriter, r *http.Request) {
	req, errResp := h.decode(w, r)
	if errResp != nil {
		h.respondJson(w, http.StatusBadRequest, errResp)
		return
	}

	log := logger.FromContext(r.Context(), h.logger).With("type", req.Type, "task_id", req.TaskID)
	log.Debug("envelope received")

	var (
		status = http.StatusOK
		resp   any
	)
	switch req.Type {
	case api.TypeTaskRequest:
		status, resp = h.taskRequest(r.Context(), req)
	case api.TypeDiscoveryRequest:
		resp = api.DiscoveryResponse{
			Type:      api.TypeDiscoveryResponse,
			TaskID:    idOrUnknown(req.TaskID),
			AgentCard: h.card,
		}
	case api.TypeStatusRequest:
		resp = h.statusRequest(r.Context(), req)
	case api.TypeCancelRequest:
		resp = h.cancelRequest(r.Context(), req)
	case api.TypeAckRequest:
		resp = h.ackRequest(r.Context(), req)
	default:
		log.Warn("unsupported message type")
		resp = errorResponse(req.TaskID, api.CodeUnsupportedMessageType, "Unsupported message type: "+req.Type)
	}

	if tr, ok := resp.(api.TaskResponse); ok && tr.Status == api.StatusError {
		log.Info("request rejected", "code", tr.Code, "error", tr.Error)
	}
	h.respondJson(w, status, resp)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request) (request, *api.TaskResponse) {
	malformed := func(msg string) *api.TaskResponse {
		resp := errorResponse("", api.CodeMalformedEnvelope, msg)
		return &resp
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		return request{}, malformed("Invalid message format")
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return request{}, malformed("Invalid message format")
	}

	var env api.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return request{}, malformed("Invalid message format")
	}

	var req request
	if raw := bytes.TrimSpace(env.Payload); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if raw[0] != '{' {
			return request{}, malformed("Invalid message format")
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&req.Payload); err != nil {
			return request{}, malformed("Invalid message format")
		}
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	req.TaskID, _ = req.Payload["task_id"].(string)

	typ, ok := env.Type.(string)
	if !ok || typ == "" {
		resp := errorResponse(req.TaskID, api.CodeMalformedEnvelope, "Missing or invalid 'type' field")
		return request{}, &resp
	}
	req.Type = typ
	return req, nil
}

func (h *Handlers) taskRequest(ctx context.Context, req request) (int, any) {
	op, ok := req.Payload["operation"].(string)
	if !ok || op == "" {
		return http.StatusOK, errorResponse(req.TaskID, api.CodeMissingOperation, "Missing 'operation' field")
	}

	var params map[string]any
	switch p := req.Payload["params"].(type) {
	case nil:
		params = map[string]any{}
	case map[string]any:
		params = normalizeNumbers(p).(map[string]any)
	default:
		return http.StatusOK, errorResponse(req.TaskID, api.CodeInvalidParams, "Invalid params: params must be an object")
	}

	desc, err := h.registry.Resolve(op)
	if err != nil {
		return http.StatusOK, errorResponse(req.TaskID, api.CodeUnknownOperation, "Unknown operation: "+op)
	}
	if err := h.registry.Validate(desc, params); err != nil {
		return http.StatusOK, errorResponse(req.TaskID, api.CodeInvalidParams, "Invalid params: "+err.Error())
	}

	id := req.TaskID
	if id == "" {
		id = uuid.NewString()
	}

	task, err := h.dispatcher.Submit(ctx, desc, id, params)
	switch {
	case errors.Is(err, tracker.ErrDuplicateTask):
		existing, getErr := h.tracker.Get(ctx, id)
		if getErr != nil {
			return http.StatusOK, errorResponse(id, api.CodeDuplicateTask, fmt.Sprintf("Task %s already exists", id))
		}
		if existing.Operation != op {
			return http.StatusOK, errorResponse(id, api.CodeDuplicateTask,
				fmt.Sprintf("Task %s already exists for operation %s", id, existing.Operation))
		}
		// Same id and operation: a retry of the original request.
		task = existing
	case errors.Is(err, worker.ErrDraining):
		return http.StatusServiceUnavailable, errorResponse(id, api.CodeInternalError, "Agent is shutting down")
	case err != nil:
		return http.StatusInternalServerError, errorResponse(id, api.CodeInternalError, "Internal server error")
	}

	return http.StatusOK, taskResponse(h.wait(ctx, task))
}

// wait gives the task up to syncWait to finish so quick operations answer in one round trip.
func (h *Handlers) wait(ctx context.Context, task store.Task) store.Task {
	if task.Status.Terminal() || h.syncWait <= 0 {
		return task
	}
	waitCtx, cancel := context.WithTimeout(ctx, h.syncWait)
	defer cancel()
	latest, err := h.tracker.Wait(waitCtx, task.ID)
	if err != nil {
		return task
	}
	return latest
}

func (h *Handlers) statusRequest(ctx context.Context, req request) api.TaskResponse {
	if req.TaskID == "" {
		return errorResponse("", api.CodeInvalidParams, "Missing 'task_id' field")
	}
	task, err := h.tracker.Get(ctx, req.TaskID)
	if err != nil {
		return lookupError(req.TaskID, err)
	}
	return taskResponse(task)
}

func (h *Handlers) cancelRequest(ctx context.Context, req request) api.TaskResponse {
	if req.TaskID == "" {
		return errorResponse("", api.CodeInvalidParams, "Missing 'task_id' field")
	}
	task, err := h.dispatcher.Cancel(ctx, req.TaskID)
	if err != nil {
		return lookupError(req.TaskID, err)
	}
	return taskResponse(task)
}

func (h *Handlers) ackRequest(ctx context.Context, req request) api.TaskResponse {
	if req.TaskID == "" {
		return errorResponse("", api.CodeInvalidParams, "Missing 'task_id' field")
	}
	task, err := h.tracker.Ack(ctx, req.TaskID)
	if errors.Is(err, tracker.ErrInvalidTransition) {
		return errorResponse(req.TaskID, api.CodeInvalidTransition, fmt.Sprintf("Task %s is still in progress", req.TaskID))
	}
	if err != nil && task.ID == "" {
		return lookupError(req.TaskID, err)
	}
	if err != nil {
		h.logger.Warn("archived task not deleted", "task_id", req.TaskID, "error", err)
	}
	return api.TaskResponse{
		Type:   api.TypeTaskResponse,
		TaskID: task.ID,
		Status: api.StatusCompleted,
		State:  string(task.Status),
		Result: map[string]any{"message": fmt.Sprintf("Task %s acknowledged.", task.ID)},
	}
}

func lookupError(id string, err error) api.TaskResponse {
	if errors.Is(err, tracker.ErrTaskNotFound) {
		return errorResponse(id, api.CodeTaskNotFound, "Task not found: "+id)
	}
	return errorResponse(id, api.CodeInternalError, "Internal server error")
}

// taskResponse renders the current state of a task.
func taskResponse(task store.Task) api.TaskResponse {
	resp := api.TaskResponse{
		Type:   api.TypeTaskResponse,
		TaskID: task.ID,
		State:  string(task.Status),
	}
	switch task.Status {
	case store.TaskStatusSucceeded:
		resp.Status = api.StatusCompleted
		resp.Result = task.Result
	case store.TaskStatusFailed:
		resp.Status = api.StatusError
		resp.Error = "Operation failed: " + task.Error
		resp.Code = api.CodeOperationFailed
		if strings.Contains(task.Error, transport.ErrorPrefix) {
			resp.Code = api.CodeTransportError
		}
	default:
		resp.Status = api.StatusAccepted
	}
	return resp
}

func errorResponse(taskID, code, message string) api.TaskResponse {
	return api.TaskResponse{
		Type:   api.TypeTaskResponse,
		TaskID: idOrUnknown(taskID),
		Status: api.StatusError,
		Error:  message,
		Code:   code,
	}
}

func idOrUnknown(id string) string {
	if id == "" {
		return api.UnknownTaskID
	}
	return id
}

// normalizeNumbers turns json.Number values into int64 when integral, float64 otherwise.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeNumbers(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeNumbers(val)
		}
		return out
	}
	return v
}
