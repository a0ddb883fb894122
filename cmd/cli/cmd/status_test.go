package cmd

import (
	"net/http"
	"strings"
	"testing"

	"podagent/pkg/api"
)

func TestStatusCommand_Success(t *testing.T) {
	resetViper()
	agent, _ := newFakeAgent(t, func(req received) (int, any) {
		return http.StatusOK, api.TaskResponse{
			Type:   api.TypeTaskResponse,
			TaskID: req.Payload.TaskID,
			Status: api.StatusCompleted,
			State:  "succeeded",
			Result: map[string]any{"pod_id": "abc123", "gpu": map[string]any{"count": 1}},
		}
	})

	out := runCLI(t, "status", "task-123")

	req := agent.Requests()[0]
	if req.Type != api.TypeStatusRequest || req.Payload.TaskID != "task-123" {
		t.Errorf("unexpected envelope: %+v", req)
	}
	for _, want := range []string{"task-123", "succeeded", "pod_id: abc123", `gpu: {"count":1}`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
	if strings.Contains(out, "Error:") {
		t.Errorf("expected no Error line, got: %s", out)
	}
}

func TestStatusCommand_NotFound(t *testing.T) {
	resetViper()
	newFakeAgent(t, func(req received) (int, any) {
		return http.StatusNotFound, api.TaskResponse{
			Type: api.TypeTaskResponse, TaskID: "missing", Status: api.StatusError,
			Error: "Task not found: missing", Code: api.CodeTaskNotFound,
		}
	})

	out := runCLI(t, "status", "missing")

	if !strings.Contains(out, "Task not found: missing") || !strings.Contains(out, api.CodeTaskNotFound) {
		t.Errorf("expected not found error, got: %s", out)
	}
}

func TestStatusCommand_ServerDown(t *testing.T) {
	resetViper()
	_, server := newFakeAgent(t, func(req received) (int, any) { return http.StatusOK, nil })
	server.Close()

	out := runCLI(t, "status", "task-1")

	if !strings.Contains(out, "Status failed") {
		t.Errorf("expected request failure, got: %s", out)
	}
}

func TestStatusCommand_UnparseableResponse(t *testing.T) {
	resetViper()
	newFakeAgent(t, func(req received) (int, any) {
		return http.StatusInternalServerError, map[string]string{"unexpected": "shape"}
	})

	out := runCLI(t, "status", "task-1")

	if !strings.Contains(out, "failed to parse response") {
		t.Errorf("expected parse failure, got: %s", out)
	}
}

func TestStatusCommand_RequiresTaskID(t *testing.T) {
	resetViper()
	root := NewRootCmd()
	root.SetArgs([]string{"status"})
	var out strings.Builder
	root.SetOut(&out)
	root.SetErr(&out)

	if err := root.Execute(); err == nil {
		t.Error("expected error without task id")
	}
}
