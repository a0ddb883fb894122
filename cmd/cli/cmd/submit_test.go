package cmd

import (
	"net/http"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"podagent/pkg/api"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"pod_name=instag-1", "gpu_count=2", "force=true", "url=https://x/y?a=1&b=2", "empty="})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params["pod_name"] != "instag-1" {
		t.Errorf("expected string pod_name, got %#v", params["pod_name"])
	}
	if params["gpu_count"] != float64(2) {
		t.Errorf("expected numeric gpu_count, got %#v", params["gpu_count"])
	}
	if params["force"] != true {
		t.Errorf("expected boolean force, got %#v", params["force"])
	}
	if params["url"] != "https://x/y?a=1&b=2" {
		t.Errorf("expected url kept whole, got %#v", params["url"])
	}
	if params["empty"] != "" {
		t.Errorf("expected empty string, got %#v", params["empty"])
	}

	for _, bad := range []string{"novalue", "=value"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestSubmitCommand_Completed(t *testing.T) {
	resetViper()
	agent, _ := newFakeAgent(t, func(req received) (int, any) {
		return http.StatusOK, api.TaskResponse{
			Type:   api.TypeTaskResponse,
			TaskID: "task-1",
			Status: api.StatusCompleted,
			State:  "succeeded",
			Result: map[string]any{"status": "success", "pod_count": 0},
		}
	})
	viper.Set("token", "test-token")

	out := runCLI(t, "submit", "list_pods", "--task-id", "task-1", "--param", "limit=5")

	reqs := agent.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.Type != api.TypeTaskRequest || req.Payload.Operation != "list_pods" || req.Payload.TaskID != "task-1" {
		t.Errorf("unexpected envelope: %+v", req)
	}
	if req.Payload.Params["limit"] != float64(5) {
		t.Errorf("expected limit=5, got %#v", req.Payload.Params["limit"])
	}
	if req.Auth != "Bearer test-token" {
		t.Errorf("expected Bearer token, got %q", req.Auth)
	}
	for _, want := range []string{"task-1", "completed", "succeeded", "pod_count: 0"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
}

func TestSubmitCommand_NoTokenSendsNoAuthHeader(t *testing.T) {
	resetViper()
	agent, _ := newFakeAgent(t, func(req received) (int, any) {
		return http.StatusOK, api.TaskResponse{Type: api.TypeTaskResponse, TaskID: "t", Status: api.StatusCompleted}
	})

	runCLI(t, "submit", "list_pods")

	if auth := agent.Requests()[0].Auth; auth != "" {
		t.Errorf("expected no Authorization header, got %q", auth)
	}
}

func TestSubmitCommand_ErrorEnvelope(t *testing.T) {
	resetViper()
	newFakeAgent(t, func(req received) (int, any) {
		return http.StatusBadRequest, api.TaskResponse{
			Type:   api.TypeTaskResponse,
			TaskID: api.UnknownTaskID,
			Status: api.StatusError,
			Error:  "Unknown operation: nope",
			Code:   api.CodeUnknownOperation,
		}
	})

	out := runCLI(t, "submit", "nope")

	if !strings.Contains(out, "Unknown operation: nope") || !strings.Contains(out, api.CodeUnknownOperation) {
		t.Errorf("expected error and code in output, got: %s", out)
	}
}

func TestSubmitCommand_Unauthorized(t *testing.T) {
	resetViper()
	newFakeAgent(t, func(req received) (int, any) {
		return http.StatusUnauthorized, api.ErrorResponse{Error: "Invalid authorization token", Code: "UNAUTHORIZED"}
	})
	viper.Set("token", "wrong")

	out := runCLI(t, "submit", "list_pods")

	if !strings.Contains(out, "Submit failed (401): Invalid authorization token") {
		t.Errorf("expected unauthorized message, got: %s", out)
	}
}

func TestSubmitCommand_InvalidParam(t *testing.T) {
	resetViper()
	agent, _ := newFakeAgent(t, func(req received) (int, any) {
		return http.StatusOK, nil
	})

	out := runCLI(t, "submit", "list_pods", "--param", "broken")

	if !strings.Contains(out, "expected key=value") {
		t.Errorf("expected param error, got: %s", out)
	}
	if len(agent.Requests()) != 0 {
		t.Error("expected no request for invalid params")
	}
}

func TestSubmitCommand_WaitPollsUntilDone(t *testing.T) {
	resetViper()
	polls := 0
	agent, _ := newFakeAgent(t, func(req received) (int, any) {
		switch req.Type {
		case api.TypeTaskRequest:
			return http.StatusOK, api.TaskResponse{Type: api.TypeTaskResponse, TaskID: "slow-1", Status: api.StatusAccepted, State: "running"}
		case api.TypeStatusRequest:
			polls++
			if polls < 3 {
				return http.StatusOK, api.TaskResponse{Type: api.TypeTaskResponse, TaskID: "slow-1", Status: api.StatusAccepted, State: "running"}
			}
			return http.StatusOK, api.TaskResponse{
				Type: api.TypeTaskResponse, TaskID: "slow-1", Status: api.StatusCompleted, State: "succeeded",
				Result: map[string]any{"message": "done"},
			}
		}
		t.Errorf("unexpected message type %s", req.Type)
		return http.StatusBadRequest, nil
	})

	out := runCLI(t, "submit", "provision_pod", "-p", "pod_name=a", "--wait", "--poll-interval", "5ms", "--timeout", "5s")

	if !strings.Contains(out, "accepted, waiting") || !strings.Contains(out, "message: done") {
		t.Errorf("expected waiting and final result, got: %s", out)
	}
	reqs := agent.Requests()
	if len(reqs) != 4 {
		t.Fatalf("expected 1 submit and 3 polls, got %d requests", len(reqs))
	}
	if reqs[1].Payload.TaskID != "slow-1" {
		t.Errorf("expected polls for slow-1, got %q", reqs[1].Payload.TaskID)
	}
}

func TestSubmitCommand_WaitTimesOut(t *testing.T) {
	resetViper()
	newFakeAgent(t, func(req received) (int, any) {
		return http.StatusOK, api.TaskResponse{Type: api.TypeTaskResponse, TaskID: "slow-2", Status: api.StatusAccepted, State: "running"}
	})

	out := runCLI(t, "submit", "provision_pod", "--wait", "--poll-interval", "5ms", "--timeout", "50ms")

	if !strings.Contains(out, "Wait failed") {
		t.Errorf("expected wait failure, got: %s", out)
	}
}
