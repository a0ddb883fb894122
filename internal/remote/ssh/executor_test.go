package ssh

import (
	"errors"
	"strings"
	"testing"

	"podagent/internal/remote"
)

func TestAddress(t *testing.T) {
	tests := []struct {
		name    string
		inst    remote.InstanceInfo
		want    string
		wantErr bool
	}{
		{"explicit address", remote.InstanceInfo{Address: "10.0.0.1:2222"}, "10.0.0.1:2222", false},
		{"metadata host and port", remote.InstanceInfo{Metadata: map[string]string{"ssh_host": "203.0.113.7", "ssh_port": "40022"}}, "203.0.113.7:40022", false},
		{"default port", remote.InstanceInfo{Metadata: map[string]string{"ssh_host": "203.0.113.7"}}, "203.0.113.7:22", false},
		{"no address", remote.InstanceInfo{ID: "p"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Address(tt.inst)
			if tt.wantErr {
				if !errors.Is(err, remote.ErrNotReady) {
					t.Fatalf("expected ErrNotReady, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestWrapScript(t *testing.T) {
	script := wrapScript(remote.Command{
		Script:  "python train.py",
		Env:     map[string]string{"B": "two words", "A": "1"},
		WorkDir: "/workspace/InsTaG",
	}, "/tmp/x.pid")

	lines := strings.Split(strings.TrimSpace(script), "\n")
	if lines[0] != "export A=1" || lines[1] != "export B='two words'" {
		t.Errorf("expected sorted quoted exports, got %q", lines[:2])
	}
	if !strings.Contains(script, "cd /workspace/InsTaG") {
		t.Error("expected cd into work dir")
	}
	if !strings.Contains(script, "echo $$ > /tmp/x.pid") {
		t.Error("expected pid file write")
	}
	if lines[len(lines)-1] != "python train.py" {
		t.Errorf("expected command last, got %q", lines[len(lines)-1])
	}
}

func TestNewExecutor_RequiresKey(t *testing.T) {
	if _, err := NewExecutor(Config{}); err == nil {
		t.Fatal("expected error without key path")
	}
	if _, err := NewExecutor(Config{KeyPath: "/nonexistent/key"}); err == nil {
		t.Fatal("expected error for missing key file")
	}
}
