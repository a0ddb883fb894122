package main

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"podagent/internal/config"
	"podagent/internal/remote/exec"
	"podagent/internal/remote/local"
	"podagent/internal/remote/runpod"
)

func TestBackends_LocalExec(t *testing.T) {
	cfg := &config.Config{Provisioner: config.ProvisionerLocal, Executor: config.ExecutorExec}

	p, e, err := backends(cfg, slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(*local.Provisioner); !ok {
		t.Errorf("expected local provisioner, got %T", p)
	}
	if _, ok := e.(*exec.Executor); !ok {
		t.Errorf("expected exec executor, got %T", e)
	}
}

func TestBackends_RunPod(t *testing.T) {
	cfg := &config.Config{
		Provisioner: config.ProvisionerRunPod,
		Executor:    config.ExecutorExec,
		RunPod:      config.RunPodConfig{APIKey: "rp-key"},
	}

	p, _, err := backends(cfg, slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(*runpod.Client); !ok {
		t.Errorf("expected runpod client, got %T", p)
	}
}

func TestBackends_Errors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr string
	}{
		{"unknown provisioner", config.Config{Provisioner: "aws", Executor: config.ExecutorExec}, "unknown provisioner"},
		{"unknown executor", config.Config{Provisioner: config.ProvisionerLocal, Executor: "telnet"}, "unknown executor"},
		{"runpod without key", config.Config{Provisioner: config.ProvisionerRunPod, Executor: config.ExecutorExec}, "runpod"},
		{"ssh key missing", config.Config{
			Provisioner: config.ProvisionerLocal,
			Executor:    config.ExecutorSSH,
			SSH:         config.SSHConfig{KeyPath: "/nonexistent/id_ed25519"},
		}, "ssh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := backends(&tt.cfg, slog.Default())
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestArtifactSigner_DisabledWithoutBucket(t *testing.T) {
	signer, err := artifactSigner(context.Background(), &config.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signer != nil {
		t.Errorf("expected no signer, got %T", signer)
	}
}
