package main

import (
	"context"
	"fmt"
	"log/slog"

	k8s "k8s.io/client-go/kubernetes"

	"podagent/internal/artifacts"
	"podagent/internal/config"
	"podagent/internal/operations"
	"podagent/internal/remote"
	"podagent/internal/remote/docker"
	"podagent/internal/remote/exec"
	"podagent/internal/remote/kubernetes"
	"podagent/internal/remote/local"
	"podagent/internal/remote/runpod"
	"podagent/internal/remote/ssh"
)

// backends selects the provisioner and executor named in cfg.
func backends(cfg *config.Config, logger *slog.Logger) (remote.Provisioner, remote.Executor, error) {
	var clientset k8s.Interface
	kubeClient := func() (k8s.Interface, error) {
		if clientset != nil {
			return clientset, nil
		}
		cs, err := kubernetes.NewClientset(logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		clientset = cs
		return cs, nil
	}
	kubeConfig := kubernetes.Config{
		Namespace:      cfg.Kubernetes.Namespace,
		ServiceAccount: cfg.Kubernetes.ServiceAccount,
		Image:          cfg.Kubernetes.Image,
		StorageClass:   cfg.Kubernetes.StorageClass,
		GPUResource:    cfg.Kubernetes.GPUResource,
	}

	var p remote.Provisioner
	switch cfg.Provisioner {
	case config.ProvisionerRunPod:
		client, err := runpod.New(runpod.Config{
			BaseURL:           cfg.RunPod.BaseURL,
			APIKey:            cfg.RunPod.APIKey,
			Image:             cfg.RunPod.Image,
			GPUType:           cfg.RunPod.GPUType,
			CloudType:         cfg.RunPod.CloudType,
			RequestsPerSecond: cfg.RunPod.RequestsPerSecond,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create runpod client: %w", err)
		}
		p = client
	case config.ProvisionerKubernetes:
		cs, err := kubeClient()
		if err != nil {
			return nil, nil, err
		}
		p = kubernetes.NewProvisioner(cs, kubeConfig)
	case config.ProvisionerLocal:
		p = local.NewProvisioner()
	default:
		return nil, nil, fmt.Errorf("unknown provisioner %q", cfg.Provisioner)
	}

	var e remote.Executor
	switch cfg.Executor {
	case config.ExecutorSSH:
		ex, err := ssh.NewExecutor(ssh.Config{
			User:           cfg.SSH.User,
			KeyPath:        cfg.SSH.KeyPath,
			KnownHostsPath: cfg.SSH.KnownHostsPath,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create ssh executor: %w", err)
		}
		e = ex
	case config.ExecutorKubernetes:
		cs, err := kubeClient()
		if err != nil {
			return nil, nil, err
		}
		e = kubernetes.NewExecutor(cs, kubeConfig, logger)
	case config.ExecutorDocker:
		ex, err := docker.NewExecutor(cfg.Docker.Image)
		if err != nil {
			return nil, nil, err
		}
		e = ex
	case config.ExecutorExec:
		e = exec.NewExecutor(cfg.Exec.WorkDir)
	default:
		return nil, nil, fmt.Errorf("unknown executor %q", cfg.Executor)
	}
	return p, e, nil
}

// artifactSigner returns nil when no bucket is configured.
func artifactSigner(ctx context.Context, cfg *config.Config) (operations.URLSigner, error) {
	ac := artifacts.Config{
		Bucket:         cfg.Artifacts.Bucket,
		Prefix:         cfg.Artifacts.Prefix,
		Region:         cfg.Artifacts.Region,
		Endpoint:       cfg.Artifacts.Endpoint,
		ForcePathStyle: cfg.Artifacts.ForcePathStyle,
		Expiry:         cfg.Artifacts.Expiry,
	}
	if !ac.Enabled() {
		return nil, nil
	}
	signer, err := artifacts.New(ctx, ac)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact presigner: %w", err)
	}
	return signer, nil
}
