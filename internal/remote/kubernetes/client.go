// Package kubernetes provisions instances as Pods with a workspace PVC and
// runs commands on them as Jobs scheduled onto the instance's node.
package kubernetes

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"podagent/internal/remote"
)

// Config holds settings shared by the provisioner and the executor.
type Config struct {
	// Namespace where pods, PVCs and jobs are created (default: "default").
	Namespace      string
	ServiceAccount string
	// Image is used when a Spec does not name one.
	Image        string
	StorageClass string
	// GPUResource is the extended resource requested per GPU (default: nvidia.com/gpu).
	GPUResource string
}

const (
	managedByLabel = "app.kubernetes.io/managed-by"
	managedBy      = "podagent"
	instanceLabel  = "podagent.io/instance"
	workspacePath  = "/workspace"
)

func (c *Config) setDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.GPUResource == "" {
		c.GPUResource = "nvidia.com/gpu"
	}
}

// NewClientset tries in-cluster configuration first and falls back to kubeconfig.
func NewClientset(logger *slog.Logger) (kubernetes.Interface, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			home, _ := os.UserHomeDir()
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		logger.Info("in-cluster config not available, using kubeconfig", "path", kubeconfig, "reason", err)
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return clientset, nil
}

// apiError converts API failures into the remote error vocabulary.
func apiError(op string, err error) error {
	if err == nil {
		return nil
	}
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%s: %w", op, remote.ErrNotFound)
	}
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		code := int(status.Status().Code)
		if code == 0 {
			code = http.StatusInternalServerError
		}
		return &remote.StatusError{Op: op, Code: code, Body: status.Status().Message}
	}
	return fmt.Errorf("%s: %w", op, err)
}
