// Package config loads agent settings from a YAML file, environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backends.
const (
	ProvisionerRunPod     = "runpod"
	ProvisionerKubernetes = "kubernetes"
	ProvisionerLocal      = "local"

	ExecutorSSH        = "ssh"
	ExecutorKubernetes = "kubernetes"
	ExecutorDocker     = "docker"
	ExecutorExec       = "exec"
)

// Config holds all configuration values for the agent.
type Config struct {
	// HTTP server port for the gateway
	HTTPPort  int    `mapstructure:"http_port"`
	LogLevel  string `mapstructure:"log_level"`
	AuthToken string `mapstructure:"auth_token"`
	// Requests per second per caller; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	// How long a task_request waits for the task before answering "accepted".
	SyncWait        time.Duration `mapstructure:"sync_wait"`
	TaskRetention   time.Duration `mapstructure:"task_retention"`
	CancelWait      time.Duration `mapstructure:"cancel_wait"`
	Concurrency     int           `mapstructure:"concurrency"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Optional Postgres task archive
	DatabaseURL string `mapstructure:"database_url"`
	// Optional OTLP gRPC collector for traces
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	Provisioner string `mapstructure:"provisioner"`
	Executor    string `mapstructure:"executor"`

	Retry      RetryConfig      `mapstructure:"retry"`
	RunPod     RunPodConfig     `mapstructure:"runpod"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
	SSH        SSHConfig        `mapstructure:"ssh"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Exec       ExecConfig       `mapstructure:"exec"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"`
	InsTaG     InsTaGConfig     `mapstructure:"instag"`

	// Per-operation timeout overrides, keyed by operation name.
	Timeouts map[string]time.Duration `mapstructure:"timeouts"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Ceiling        time.Duration `mapstructure:"ceiling"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

type RunPodConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	Image             string  `mapstructure:"image"`
	GPUType           string  `mapstructure:"gpu_type"`
	CloudType         string  `mapstructure:"cloud_type"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

type KubernetesConfig struct {
	Namespace      string `mapstructure:"namespace"`
	ServiceAccount string `mapstructure:"service_account"`
	Image          string `mapstructure:"image"`
	StorageClass   string `mapstructure:"storage_class"`
	GPUResource    string `mapstructure:"gpu_resource"`
}

type SSHConfig struct {
	User           string `mapstructure:"user"`
	KeyPath        string `mapstructure:"key_path"`
	KnownHostsPath string `mapstructure:"known_hosts_path"`
}

type DockerConfig struct {
	Image string `mapstructure:"image"`
}

type ExecConfig struct {
	WorkDir string `mapstructure:"workdir"`
}

type ArtifactsConfig struct {
	Bucket         string        `mapstructure:"bucket"`
	Prefix         string        `mapstructure:"prefix"`
	Region         string        `mapstructure:"region"`
	Endpoint       string        `mapstructure:"endpoint"`
	ForcePathStyle bool          `mapstructure:"force_path_style"`
	Expiry         time.Duration `mapstructure:"expiry"`
}

type InsTaGConfig struct {
	RepoURL    string `mapstructure:"repo_url"`
	RepoRef    string `mapstructure:"repo_ref"`
	InstallDir string `mapstructure:"install_dir"`
}

var defaults = map[string]any{
	"http_port":                  5002,
	"log_level":                  "info",
	"rate_limit":                 0,
	"rate_burst":                 10,
	"sync_wait":                  2 * time.Second,
	"task_retention":             time.Hour,
	"cancel_wait":                10 * time.Second,
	"concurrency":                8,
	"shutdown_timeout":           30 * time.Second,
	"provisioner":                ProvisionerLocal,
	"executor":                   ExecutorExec,
	"retry.max_attempts":         4,
	"retry.initial_backoff":      500 * time.Millisecond,
	"retry.max_backoff":          10 * time.Second,
	"retry.ceiling":              2 * time.Minute,
	"retry.poll_interval":        5 * time.Second,
	"runpod.base_url":            "https://rest.runpod.io/v1",
	"runpod.cloud_type":          "SECURE",
	"runpod.requests_per_second": 5,
	"kubernetes.namespace":       "default",
	"kubernetes.gpu_resource":    "nvidia.com/gpu",
	"ssh.user":                   "root",
	"artifacts.expiry":           time.Hour,
	"instag.repo_url":            "https://github.com/Fictionarry/InsTaG.git",
	"instag.repo_ref":            "main",
	"instag.install_dir":         "/workspace/InsTaG",
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"http_port":            "PORT",
	"log_level":            "LOG_LEVEL",
	"auth_token":           "PODAGENT_AUTH_TOKEN",
	"rate_limit":           "RATE_LIMIT",
	"sync_wait":            "SYNC_WAIT",
	"task_retention":       "TASK_RETENTION",
	"cancel_wait":          "CANCEL_WAIT",
	"concurrency":          "CONCURRENCY",
	"database_url":         "DATABASE_URL",
	"otel_endpoint":        "OTEL_EXPORTER_OTLP_ENDPOINT",
	"provisioner":          "PROVISIONER",
	"executor":             "EXECUTOR",
	"retry.max_attempts":   "RETRY_MAX_ATTEMPTS",
	"retry.ceiling":        "RETRY_CEILING",
	"runpod.api_key":       "RUNPOD_API_KEY",
	"runpod.image":         "RUNPOD_IMAGE",
	"runpod.gpu_type":      "RUNPOD_GPU_TYPE",
	"kubernetes.namespace": "K8S_NAMESPACE",
	"ssh.key_path":         "SSH_KEY_PATH",
	"ssh.known_hosts_path": "SSH_KNOWN_HOSTS",
	"exec.workdir":         "EXEC_WORKDIR",
	"artifacts.bucket":     "ARTIFACTS_BUCKET",
	"artifacts.region":     "AWS_REGION",
	"artifacts.endpoint":   "ARTIFACTS_ENDPOINT",
}

// Load reads configuration from path (default: podagent.yaml in the working directory,
// if present), environment variables and defaults,
// in increasing order of precedence: defaults, file, environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		// podagent.yaml in the working directory is optional.
		v.SetConfigName("podagent")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read podagent.yaml: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d (env: PORT)", c.HTTPPort)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}

	c.Provisioner = strings.ToLower(c.Provisioner)
	c.Executor = strings.ToLower(c.Executor)

	switch c.Provisioner {
	case ProvisionerRunPod:
		if c.RunPod.APIKey == "" {
			return fmt.Errorf("runpod.api_key is required (env: RUNPOD_API_KEY)")
		}
	case ProvisionerKubernetes, ProvisionerLocal:
	default:
		return fmt.Errorf("invalid provisioner %q: must be runpod, kubernetes or local", c.Provisioner)
	}

	switch c.Executor {
	case ExecutorSSH:
		if c.SSH.KeyPath == "" {
			return fmt.Errorf("ssh.key_path is required (env: SSH_KEY_PATH)")
		}
	case ExecutorKubernetes:
		if c.Provisioner != ProvisionerKubernetes {
			return fmt.Errorf("the kubernetes executor needs the kubernetes provisioner")
		}
	case ExecutorDocker, ExecutorExec:
	default:
		return fmt.Errorf("invalid executor %q: must be ssh, kubernetes, docker or exec", c.Executor)
	}
	return nil
}
