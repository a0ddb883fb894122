// Package runpod provisions GPU pods through the RunPod REST API.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"podagent/internal/remote"
)

// DefaultBaseURL is the public RunPod REST endpoint.
const DefaultBaseURL = "https://rest.runpod.io/v1"

// Config holds RunPod client settings.
type Config struct {
	BaseURL string
	APIKey  string
	// Defaults applied when a Spec leaves them empty.
	Image           string
	GPUType         string
	CloudType       string
	ContainerDiskGB int
	// RequestsPerSecond bounds calls to the API (default: 5).
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client implements remote.Provisioner against RunPod.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a RunPod client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("runpod api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CloudType == "" {
		cfg.CloudType = "SECURE"
	}
	if cfg.ContainerDiskGB <= 0 {
		cfg.ContainerDiskGB = 50
	}

	return &Client{
		baseURL:    parsed,
		apiKey:     cfg.APIKey,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}, nil
}

// createPodRequest matches the POST /pods schema.
type createPodRequest struct {
	Name              string            `json:"name"`
	ImageName         string            `json:"imageName"`
	GPUTypeIDs        []string          `json:"gpuTypeIds,omitempty"`
	GPUCount          int               `json:"gpuCount,omitempty"`
	CloudType         string            `json:"cloudType,omitempty"`
	VolumeInGB        int               `json:"volumeInGb,omitempty"`
	ContainerDiskInGB int               `json:"containerDiskInGb,omitempty"`
	VolumeMountPath   string            `json:"volumeMountPath,omitempty"`
	Ports             []string          `json:"ports,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
}

// pod is the subset of the RunPod pod object the agent reads.
type pod struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	DesiredStatus string         `json:"desiredStatus"`
	PublicIP      string         `json:"publicIp"`
	PortMappings  map[string]int `json:"portMappings"`
	ImageName     string         `json:"imageName"`
	GPUCount      int            `json:"gpuCount"`
	Machine       struct {
		GPUTypeID string `json:"gpuTypeId"`
	} `json:"machine"`
}

// Create implements remote.Provisioner.
func (c *Client) Create(ctx context.Context, spec remote.Spec) (remote.InstanceInfo, error) {
	req := createPodRequest{
		Name:              spec.Name,
		ImageName:         firstNonEmpty(spec.Image, c.cfg.Image),
		GPUCount:          spec.GPUCount,
		CloudType:         c.cfg.CloudType,
		VolumeInGB:        spec.VolumeGB,
		ContainerDiskInGB: c.cfg.ContainerDiskGB,
		VolumeMountPath:   "/workspace",
		Ports:             []string{"22/tcp"},
		Env:               spec.Env,
	}
	if gpu := firstNonEmpty(spec.GPUType, c.cfg.GPUType); gpu != "" {
		req.GPUTypeIDs = []string{gpu}
	}
	if req.GPUCount <= 0 {
		req.GPUCount = 1
	}

	var out pod
	if err := c.do(ctx, http.MethodPost, "/pods", req, &out); err != nil {
		return remote.InstanceInfo{}, err
	}
	return out.info(), nil
}

// Get implements remote.Provisioner.
func (c *Client) Get(ctx context.Context, id string) (remote.InstanceInfo, error) {
	var out pod
	if err := c.do(ctx, http.MethodGet, "/pods/"+url.PathEscape(id), nil, &out); err != nil {
		return remote.InstanceInfo{}, err
	}
	return out.info(), nil
}

// Terminate implements remote.Provisioner.
func (c *Client) Terminate(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/pods/"+url.PathEscape(id), nil, nil)
}

// List implements remote.Provisioner.
func (c *Client) List(ctx context.Context) ([]remote.InstanceInfo, error) {
	var out []pod
	if err := c.do(ctx, http.MethodGet, "/pods", nil, &out); err != nil {
		return nil, err
	}
	infos := make([]remote.InstanceInfo, 0, len(out))
	for _, p := range out {
		infos = append(infos, p.info())
	}
	return infos, nil
}

func (p pod) info() remote.InstanceInfo {
	info := remote.InstanceInfo{
		ID:       p.ID,
		Name:     p.Name,
		Status:   p.DesiredStatus,
		Metadata: map[string]string{},
	}
	if p.ImageName != "" {
		info.Metadata["image"] = p.ImageName
	}
	if p.Machine.GPUTypeID != "" {
		info.Metadata["gpu_type"] = p.Machine.GPUTypeID
	}
	if p.GPUCount > 0 {
		info.Metadata["gpu_count"] = strconv.Itoa(p.GPUCount)
	}
	if port, ok := p.PortMappings["22"]; ok && p.PublicIP != "" {
		info.Address = net.JoinHostPort(p.PublicIP, strconv.Itoa(port))
		info.Metadata["ssh_host"] = p.PublicIP
		info.Metadata["ssh_port"] = strconv.Itoa(port)
	}
	info.Ready = p.DesiredStatus == "RUNNING" && info.Address != ""
	return info
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	op := strings.ToLower(method) + " " + path

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(ctx, op, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", op, remote.ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &remote.StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return nil
}

// classify marks dial failures as connect-phase and cancelled writes as unconfirmed.
func classify(ctx context.Context, op, method string, err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &remote.ConnectError{Op: op, Err: err}
	}
	if ctx.Err() != nil {
		if method == http.MethodGet {
			return ctx.Err()
		}
		// The request may have been accepted before the connection went away.
		return fmt.Errorf("%s: %w: %w", op, remote.ErrStopUnconfirmed, ctx.Err())
	}
	return fmt.Errorf("%s: %w", op, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
