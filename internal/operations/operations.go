// Package operations implements the pod and InsTaG operations the agent exposes.
package operations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"podagent/internal/registry"
	"podagent/internal/remote"
	"podagent/internal/tracker"
	"podagent/internal/transport"
)

// Capabilities.
const (
	CapProvision = "runpod_provision"
	CapTerminate = "runpod_terminate"
	CapList      = "runpod_list"
	CapSetup     = "instag_setup_environment"
	CapPrepare   = "instag_prepare_data"
	CapTraining  = "instag_run_training"
	CapInference = "instag_run_inference"
)

// URLSigner issues upload URLs for inference output.
type URLSigner interface {
	PresignPut(ctx context.Context, name string) (string, error)
	Location(name string) string
}

// Defaults fill in parameters a request leaves out.
type Defaults struct {
	Image    string
	GPUType  string
	GPUCount int
	VolumeGB int
	RepoURL  string
	RepoRef  string
	// InstallDir is where InsTaG is checked out on the pod.
	InstallDir string
	// AudioExtractor is passed to the InsTaG synthesis script.
	AudioExtractor string
}

func (d *Defaults) setDefaults() {
	if d.GPUCount <= 0 {
		d.GPUCount = 1
	}
	if d.VolumeGB <= 0 {
		d.VolumeGB = 50
	}
	if d.RepoURL == "" {
		d.RepoURL = "https://github.com/Fictionarry/InsTaG.git"
	}
	if d.RepoRef == "" {
		d.RepoRef = "main"
	}
	if d.InstallDir == "" {
		d.InstallDir = "/workspace/InsTaG"
	}
	if d.AudioExtractor == "" {
		d.AudioExtractor = "deepspeech"
	}
}

// Deps are the collaborators shared by every handler.
type Deps struct {
	Transport *transport.Adapter
	Tracker   *tracker.Tracker
	// Artifacts is optional; without it inference output stays on the pod.
	Artifacts URLSigner
	Defaults  Defaults
	// Timeouts overrides the per-operation timeout by operation name.
	Timeouts map[string]time.Duration
	Logger   *slog.Logger
}

// Register adds every operation to r.
func Register(r *registry.Registry, deps Deps) error {
	deps.Defaults.setDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	descriptors := []registry.Descriptor{
		{Name: "provision_pod", Capability: CapProvision, RequiredParams: []string{"pod_name"}, Timeout: 15 * time.Minute, Handler: &provisionPod{deps}},
		{Name: "terminate_pod", Capability: CapTerminate, RequiredParams: []string{"pod_id"}, Timeout: 2 * time.Minute, Idempotent: true, Handler: &terminatePod{deps}},
		{Name: "list_pods", Capability: CapList, Timeout: time.Minute, Idempotent: true, Handler: &listPods{deps}},
		{Name: "instag_setup_environment", Capability: CapSetup, RequiredParams: []string{"pod_id"}, Timeout: 45 * time.Minute, Idempotent: true, Handler: &setupEnvironment{deps}},
		{Name: "instag_prepare_data", Capability: CapPrepare, RequiredParams: []string{"pod_id", "dataset_name"}, Timeout: 2 * time.Hour, Idempotent: true, Handler: &prepareData{deps}},
		{Name: "instag_run_training", Capability: CapTraining, RequiredParams: []string{"pod_id"}, Timeout: 12 * time.Hour, Handler: &runTraining{deps}},
		{Name: "instag_run_inference", Capability: CapInference, RequiredParams: []string{"pod_id"}, Timeout: time.Hour, Handler: &runInference{deps}},
	}
	for _, d := range descriptors {
		if t, ok := deps.Timeouts[d.Name]; ok && t > 0 {
			d.Timeout = t
		}
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// decode copies params into a typed struct using mapstructure tags.
func decode(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func success(message string, extra map[string]any) map[string]any {
	out := map[string]any{"status": "success", "message": message}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

var envKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// paramsEnv turns free-form tuning params into INSTAG_* environment variables.
func paramsEnv(params map[string]any) (map[string]string, error) {
	env := make(map[string]string, len(params))
	for k, v := range params {
		if !envKey.MatchString(k) {
			return nil, fmt.Errorf("invalid parameter name %q", k)
		}
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("parameter %q must be a scalar", k)
		}
		env["INSTAG_"+strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return env, nil
}

func nonEmpty(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s must be a non-empty string", field)
	}
	return nil
}

// commandError adds the tail of the command output to an exit failure.
func commandError(err error) error {
	var exitErr *remote.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %s", err, lastLines(exitErr.Output, 5))
	}
	return err
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
