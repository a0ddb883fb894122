package operations

import (
	"context"
	"errors"
	"fmt"
	"path"

	"podagent/internal/remote"
	"podagent/internal/store"
)

// instanceFor checks that the agent has not already recorded the pod as gone.
// Pods created outside the agent are adopted.
func (d Deps) instanceFor(podID string) (store.Instance, error) {
	inst, ok := d.Tracker.InstanceByID(podID)
	if !ok {
		return d.Tracker.AdoptInstance(podID, "", store.InstanceReady), nil
	}
	if inst.State != store.InstanceReady {
		return inst, fmt.Errorf("pod %s is %s", podID, inst.State)
	}
	return inst, nil
}

// datasetFor picks the requested dataset or the last one prepared on the pod.
func datasetFor(requested string, inst store.Instance) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if ds := inst.Metadata["dataset"]; ds != "" {
		return ds, nil
	}
	return "", errors.New("dataset_name is required: no dataset has been prepared on this pod")
}

func (d Deps) run(ctx context.Context, podID, name string, script string, env map[string]string, idempotent bool) (remote.CommandResult, error) {
	res, err := d.Transport.Run(ctx, podID, remote.Command{
		Name:       name,
		Script:     script,
		Env:        env,
		Idempotent: idempotent,
	})
	if err != nil {
		return res, commandError(err)
	}
	return res, nil
}

type setupParams struct {
	PodID   string `mapstructure:"pod_id"`
	RepoURL string `mapstructure:"repo_url"`
	Ref     string `mapstructure:"ref"`
}

type setupEnvironment struct{ Deps }

func (h *setupEnvironment) params(raw map[string]any) (setupParams, error) {
	var p setupParams
	if err := decode(raw, &p); err != nil {
		return p, err
	}
	return p, nonEmpty("pod_id", p.PodID)
}

func (h *setupEnvironment) Validate(raw map[string]any) error {
	_, err := h.params(raw)
	return err
}

func (h *setupEnvironment) Execute(ctx context.Context, task store.Task) (map[string]any, error) {
	p, err := h.params(task.Params)
	if err != nil {
		return nil, err
	}
	if _, err := h.instanceFor(p.PodID); err != nil {
		return nil, err
	}

	script, err := render(setupScript, map[string]string{
		"Dir":     h.Defaults.InstallDir,
		"RepoURL": firstNonEmpty(p.RepoURL, h.Defaults.RepoURL),
		"Ref":     firstNonEmpty(p.Ref, h.Defaults.RepoRef),
	})
	if err != nil {
		return nil, err
	}
	res, err := h.run(ctx, p.PodID, "instag-setup", script, nil, true)
	if err != nil {
		return nil, err
	}
	_, _ = h.Tracker.AnnotateInstance(p.PodID, map[string]string{"instag_dir": h.Defaults.InstallDir})

	return success(fmt.Sprintf("InsTaG environment setup for pod %s initiated.", p.PodID), map[string]any{
		"pod_id":   p.PodID,
		"log_tail": lastLines(res.Output, 20),
	}), nil
}

type prepareParams struct {
	PodID       string `mapstructure:"pod_id"`
	DatasetName string `mapstructure:"dataset_name"`
	VideoURL    string `mapstructure:"video_url"`
}

type prepareData struct{ Deps }

func (h *prepareData) params(raw map[string]any) (prepareParams, error) {
	var p prepareParams
	if err := decode(raw, &p); err != nil {
		return p, err
	}
	if err := nonEmpty("pod_id", p.PodID); err != nil {
		return p, err
	}
	if err := validDataset(p.DatasetName); err != nil {
		return p, err
	}
	return p, nil
}

func (h *prepareData) Validate(raw map[string]any) error {
	_, err := h.params(raw)
	return err
}

func (h *prepareData) Execute(ctx context.Context, task store.Task) (map[string]any, error) {
	p, err := h.params(task.Params)
	if err != nil {
		return nil, err
	}
	if _, err := h.instanceFor(p.PodID); err != nil {
		return nil, err
	}

	dataDir := path.Join("data", p.DatasetName)
	script, err := render(prepareScript, map[string]string{
		"Dir":      h.Defaults.InstallDir,
		"DataDir":  dataDir,
		"Video":    path.Join(dataDir, p.DatasetName+".mp4"),
		"VideoURL": p.VideoURL,
	})
	if err != nil {
		return nil, err
	}
	res, err := h.run(ctx, p.PodID, "instag-prepare", script, nil, true)
	if err != nil {
		return nil, err
	}
	_, _ = h.Tracker.AnnotateInstance(p.PodID, map[string]string{"dataset": p.DatasetName})

	return success(fmt.Sprintf("Data preparation for %s initiated on %s.", p.DatasetName, p.PodID), map[string]any{
		"pod_id":       p.PodID,
		"dataset_name": p.DatasetName,
		"data_dir":     dataDir,
		"log_tail":     lastLines(res.Output, 20),
	}), nil
}

type trainingParams struct {
	PodID          string         `mapstructure:"pod_id"`
	DatasetName    string         `mapstructure:"dataset_name"`
	TrainingParams map[string]any `mapstructure:"training_params"`
}

type runTraining struct{ Deps }

func (h *runTraining) params(raw map[string]any) (trainingParams, map[string]string, error) {
	var p trainingParams
	if err := decode(raw, &p); err != nil {
		return p, nil, err
	}
	if err := nonEmpty("pod_id", p.PodID); err != nil {
		return p, nil, err
	}
	if p.DatasetName != "" {
		if err := validDataset(p.DatasetName); err != nil {
			return p, nil, err
		}
	}
	env, err := paramsEnv(p.TrainingParams)
	return p, env, err
}

func (h *runTraining) Validate(raw map[string]any) error {
	_, _, err := h.params(raw)
	return err
}

func (h *runTraining) Execute(ctx context.Context, task store.Task) (map[string]any, error) {
	p, env, err := h.params(task.Params)
	if err != nil {
		return nil, err
	}
	inst, err := h.instanceFor(p.PodID)
	if err != nil {
		return nil, err
	}
	dataset, err := datasetFor(p.DatasetName, inst)
	if err != nil {
		return nil, err
	}

	gpu := env["INSTAG_GPU_ID"]
	if gpu == "" {
		gpu = "0"
	}
	outputDir := path.Join("output", dataset)
	script, err := render(trainScript, map[string]string{
		"Dir":       h.Defaults.InstallDir,
		"Dataset":   dataset,
		"DataDir":   path.Join("data", dataset),
		"OutputDir": outputDir,
		"GPU":       gpu,
	})
	if err != nil {
		return nil, err
	}
	res, err := h.run(ctx, p.PodID, "instag-train", script, env, false)
	if err != nil {
		return nil, err
	}
	_, _ = h.Tracker.AnnotateInstance(p.PodID, map[string]string{"model": outputDir})

	return success(fmt.Sprintf("InsTaG training initiated on %s.", p.PodID), map[string]any{
		"pod_id":       p.PodID,
		"dataset_name": dataset,
		"model_dir":    outputDir,
		"log_tail":     lastLines(res.Output, 20),
	}), nil
}

type inferenceParams struct {
	PodID           string         `mapstructure:"pod_id"`
	DatasetName     string         `mapstructure:"dataset_name"`
	AudioPath       string         `mapstructure:"audio_path"`
	OutputKey       string         `mapstructure:"output_key"`
	InferenceParams map[string]any `mapstructure:"inference_params"`
}

type runInference struct{ Deps }

func (h *runInference) params(raw map[string]any) (inferenceParams, map[string]string, error) {
	var p inferenceParams
	if err := decode(raw, &p); err != nil {
		return p, nil, err
	}
	if err := nonEmpty("pod_id", p.PodID); err != nil {
		return p, nil, err
	}
	if p.DatasetName != "" {
		if err := validDataset(p.DatasetName); err != nil {
			return p, nil, err
		}
	}
	env, err := paramsEnv(p.InferenceParams)
	return p, env, err
}

func (h *runInference) Validate(raw map[string]any) error {
	_, _, err := h.params(raw)
	return err
}

func (h *runInference) Execute(ctx context.Context, task store.Task) (map[string]any, error) {
	p, env, err := h.params(task.Params)
	if err != nil {
		return nil, err
	}
	inst, err := h.instanceFor(p.PodID)
	if err != nil {
		return nil, err
	}
	dataset, err := datasetFor(p.DatasetName, inst)
	if err != nil {
		return nil, err
	}

	audio := p.AudioPath
	if audio == "" {
		audio = path.Join("data", dataset, "aud.wav")
	}
	extractor := env["INSTAG_AUDIO_EXTRACTOR"]
	if extractor == "" {
		extractor = h.Defaults.AudioExtractor
	}

	data := map[string]string{
		"Dir":       h.Defaults.InstallDir,
		"Dataset":   dataset,
		"DataDir":   path.Join("data", dataset),
		"OutputDir": path.Join("output", dataset),
		"Audio":     audio,
		"Extractor": extractor,
	}
	extra := map[string]any{"pod_id": p.PodID, "dataset_name": dataset}

	if h.Artifacts != nil {
		key := p.OutputKey
		if key == "" {
			key = path.Join(task.ID, dataset+".mp4")
		}
		url, err := h.Artifacts.PresignPut(ctx, key)
		if err != nil {
			return nil, err
		}
		data["UploadURL"] = url
		extra["artifact"] = h.Artifacts.Location(key)
	}

	script, err := render(inferScript, data)
	if err != nil {
		return nil, err
	}
	res, err := h.run(ctx, p.PodID, "instag-infer", script, env, false)
	if err != nil {
		return nil, err
	}
	extra["output_path"] = outputValue(res.Output, "PODAGENT_OUTPUT")
	extra["log_tail"] = lastLines(res.Output, 20)

	return success(fmt.Sprintf("InsTaG inference initiated on %s.", p.PodID), extra), nil
}

func validDataset(name string) error {
	if err := nonEmpty("dataset_name", name); err != nil {
		return err
	}
	if name == "." || name == ".." || path.Base(name) != name {
		return fmt.Errorf("dataset_name %q must be a plain name", name)
	}
	return nil
}
