package kubernetes

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"podagent/internal/remote"
)

var kubeInstance = remote.InstanceInfo{
	ID: "podagent-demo-1234",
	Metadata: map[string]string{
		"namespace": "gpu",
		"pvc":       "podagent-demo-1234-workspace",
		"node":      "node-a",
		"image":     "instag:latest",
	},
}

func newTestExecutor(clientset *fake.Clientset) *Executor {
	e := NewExecutor(clientset, Config{}, nil)
	e.pollInterval = 10 * time.Millisecond
	return e
}

// completeJob waits for the executor's job to appear and marks it finished.
func completeJob(t *testing.T, clientset *fake.Clientset, succeeded bool) *batchv1.Job {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		jobs, err := clientset.BatchV1().Jobs("gpu").List(ctx, metav1.ListOptions{})
		if err == nil && len(jobs.Items) > 0 {
			job := jobs.Items[0].DeepCopy()
			if succeeded {
				job.Status.Succeeded = 1
			} else {
				job.Status.Failed = 1
			}
			if _, err := clientset.BatchV1().Jobs("gpu").UpdateStatus(ctx, job, metav1.UpdateOptions{}); err != nil {
				t.Errorf("update status: %v", err)
			}
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job was never created")
	return nil
}

func TestExecutor_Run_Succeeds(t *testing.T) {
	clientset := fake.NewClientset()
	e := newTestExecutor(clientset)

	type outcome struct {
		res remote.CommandResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.Run(context.Background(), kubeInstance, remote.Command{Name: "instag-train", Script: "python train.py"})
		done <- outcome{res, err}
	}()

	job := completeJob(t, clientset, true)

	got := <-done
	if got.err != nil {
		t.Fatalf("Run() failed: %v", got.err)
	}

	spec := job.Spec.Template.Spec
	if spec.NodeName != "node-a" {
		t.Errorf("expected job pinned to node-a, got %q", spec.NodeName)
	}
	if spec.Volumes[0].PersistentVolumeClaim.ClaimName != "podagent-demo-1234-workspace" {
		t.Errorf("unexpected claim %s", spec.Volumes[0].PersistentVolumeClaim.ClaimName)
	}
	if !strings.Contains(spec.Containers[0].Command[2], "python train.py") {
		t.Errorf("unexpected command %v", spec.Containers[0].Command)
	}
	if !strings.Contains(job.Name, "instag-train") {
		t.Errorf("expected command name in job name, got %s", job.Name)
	}
}

func TestExecutor_Run_FailedJobIsExitError(t *testing.T) {
	clientset := fake.NewClientset()
	e := newTestExecutor(clientset)

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), kubeInstance, remote.Command{Script: "false"})
		done <- err
	}()
	completeJob(t, clientset, false)

	err := <-done
	var exitErr *remote.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 1 {
		t.Errorf("expected default exit code 1, got %d", exitErr.Code)
	}
}

func TestExecutor_Run_CancelDeletesJob(t *testing.T) {
	clientset := fake.NewClientset()
	e := newTestExecutor(clientset)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Run(ctx, kubeInstance, remote.Command{Script: "sleep 600"})
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		jobs, _ := clientset.BatchV1().Jobs("gpu").List(context.Background(), metav1.ListOptions{})
		if len(jobs.Items) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	err := <-done
	if !errors.Is(err, remote.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	jobs, _ := clientset.BatchV1().Jobs("gpu").List(context.Background(), metav1.ListOptions{})
	if len(jobs.Items) != 0 {
		t.Errorf("expected job to be deleted, found %d", len(jobs.Items))
	}
}

func TestExecutor_Run_RequiresWorkspace(t *testing.T) {
	e := newTestExecutor(fake.NewClientset())

	_, err := e.Run(context.Background(), remote.InstanceInfo{ID: "x"}, remote.Command{Script: "true"})
	if err == nil {
		t.Fatal("expected error for instance without pvc")
	}
}
