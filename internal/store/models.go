// Package store contains the data model shared by the tracker and the task archive.
package store

import "time"

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// Task is one asynchronous unit of work tracked from submission to a terminal state.
type Task struct {
	ID         string         `json:"task_id"`
	Operation  string         `json:"operation"`
	Params     map[string]any `json:"params"`
	Status     TaskStatus     `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// InstanceState is the lifecycle state of a remote compute instance.
type InstanceState string

const (
	InstanceRequested    InstanceState = "requested"
	InstanceProvisioning InstanceState = "provisioning"
	InstanceReady        InstanceState = "ready"
	InstanceTerminating  InstanceState = "terminating"
	InstanceTerminated   InstanceState = "terminated"
	InstanceError        InstanceState = "error"
)

// Instance is one remote compute resource managed by the agent.
type Instance struct {
	ID        string            `json:"instance_id"`
	Name      string            `json:"name"`
	State     InstanceState     `json:"state"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Active reports whether the instance still holds (or is about to hold) remote resources.
func (i Instance) Active() bool {
	switch i.State {
	case InstanceRequested, InstanceProvisioning, InstanceReady:
		return true
	}
	return false
}
