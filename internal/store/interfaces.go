package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by archives when no record exists.
var ErrNotFound = errors.New("record not found")

// TaskArchive keeps a durable copy of task snapshots.
// The in-memory tracker stays authoritative; the archive serves
// lookups for tasks that were evicted from memory.
type TaskArchive interface {
	// SaveTask upserts the latest snapshot of a task.
	SaveTask(ctx context.Context, task *Task) error

	// GetTask returns the archived snapshot of a task or ErrNotFound.
	GetTask(ctx context.Context, id string) (*Task, error)

	// DeleteTask removes an archived task. Missing tasks are not an error.
	DeleteTask(ctx context.Context, id string) error

	// Ping checks that the archive is reachable.
	Ping(ctx context.Context) error
}
