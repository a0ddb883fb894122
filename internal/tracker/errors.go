package tracker

import (
	"errors"
	"fmt"

	"podagent/internal/store"
)

var (
	// ErrTaskNotFound is returned when a task id is unknown or was evicted.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask is returned when a task id is already in use.
	ErrDuplicateTask = errors.New("duplicate task id")

	// ErrInvalidTransition is matched by every TransitionError.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInstanceNotFound is returned for unknown instance names.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceNameInUse is returned when an active instance already has the name.
	ErrInstanceNameInUse = errors.New("instance name already in use")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	Kind string // "task" or "instance"
	ID   string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Kind, e.ID, e.From, e.To)
}

// Is lets errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func taskTransitionError(id string, from, to store.TaskStatus) error {
	return &TransitionError{Kind: "task", ID: id, From: string(from), To: string(to)}
}
