package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"podagent/internal/store"
)

// SaveTask upserts the latest snapshot of a task.
// Terminal rows are never overwritten by a non-terminal snapshot.
func (s *Store) SaveTask(ctx context.Context, task *store.Task) error {
	params, err := json.Marshal(task.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params for task %s: %w", task.ID, err)
	}

	var result []byte
	if task.Result != nil {
		result, err = json.Marshal(task.Result)
		if err != nil {
			return fmt.Errorf("failed to encode result for task %s: %w", task.ID, err)
		}
	}

	query := `
		INSERT INTO tasks (id, operation, params, status, result, error, instance_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			instance_id = COALESCE(EXCLUDED.instance_id, tasks.instance_id),
			updated_at = EXCLUDED.updated_at
		WHERE tasks.status NOT IN ('succeeded', 'failed')
	`

	_, err = s.db.ExecContext(ctx, query,
		task.ID, task.Operation, params, task.Status, result,
		task.Error, task.InstanceID, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask returns the archived snapshot of a task.
func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	query := `
		SELECT id, operation, params, status, result, COALESCE(error, ''), COALESCE(instance_id, ''), created_at, updated_at
		FROM tasks WHERE id = $1
	`

	var (
		task   store.Task
		params []byte
		result []byte
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&task.ID, &task.Operation, &params, &task.Status, &result,
		&task.Error, &task.InstanceID, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &task.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params for task %s: %w", id, err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &task.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result for task %s: %w", id, err)
		}
	}

	return &task, nil
}

// DeleteTask removes an archived task.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = $1", id)
	return err
}
