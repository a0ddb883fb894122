package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"podagent/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return &Store{db: db}, mock
}

func TestSaveTask_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	now := time.Now().UTC()
	task := &store.Task{
		ID:         "t1",
		Operation:  "provision_pod",
		Params:     map[string]any{"pod_name": "demo"},
		Status:     store.TaskStatusSucceeded,
		Result:     map[string]any{"pod_id": "pod-1"},
		InstanceID: "pod-1",
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	mock.ExpectExec(`INSERT INTO tasks`).
		WithArgs("t1", "provision_pod", []byte(`{"pod_name":"demo"}`), store.TaskStatusSucceeded,
			[]byte(`{"pod_id":"pod-1"}`), "", "pod-1", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSaveTask_DatabaseError(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`INSERT INTO tasks`).WillReturnError(sql.ErrConnDone)

	err := s.SaveTask(context.Background(), &store.Task{ID: "t1", Status: store.TaskStatusPending})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, sql.ErrConnDone) {
		t.Errorf("expected wrapped sql.ErrConnDone, got %v", err)
	}
}

func TestGetTask_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	created := time.Now().Add(-time.Minute).UTC()
	updated := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, operation, params, status, result`).
		WithArgs("t2").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "operation", "params", "status", "result", "error", "instance_id", "created_at", "updated_at",
		}).AddRow(
			"t2", "terminate_pod", []byte(`{"pod_id":"pod-9"}`), "failed", nil,
			"Transport error (timeout): deadline", "pod-9", created, updated,
		))

	task, err := s.GetTask(context.Background(), "t2")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}

	if task.Status != store.TaskStatusFailed {
		t.Errorf("got status %v, want failed", task.Status)
	}
	if task.Params["pod_id"] != "pod-9" {
		t.Errorf("got params %v", task.Params)
	}
	if task.Result != nil {
		t.Errorf("expected nil result, got %v", task.Result)
	}
	if task.InstanceID != "pod-9" {
		t.Errorf("got instance %q, want pod-9", task.InstanceID)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT id, operation`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetTask(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected store.ErrNotFound, got %v", err)
	}
}

func TestDeleteTask(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`DELETE FROM tasks WHERE id = \$1`).
		WithArgs("t3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.DeleteTask(context.Background(), "t3"); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
