package models

import (
	"encoding/json"
	"time"
)

type TaskExecutionStatus string

const (
	PendingTaskStatus    TaskExecutionStatus = "PENDING"
	DispatchedTaskStatus TaskExecutionStatus = "DISPATCHED"
	RunningTaskStatus    TaskExecutionStatus = "RUNNING"
	SucceededTaskStatus  TaskExecutionStatus = "SUCCEEDED"
	FailedTaskStatus     TaskExecutionStatus = "FAILED"
	RetryingTaskStatus   TaskExecutionStatus = "RETRYING"
	SkippedTaskStatus    TaskExecutionStatus = "SKIPPED"
	CancelledTaskStatus  TaskExecutionStatus = "CANCELLED"
)

// Terminal reports whether the attempt can no longer change status.
// RETRYING is not terminal: a follow-up attempt row supersedes it.
func (s TaskExecutionStatus) Terminal() bool {
	switch s {
	case SucceededTaskStatus, FailedTaskStatus, SkippedTaskStatus, CancelledTaskStatus:
		return true
	}
	return false
}

// ErrorKind classifies task failures for retry decisions.
type ErrorKind string

const (
	ValidationError     ErrorKind = "VALIDATION"
	TimeoutError        ErrorKind = "TIMEOUT"
	ExecutionError      ErrorKind = "EXECUTION_ERROR"
	InfrastructureError ErrorKind = "INFRASTRUCTURE_ERROR"
	CancelledError      ErrorKind = "CANCELLED"
)

// Retryable reports whether a failure of this kind goes through the
// task's retry policy. Validation and cancellation never retry;
// infrastructure failures are retried the same way timeouts are.
func (k ErrorKind) Retryable() bool {
	switch k {
	case TimeoutError, ExecutionError, InfrastructureError:
		return true
	}
	return false
}

// TaskExecution is one attempt of a task within a workflow execution.
// Retries create a new row with the attempt counter incremented, so a
// task with max-attempts=N leaves exactly N rows when it exhausts them.
type TaskExecution struct {
	ID          string              `json:"id" db:"id"`
	ExecutionID string              `json:"execution_id" db:"execution_id"`
	TaskKey     string              `json:"task_key" db:"task_key"`
	Attempt     int                 `json:"attempt" db:"attempt"`
	Status      TaskExecutionStatus `json:"status" db:"status"`
	Input       json.RawMessage     `json:"input,omitempty" db:"input"`
	Output      json.RawMessage     `json:"output,omitempty" db:"output"`
	ErrorKind   ErrorKind           `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMsg    string              `json:"error,omitempty" db:"error_msg"`
	TimeoutAt   *time.Time          `json:"timeout_at,omitempty" db:"timeout_at"` // Stamped at dispatch; reaper deadline
	StartedAt   *time.Time          `json:"started_at,omitempty" db:"started_at"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt   time.Time           `json:"created_at" db:"created_at"`
}
