package models

import (
	"encoding/json"
	"time"
)

type ExecutionStatus string

const (
	PendingExecutionStatus   ExecutionStatus = "PENDING"
	RunningExecutionStatus   ExecutionStatus = "RUNNING"
	SucceededExecutionStatus ExecutionStatus = "SUCCEEDED"
	FailedExecutionStatus    ExecutionStatus = "FAILED"
	CancelledExecutionStatus ExecutionStatus = "CANCELLED"
)

// Terminal reports whether the execution can no longer change status.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case SucceededExecutionStatus, FailedExecutionStatus, CancelledExecutionStatus:
		return true
	}
	return false
}

// Trigger sources recorded on an execution.
const (
	APITrigger      = "api"
	CLITrigger      = "cli"
	ScheduleTrigger = "schedule"
)

// WorkflowExecution is one triggered run of a workflow version.
type WorkflowExecution struct {
	ID              string          `json:"id" db:"id"`
	WorkflowID      int64           `json:"workflow_id" db:"workflow_id"`
	WorkflowVersion int             `json:"workflow_version" db:"workflow_version"`
	TriggerSource   string          `json:"trigger_source" db:"trigger_source"`
	Input           json.RawMessage `json:"input,omitempty" db:"input"`
	Status          ExecutionStatus `json:"status" db:"status"`
	StartedAt       *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// ExecutionSnapshot is the full state of an execution as returned by
// the status API: the execution record plus every task attempt.
type ExecutionSnapshot struct {
	Execution WorkflowExecution `json:"execution"`
	Tasks     []TaskExecution   `json:"tasks"`
}

// TaskAttempts groups the snapshot's task executions by task key.
func (s ExecutionSnapshot) TaskAttempts(key string) []TaskExecution {
	var out []TaskExecution
	for _, te := range s.Tasks {
		if te.TaskKey == key {
			out = append(out, te)
		}
	}
	return out
}

// Latest returns the newest attempt for key, or nil if none exist.
func (s ExecutionSnapshot) Latest(key string) *TaskExecution {
	var latest *TaskExecution
	for i := range s.Tasks {
		te := &s.Tasks[i]
		if te.TaskKey != key {
			continue
		}
		if latest == nil || te.Attempt > latest.Attempt {
			latest = te
		}
	}
	return latest
}
