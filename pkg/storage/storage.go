package storage

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/dagforge/dagforge/pkg/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// TransitionUpdate carries the payload written alongside a task status
// transition. The store stamps started_at/finished_at itself based on
// the target status.
type TransitionUpdate struct {
	Output    json.RawMessage
	ErrorKind models.ErrorKind
	ErrorMsg  string
	TimeoutAt *time.Time
}

// Store defines the persistence operations for the engine. Begin
// returns a transaction-scoped Store; Commit/Rollback only work on
// that. Execution history is append/update only: nothing here deletes.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow definitions. SaveWorkflow always creates a new version
	// for the name; executed versions stay immutable because no update
	// path exists.
	SaveWorkflow(w models.Workflow) (models.Workflow, error)
	GetWorkflow(id int64) (models.Workflow, error)
	GetWorkflowByName(name string, version int) (models.Workflow, error) // version 0 means latest
	ListWorkflows() ([]models.Workflow, error)
	ListScheduledWorkflows() ([]models.Workflow, error) // latest version of every workflow with a schedule

	// Workflow executions.
	SaveExecution(e models.WorkflowExecution) error
	GetExecution(id string) (models.WorkflowExecution, error)
	ListExecutions(workflowID int64) ([]models.WorkflowExecution, error)
	// UpdateExecutionStatus is a compare-and-swap: the status moves to
	// the target only if it currently matches one of from, and exactly
	// one concurrent caller wins. Start/finish timestamps are stamped
	// from the target status.
	UpdateExecutionStatus(id string, from []models.ExecutionStatus, to models.ExecutionStatus) (bool, error)

	// Task executions. One row per attempt.
	SaveTaskExecution(te models.TaskExecution) error
	GetTaskExecution(id string) (models.TaskExecution, error)
	// RecordTransition is the task-level compare-and-swap; duplicate
	// completion callbacks race here and exactly one wins.
	RecordTransition(id string, from []models.TaskExecutionStatus, to models.TaskExecutionStatus, upd TransitionUpdate) (bool, error)
	// GetReadyTasks returns keys of tasks whose upstream dependencies
	// all have a terminal-success attempt and which have no attempt row
	// yet in this execution.
	GetReadyTasks(executionID string) ([]string, error)
	// GetOverdueTasks returns DISPATCHED, RUNNING or RETRYING attempts
	// whose timeout_at passed and which have no later attempt row; the
	// orchestrator treats them as lost workers or lost backoff timers.
	GetOverdueTasks(now time.Time) ([]models.TaskExecution, error)
	GetExecutionSnapshot(executionID string) (models.ExecutionSnapshot, error)
}
