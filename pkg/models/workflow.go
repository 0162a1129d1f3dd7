package models

import (
	"encoding/json"
	"time"
)

// TaskKind identifies the runner used to execute a task.
type TaskKind string

const (
	PythonTask TaskKind = "python"
	HTTPTask   TaskKind = "http"
	BashTask   TaskKind = "bash"
	SQLTask    TaskKind = "sql"
)

// Kinds lists every supported task kind, in a stable order.
func Kinds() []TaskKind {
	return []TaskKind{PythonTask, HTTPTask, BashTask, SQLTask}
}

// Valid reports whether k is one of the supported task kinds.
func (k TaskKind) Valid() bool {
	switch k {
	case PythonTask, HTTPTask, BashTask, SQLTask:
		return true
	}
	return false
}

// BackoffStrategy controls how the delay between retry attempts grows.
type BackoffStrategy string

const (
	FixedBackoff       BackoffStrategy = "fixed"
	LinearBackoff      BackoffStrategy = "linear"
	ExponentialBackoff BackoffStrategy = "exponential"
)

// Retry policy defaults applied by Normalized.
const (
	DefaultMaxAttempts  = 1
	DefaultBaseDelaySec = 1
	DefaultMaxDelaySec  = 300
	DefaultTimeoutSec   = 60
)

// RetryPolicy describes how a failing task is retried. Delays are in
// whole seconds so policies survive a round-trip through JSON and SQL
// without unit ambiguity.
type RetryPolicy struct {
	MaxAttempts  int             `json:"max_attempts,omitempty" db:"max_attempts"`
	Backoff      BackoffStrategy `json:"backoff,omitempty" db:"backoff"`
	BaseDelaySec int             `json:"base_delay_sec,omitempty" db:"base_delay_sec"`
	MaxDelaySec  int             `json:"max_delay_sec,omitempty" db:"max_delay_sec"`
	TimeoutSec   int             `json:"timeout_sec,omitempty" db:"timeout_sec"`
}

// Normalized returns a copy of the policy with defaults filled in for
// any zero-valued field.
func (p RetryPolicy) Normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff == "" {
		p.Backoff = FixedBackoff
	}
	if p.BaseDelaySec <= 0 {
		p.BaseDelaySec = DefaultBaseDelaySec
	}
	if p.MaxDelaySec <= 0 {
		p.MaxDelaySec = DefaultMaxDelaySec
	}
	if p.TimeoutSec <= 0 {
		p.TimeoutSec = DefaultTimeoutSec
	}
	return p
}

// BaseDelay returns the first retry delay as a duration.
func (p RetryPolicy) BaseDelay() time.Duration {
	return time.Duration(p.BaseDelaySec) * time.Second
}

// MaxDelay returns the backoff cap as a duration.
func (p RetryPolicy) MaxDelay() time.Duration {
	return time.Duration(p.MaxDelaySec) * time.Second
}

// Timeout returns the per-attempt timeout as a duration.
func (p RetryPolicy) Timeout() time.Duration {
	return time.Duration(p.TimeoutSec) * time.Second
}

// TaskDefinition is one node of a workflow's DAG.
type TaskDefinition struct {
	Key       string          `json:"key" db:"task_key"`                // Unique within the workflow
	Kind      TaskKind        `json:"kind" db:"kind"`                   // python, http, bash or sql
	Config    json.RawMessage `json:"config,omitempty" db:"config"`     // Kind-specific payload
	DependsOn []string        `json:"depends_on,omitempty"`             // Upstream task keys
	Retry     RetryPolicy     `json:"retry,omitempty"`                  // Zero value means defaults
}

// Workflow is a named, versioned DAG definition. A version becomes
// immutable once an execution references it; edits create a new version.
type Workflow struct {
	ID        int64            `json:"id" db:"id"`
	Name      string           `json:"name" db:"name"`
	Version   int              `json:"version" db:"version"`
	Schedule  string           `json:"schedule,omitempty" db:"schedule"` // Optional cron expression
	Tags      []string         `json:"tags,omitempty"`
	CreatedBy string           `json:"created_by,omitempty" db:"created_by"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
	Tasks     []TaskDefinition `json:"tasks"` // Declaration order is preserved
}

// Task returns the definition for key, or nil if absent.
func (w *Workflow) Task(key string) *TaskDefinition {
	for i := range w.Tasks {
		if w.Tasks[i].Key == key {
			return &w.Tasks[i]
		}
	}
	return nil
}
