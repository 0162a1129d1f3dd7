// Package queue carries task dispatches to workers and completions
// back to the orchestrator. Queues are partitioned by task kind so a
// backlog of slow shell tasks cannot starve http tasks; the partition
// is chosen from the message's kind, never by the caller.
package queue

import (
	"context"
	"encoding/json"

	"github.com/dagforge/dagforge/pkg/executor"
	"github.com/dagforge/dagforge/pkg/models"
)

// TaskMessage is one dispatched task attempt.
type TaskMessage struct {
	TaskExecutionID string          `json:"task_execution_id"`
	ExecutionID     string          `json:"execution_id"`
	TaskKey         string          `json:"task_key"`
	Kind            models.TaskKind `json:"kind"`
	Config          json.RawMessage `json:"config,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	Attempt         int             `json:"attempt"`
	TimeoutSec      int             `json:"timeout_sec"`
}

// CompletionMessage reports the outcome of one attempt. Handling must
// be idempotent: brokers may deliver duplicates for the same
// (task execution, attempt) pair.
type CompletionMessage struct {
	TaskExecutionID string          `json:"task_execution_id"`
	ExecutionID     string          `json:"execution_id"`
	TaskKey         string          `json:"task_key"`
	Attempt         int             `json:"attempt"`
	Result          executor.Result `json:"result"`
}

// TaskHandler processes one dispatched task.
type TaskHandler func(ctx context.Context, msg TaskMessage)

// CompletionHandler processes one completion report.
type CompletionHandler func(ctx context.Context, msg CompletionMessage)

// Broker connects the orchestrator and the workers. Submit and
// PublishCompletion are fire-and-forget; Consume and
// ConsumeCompletions block until the context is done.
type Broker interface {
	Submit(ctx context.Context, msg TaskMessage) error
	Consume(ctx context.Context, kind models.TaskKind, handler TaskHandler) error

	PublishCompletion(ctx context.Context, msg CompletionMessage) error
	ConsumeCompletions(ctx context.Context, handler CompletionHandler) error

	// MarkCancelled flags an execution so workers drop its tasks before
	// starting them. Best effort: attempts already running finish.
	MarkCancelled(ctx context.Context, executionID string) error
	IsCancelled(ctx context.Context, executionID string) (bool, error)

	Close() error
}
