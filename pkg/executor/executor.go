// Package executor runs single task attempts. Each task kind has a
// TaskRunner implementation registered under its kind; adding a kind
// means adding a runner, not another switch branch. Runners are
// stateless between invocations: external calls are their only side
// effects.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dagforge/dagforge/pkg/models"
)

// Request carries everything a runner needs for one attempt.
type Request struct {
	TaskExecutionID string
	ExecutionID     string
	TaskKey         string
	Kind            models.TaskKind
	Config          json.RawMessage // Kind-specific configuration
	Input           json.RawMessage // Workflow input plus upstream outputs
	Attempt         int
	Timeout         time.Duration // Per-attempt; zero means no limit
}

// Result is the outcome of one attempt. Task-level failures are
// carried in ErrKind/ErrMsg rather than a Go error so they can be
// persisted and retried; a runner only has an error-shaped result,
// never a panic across the boundary.
type Result struct {
	Output   json.RawMessage  `json:"output,omitempty"`
	ErrKind  models.ErrorKind `json:"error_kind,omitempty"`
	ErrMsg   string           `json:"error,omitempty"`
	Duration time.Duration    `json:"duration_ns,omitempty"`
}

// Failed reports whether the attempt ended in an error.
func (r Result) Failed() bool {
	return r.ErrKind != ""
}

// Success wraps output into a successful result.
func Success(output json.RawMessage) Result {
	return Result{Output: output}
}

// Failure builds a failed result with the given kind and message.
func Failure(kind models.ErrorKind, format string, args ...interface{}) Result {
	return Result{ErrKind: kind, ErrMsg: fmt.Sprintf(format, args...)}
}

// TaskRunner executes attempts of a single task kind.
type TaskRunner interface {
	Kind() models.TaskKind
	Run(ctx context.Context, req Request) Result
}

// Registry dispatches requests to the runner registered for their kind.
type Registry struct {
	runners map[models.TaskKind]TaskRunner
	mu      sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[models.TaskKind]TaskRunner)}
}

// Register adds a runner; registering a kind twice is an error.
func (r *Registry) Register(runner TaskRunner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind := runner.Kind()
	if _, exists := r.runners[kind]; exists {
		return fmt.Errorf("runner for kind %q already registered", kind)
	}
	r.runners[kind] = runner
	return nil
}

func (r *Registry) MustRegister(runner TaskRunner) {
	if err := r.Register(runner); err != nil {
		panic(err)
	}
}

// Get returns the runner for kind.
func (r *Registry) Get(kind models.TaskKind) (TaskRunner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[kind]
	return runner, ok
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []models.TaskKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]models.TaskKind, 0, len(r.runners))
	for k := range r.runners {
		kinds = append(kinds, k)
	}
	return kinds
}

// Run executes one attempt under the request's timeout. A runner that
// overruns the deadline is abandoned and the attempt reported as
// TIMEOUT; context cancellation from above maps to CANCELLED.
func (r *Registry) Run(ctx context.Context, req Request) Result {
	runner, ok := r.Get(req.Kind)
	if !ok {
		return Failure(models.ValidationError, "no runner registered for kind %q", req.Kind)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- runner.Run(runCtx, req)
	}()

	select {
	case res := <-resultCh:
		res.Duration = time.Since(start)
		if res.Failed() && runCtx.Err() == context.DeadlineExceeded {
			res.ErrKind = models.TimeoutError
		}
		return res
	case <-runCtx.Done():
		res := Result{Duration: time.Since(start)}
		if runCtx.Err() == context.DeadlineExceeded {
			res.ErrKind = models.TimeoutError
			res.ErrMsg = fmt.Sprintf("task %s exceeded timeout of %s", req.TaskKey, req.Timeout)
		} else {
			res.ErrKind = models.CancelledError
			res.ErrMsg = fmt.Sprintf("task %s cancelled: %v", req.TaskKey, runCtx.Err())
		}
		return res
	}
}

// DefaultRegistry returns a registry with every built-in runner.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(NewHTTPRunner())
	r.MustRegister(NewBashRunner())
	r.MustRegister(NewPythonRunner())
	r.MustRegister(NewSQLRunner())
	return r
}

// asJSON returns raw bytes unchanged when they already form a JSON
// document, otherwise wraps them as a JSON string.
func asJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, err := json.Marshal(string(b))
	if err != nil {
		return nil
	}
	return quoted
}
