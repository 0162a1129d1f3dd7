package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/dagforge/dagforge/pkg/dag"
	"github.com/dagforge/dagforge/pkg/executor"
	"github.com/dagforge/dagforge/pkg/models"
	"github.com/dagforge/dagforge/pkg/queue"
	"github.com/dagforge/dagforge/pkg/storage"
)

const (
	// Slack added on top of the per-attempt timeout before the reaper
	// declares a worker lost; covers queue latency.
	dispatchGrace = 30 * time.Second

	// DefaultReaperInterval is how often overdue attempts are scanned for.
	DefaultReaperInterval = 2 * time.Second
)

// Orchestrator walks executions through their DAG: it dispatches ready
// tasks to the broker, absorbs completion callbacks, applies retry
// policies, skips downstream of terminal failures and settles the
// final execution status. All shared state lives in the store; the
// orchestrator itself only holds per-execution locks so two concurrent
// completions cannot double-dispatch the same downstream task.
type Orchestrator struct {
	store  storage.Store
	broker queue.Broker
	logger Logger

	// ReaperInterval overrides DefaultReaperInterval when positive.
	ReaperInterval time.Duration

	ctx context.Context // process lifetime; bounds retry timers

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	timers sync.WaitGroup
}

// NewOrchestrator wires an orchestrator to its store and broker. ctx
// bounds background work (retry timers); it should live as long as the
// process.
func NewOrchestrator(ctx context.Context, store storage.Store, broker queue.Broker, logger Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		broker: broker,
		logger: logger,
		ctx:    ctx,
		locks:  make(map[string]*sync.Mutex),
	}
}

// execLock returns the lock serializing ready-set recomputation for
// one execution.
func (o *Orchestrator) execLock(executionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[executionID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[executionID] = l
	}
	return l
}

func (o *Orchestrator) dropLock(executionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.locks, executionID)
}

// Run consumes completion callbacks and runs the timeout reaper until
// the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.broker.ConsumeCompletions(ctx, func(ctx context.Context, msg queue.CompletionMessage) {
			if err := o.HandleCompletion(ctx, msg); err != nil {
				o.logger.Errorf("Failed to handle completion for task execution %s: %v", msg.TaskExecutionID, err)
			}
		})
	})
	g.Go(func() error {
		return o.runReaper(ctx)
	})
	err := g.Wait()
	o.timers.Wait()
	return err
}

// Trigger creates an execution of the workflow and dispatches its
// initial ready set. An empty workflow completes on the spot.
func (o *Orchestrator) Trigger(ctx context.Context, wf models.Workflow, input json.RawMessage, source string) (models.WorkflowExecution, error) {
	if result := dag.Validate(wf.Tasks); !result.Valid() {
		return models.WorkflowExecution{}, errors.Errorf("workflow %s v%d is not a valid DAG: %s", wf.Name, wf.Version, result.Errors[0].Error())
	}

	exec := models.WorkflowExecution{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		TriggerSource:   source,
		Input:           input,
		Status:          models.PendingExecutionStatus,
		CreatedAt:       time.Now(),
	}
	if err := o.store.SaveExecution(exec); err != nil {
		return models.WorkflowExecution{}, errors.Wrap(err, "save execution")
	}
	if _, err := o.store.UpdateExecutionStatus(exec.ID, []models.ExecutionStatus{models.PendingExecutionStatus}, models.RunningExecutionStatus); err != nil {
		return models.WorkflowExecution{}, errors.Wrap(err, "start execution")
	}

	if len(wf.Tasks) == 0 {
		if _, err := o.store.UpdateExecutionStatus(exec.ID, []models.ExecutionStatus{models.RunningExecutionStatus}, models.SucceededExecutionStatus); err != nil {
			return models.WorkflowExecution{}, errors.Wrap(err, "complete empty execution")
		}
		o.logger.Infof("Execution %s of empty workflow %s succeeded immediately", exec.ID, wf.Name)
		return o.store.GetExecution(exec.ID)
	}

	lock := o.execLock(exec.ID)
	lock.Lock()
	o.dispatchReady(ctx, exec.ID, wf)
	lock.Unlock()

	o.logger.Infof("Triggered execution %s of workflow %s v%d (%s)", exec.ID, wf.Name, wf.Version, source)
	return o.store.GetExecution(exec.ID)
}

// dispatchReady dispatches every task whose dependencies are all
// terminal-success and which has no attempt yet. Caller holds the
// execution lock.
func (o *Orchestrator) dispatchReady(ctx context.Context, executionID string, wf models.Workflow) {
	exec, err := o.store.GetExecution(executionID)
	if err != nil || exec.Status != models.RunningExecutionStatus {
		return
	}
	ready, err := o.store.GetReadyTasks(executionID)
	if err != nil {
		o.logger.Errorf("Failed to compute ready set for execution %s: %v", executionID, err)
		return
	}
	for _, key := range ready {
		def := wf.Task(key)
		if def == nil {
			o.logger.Errorf("Ready task %s not found in workflow %s v%d", key, wf.Name, wf.Version)
			continue
		}
		o.dispatchAttempt(ctx, executionID, wf, *def, 1)
	}
}

// dispatchAttempt creates one attempt row, claims it and hands it to
// the broker. The claim (PENDING -> DISPATCHED) is the
// exactly-once gate when several orchestrators share a store. A failed
// broker submit is left for the reaper, which turns it into a TIMEOUT
// and reruns the retry policy.
func (o *Orchestrator) dispatchAttempt(ctx context.Context, executionID string, wf models.Workflow, def models.TaskDefinition, attempt int) {
	policy := def.Retry.Normalized()
	input, err := o.buildTaskInput(executionID, def)
	if err != nil {
		o.logger.Errorf("Failed to build input for task %s in execution %s: %v", def.Key, executionID, err)
		return
	}

	te := models.TaskExecution{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		TaskKey:     def.Key,
		Attempt:     attempt,
		Status:      models.PendingTaskStatus,
		Input:       input,
		CreatedAt:   time.Now(),
	}
	if err := o.store.SaveTaskExecution(te); err != nil {
		o.logger.Errorf("Failed to save attempt %d of task %s: %v", attempt, def.Key, err)
		return
	}

	timeoutAt := time.Now().Add(policy.Timeout() + dispatchGrace)
	claimed, err := o.store.RecordTransition(te.ID, []models.TaskExecutionStatus{models.PendingTaskStatus}, models.DispatchedTaskStatus, storage.TransitionUpdate{TimeoutAt: &timeoutAt})
	if err != nil {
		o.logger.Errorf("Failed to claim task execution %s: %v", te.ID, err)
		return
	}
	if !claimed {
		// Another orchestrator instance won the claim.
		return
	}

	msg := queue.TaskMessage{
		TaskExecutionID: te.ID,
		ExecutionID:     executionID,
		TaskKey:         def.Key,
		Kind:            def.Kind,
		Config:          def.Config,
		Input:           input,
		Attempt:         attempt,
		TimeoutSec:      policy.TimeoutSec,
	}
	if err := o.broker.Submit(ctx, msg); err != nil {
		o.logger.Errorf("Failed to submit task %s attempt %d to queue: %v", def.Key, attempt, err)
		return
	}
	o.logger.Infof("Dispatched task %s attempt %d of execution %s", def.Key, attempt, executionID)
}

// taskInput is the input context handed to a task attempt.
type taskInput struct {
	WorkflowInput json.RawMessage            `json:"workflow_input,omitempty"`
	Upstream      map[string]json.RawMessage `json:"upstream,omitempty"`
}

// buildTaskInput combines the execution's input payload with the
// outputs of the task's upstream dependencies. Upstream outputs only
// appear here once the upstream attempt is terminal-success, which is
// guaranteed because readiness requires it.
func (o *Orchestrator) buildTaskInput(executionID string, def models.TaskDefinition) (json.RawMessage, error) {
	snapshot, err := o.store.GetExecutionSnapshot(executionID)
	if err != nil {
		return nil, err
	}
	in := taskInput{WorkflowInput: snapshot.Execution.Input}
	for _, dep := range def.DependsOn {
		latest := snapshot.Latest(dep)
		if latest == nil || latest.Status != models.SucceededTaskStatus {
			return nil, errors.Errorf("dependency %s of task %s is not terminal-success", dep, def.Key)
		}
		if latest.Output != nil {
			if in.Upstream == nil {
				in.Upstream = make(map[string]json.RawMessage)
			}
			in.Upstream[dep] = latest.Output
		}
	}
	return json.Marshal(in)
}

// HandleCompletion absorbs one completion callback. It is idempotent:
// the status compare-and-swap in the store picks exactly one winner, so
// a duplicate callback for the same attempt is a no-op. Callbacks for
// executions that already reached a terminal status are accepted and
// logged but trigger nothing.
func (o *Orchestrator) HandleCompletion(ctx context.Context, msg queue.CompletionMessage) error {
	te, err := o.store.GetTaskExecution(msg.TaskExecutionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			o.logger.Errorf("Completion for unknown task execution %s dropped", msg.TaskExecutionID)
			return nil
		}
		return errors.Wrap(err, "load task execution")
	}
	if te.Attempt != msg.Attempt {
		o.logger.Infof("Stale completion for task %s (attempt %d, current %d) dropped", te.TaskKey, msg.Attempt, te.Attempt)
		return nil
	}

	exec, err := o.store.GetExecution(te.ExecutionID)
	if err != nil {
		return errors.Wrap(err, "load execution")
	}
	if exec.Status.Terminal() {
		o.logger.Infof("Late completion for task %s accepted but execution %s is already %s", te.TaskKey, exec.ID, exec.Status)
		return nil
	}
	wf, err := o.store.GetWorkflow(exec.WorkflowID)
	if err != nil {
		return errors.Wrap(err, "load workflow")
	}

	inflight := []models.TaskExecutionStatus{models.DispatchedTaskStatus, models.RunningTaskStatus}
	result := msg.Result

	if !result.Failed() {
		won, err := o.store.RecordTransition(te.ID, inflight, models.SucceededTaskStatus, storage.TransitionUpdate{Output: result.Output})
		if err != nil {
			return errors.Wrap(err, "record success")
		}
		if !won {
			return nil
		}
		o.logger.Infof("Task %s attempt %d of execution %s succeeded", te.TaskKey, te.Attempt, exec.ID)
		lock := o.execLock(exec.ID)
		lock.Lock()
		o.dispatchReady(ctx, exec.ID, wf)
		o.finalize(exec.ID, wf)
		lock.Unlock()
		return nil
	}

	def := wf.Task(te.TaskKey)
	if def == nil {
		return errors.Errorf("task %s not defined in workflow %d v%d", te.TaskKey, wf.ID, wf.Version)
	}
	policy := def.Retry.Normalized()
	upd := storage.TransitionUpdate{ErrorKind: result.ErrKind, ErrorMsg: result.ErrMsg, Output: result.Output}

	if result.ErrKind.Retryable() && te.Attempt < policy.MaxAttempts {
		delay := executor.BackoffDelay(policy, te.Attempt)
		// The deadline outlives this process: if the backoff timer dies
		// with it, the reaper finds the overdue RETRYING row and
		// redispatches the next attempt after a restart.
		retryAt := time.Now().Add(delay + dispatchGrace)
		retryUpd := upd
		retryUpd.TimeoutAt = &retryAt
		won, err := o.store.RecordTransition(te.ID, inflight, models.RetryingTaskStatus, retryUpd)
		if err != nil {
			return errors.Wrap(err, "record retry")
		}
		if !won {
			return nil
		}
		o.logger.Infof("Task %s attempt %d of execution %s failed (%s), retrying in %s", te.TaskKey, te.Attempt, exec.ID, result.ErrKind, delay)
		o.scheduleRetry(exec.ID, *def, te.Attempt+1, delay)
		return nil
	}

	won, err := o.store.RecordTransition(te.ID, inflight, models.FailedTaskStatus, upd)
	if err != nil {
		return errors.Wrap(err, "record failure")
	}
	if !won {
		return nil
	}
	o.logger.Infof("Task %s of execution %s failed terminally after %d attempt(s): %s", te.TaskKey, exec.ID, te.Attempt, result.ErrMsg)

	lock := o.execLock(exec.ID)
	lock.Lock()
	o.skipDownstream(exec.ID, wf, te.TaskKey)
	o.finalize(exec.ID, wf)
	lock.Unlock()
	return nil
}

// scheduleRetry redispatches a task after the backoff delay, unless the
// execution left RUNNING in the meantime.
func (o *Orchestrator) scheduleRetry(executionID string, def models.TaskDefinition, attempt int, delay time.Duration) {
	o.timers.Add(1)
	timer := time.AfterFunc(delay, func() {
		defer o.timers.Done()
		if o.ctx.Err() != nil {
			return
		}
		o.redispatchRetry(o.ctx, executionID, def.Key, attempt)
	})
	go func() {
		<-o.ctx.Done()
		if timer.Stop() {
			o.timers.Done()
		}
	}()
}

// redispatchRetry creates the next attempt of a task whose previous
// attempt went RETRYING. It runs from the in-memory backoff timer and,
// after a restart, from the reaper picking up the overdue RETRYING row;
// the snapshot check under the execution lock keeps the two from
// dispatching the same attempt twice.
func (o *Orchestrator) redispatchRetry(ctx context.Context, executionID, taskKey string, attempt int) {
	exec, err := o.store.GetExecution(executionID)
	if err != nil || exec.Status != models.RunningExecutionStatus {
		return
	}
	wf, err := o.store.GetWorkflow(exec.WorkflowID)
	if err != nil {
		o.logger.Errorf("Failed to load workflow for retry of task %s: %v", taskKey, err)
		return
	}
	def := wf.Task(taskKey)
	if def == nil {
		o.logger.Errorf("Retrying task %s not found in workflow %d v%d", taskKey, wf.ID, wf.Version)
		return
	}
	lock := o.execLock(executionID)
	lock.Lock()
	defer lock.Unlock()
	snapshot, err := o.store.GetExecutionSnapshot(executionID)
	if err != nil {
		o.logger.Errorf("Failed to load snapshot for retry of task %s: %v", taskKey, err)
		return
	}
	if latest := snapshot.Latest(taskKey); latest != nil && latest.Attempt >= attempt {
		return
	}
	o.dispatchAttempt(ctx, executionID, wf, *def, attempt)
}

// skipDownstream marks every transitive dependent of the failed task
// SKIPPED. Only tasks without an attempt get a row; anything already
// attempted resolves through its own callback. Independent branches of
// the DAG are untouched and run to completion.
func (o *Orchestrator) skipDownstream(executionID string, wf models.Workflow, failedKey string) {
	snapshot, err := o.store.GetExecutionSnapshot(executionID)
	if err != nil {
		o.logger.Errorf("Failed to load snapshot for skip propagation in execution %s: %v", executionID, err)
		return
	}
	attempted := map[string]bool{}
	for _, te := range snapshot.Tasks {
		attempted[te.TaskKey] = true
	}
	now := time.Now()
	for _, key := range dag.Downstream(wf.Tasks, failedKey) {
		if attempted[key] {
			continue
		}
		te := models.TaskExecution{
			ID:          uuid.NewString(),
			ExecutionID: executionID,
			TaskKey:     key,
			Attempt:     1,
			Status:      models.SkippedTaskStatus,
			ErrorMsg:    fmt.Sprintf("skipped: upstream task %s failed", failedKey),
			FinishedAt:  &now,
			CreatedAt:   now,
		}
		if err := o.store.SaveTaskExecution(te); err != nil {
			o.logger.Errorf("Failed to mark task %s skipped: %v", key, err)
			continue
		}
		o.logger.Infof("Task %s of execution %s skipped (upstream %s failed)", key, executionID, failedKey)
	}
}

// finalize settles the execution status once every task has a terminal
// resolution: SUCCEEDED only when all tasks succeeded, FAILED as soon
// as any task exhausted its retries. Caller holds the execution lock.
func (o *Orchestrator) finalize(executionID string, wf models.Workflow) {
	snapshot, err := o.store.GetExecutionSnapshot(executionID)
	if err != nil {
		o.logger.Errorf("Failed to load snapshot to finalize execution %s: %v", executionID, err)
		return
	}
	if snapshot.Execution.Status != models.RunningExecutionStatus {
		return
	}

	allSucceeded := true
	for _, def := range wf.Tasks {
		latest := snapshot.Latest(def.Key)
		if latest == nil || !latest.Status.Terminal() {
			return // still work in flight
		}
		if latest.Status != models.SucceededTaskStatus {
			allSucceeded = false
		}
	}

	final := models.FailedExecutionStatus
	if allSucceeded {
		final = models.SucceededExecutionStatus
	}
	won, err := o.store.UpdateExecutionStatus(executionID, []models.ExecutionStatus{models.RunningExecutionStatus}, final)
	if err != nil {
		o.logger.Errorf("Failed to finalize execution %s: %v", executionID, err)
		return
	}
	if won {
		o.dropLock(executionID)
		o.logger.Infof("Execution %s finished with status %s", executionID, final)
	}
}

// Cancel transitions the execution to CANCELLED immediately and marks
// all non-terminal attempts CANCELLED. In-flight work is cancelled best
// effort through the broker's cancel marker; side effects already
// underway may still complete, and their late callbacks are accepted
// without changing the terminal status.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	if _, err := o.store.GetExecution(executionID); err != nil {
		return errors.Wrapf(err, "cancel execution %s", executionID)
	}
	won, err := o.store.UpdateExecutionStatus(executionID,
		[]models.ExecutionStatus{models.PendingExecutionStatus, models.RunningExecutionStatus},
		models.CancelledExecutionStatus)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return errors.Wrapf(err, "cancel execution %s", executionID)
	}
	if !won {
		o.logger.Infof("Cancel of execution %s ignored: already terminal", executionID)
		return nil
	}
	if err := o.broker.MarkCancelled(ctx, executionID); err != nil {
		o.logger.Errorf("Failed to mark execution %s cancelled on broker: %v", executionID, err)
	}

	lock := o.execLock(executionID)
	lock.Lock()
	defer lock.Unlock()
	snapshot, err := o.store.GetExecutionSnapshot(executionID)
	if err != nil {
		return errors.Wrap(err, "load snapshot")
	}
	nonTerminal := []models.TaskExecutionStatus{
		models.PendingTaskStatus, models.DispatchedTaskStatus,
		models.RunningTaskStatus, models.RetryingTaskStatus,
	}
	for _, te := range snapshot.Tasks {
		if te.Status.Terminal() {
			continue
		}
		if _, err := o.store.RecordTransition(te.ID, nonTerminal, models.CancelledTaskStatus, storage.TransitionUpdate{
			ErrorKind: models.CancelledError,
			ErrorMsg:  "execution cancelled",
		}); err != nil {
			o.logger.Errorf("Failed to cancel task execution %s: %v", te.ID, err)
		}
	}
	o.dropLock(executionID)
	o.logger.Infof("Execution %s cancelled", executionID)
	return nil
}

// runReaper periodically converts attempts whose deadline passed
// without a callback into TIMEOUT failures, feeding them through the
// normal completion path so the retry policy applies as if the worker
// itself had reported the timeout. RETRYING rows past their deadline
// mean the backoff timer was lost to a restart; those are redispatched
// instead of failed.
func (o *Orchestrator) runReaper(ctx context.Context) error {
	interval := o.ReaperInterval
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			overdue, err := o.store.GetOverdueTasks(time.Now())
			if err != nil {
				o.logger.Errorf("Reaper failed to list overdue tasks: %v", err)
				continue
			}
			for _, te := range overdue {
				if te.Status == models.RetryingTaskStatus {
					// The backoff timer for this retry died with its
					// process; pick the retry back up here.
					o.logger.Infof("Task %s attempt %d of execution %s stuck in RETRYING past its deadline, redispatching", te.TaskKey, te.Attempt, te.ExecutionID)
					o.redispatchRetry(ctx, te.ExecutionID, te.TaskKey, te.Attempt+1)
					continue
				}
				o.logger.Infof("Task %s attempt %d of execution %s overdue, treating as timeout", te.TaskKey, te.Attempt, te.ExecutionID)
				msg := queue.CompletionMessage{
					TaskExecutionID: te.ID,
					ExecutionID:     te.ExecutionID,
					TaskKey:         te.TaskKey,
					Attempt:         te.Attempt,
					Result:          executor.Failure(models.TimeoutError, "no completion callback before deadline; worker presumed lost"),
				}
				if err := o.HandleCompletion(ctx, msg); err != nil {
					o.logger.Errorf("Reaper failed to time out task execution %s: %v", te.ID, err)
				}
			}
		}
	}
}
