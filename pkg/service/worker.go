package service

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dagforge/dagforge/pkg/executor"
	"github.com/dagforge/dagforge/pkg/models"
	"github.com/dagforge/dagforge/pkg/queue"
	"github.com/dagforge/dagforge/pkg/storage"
)

// Worker pulls dispatched tasks from the broker, executes them through
// the runner registry and publishes completions. Workers share no
// memory with the orchestrator; the store and the broker are the only
// coordination points, so any number of worker processes can run.
type Worker struct {
	store    storage.Store
	broker   queue.Broker
	registry *executor.Registry
	logger   Logger

	// Kinds limits which queues this worker consumes; empty means all
	// kinds the registry can run.
	Kinds []models.TaskKind
	// Concurrency is the number of consumers per kind; defaults to the
	// CPU count.
	Concurrency int
}

func NewWorker(store storage.Store, broker queue.Broker, registry *executor.Registry, logger Logger) *Worker {
	return &Worker{
		store:    store,
		broker:   broker,
		registry: registry,
		logger:   logger,
	}
}

// Run consumes the kind-partitioned queues until the context is done.
func (w *Worker) Run(ctx context.Context) error {
	kinds := w.Kinds
	if len(kinds) == 0 {
		kinds = w.registry.Kinds()
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		kind := kind
		for i := 0; i < concurrency; i++ {
			g.Go(func() error {
				return w.broker.Consume(ctx, kind, w.handle)
			})
		}
	}
	w.logger.Infof("Worker consuming %d kind(s) with concurrency %d", len(kinds), concurrency)
	return g.Wait()
}

// handle runs one dispatched attempt. The DISPATCHED -> RUNNING swap
// doubles as a duplicate-delivery guard: a redelivered message loses
// the swap and is dropped.
func (w *Worker) handle(ctx context.Context, msg queue.TaskMessage) {
	cancelled, err := w.broker.IsCancelled(ctx, msg.ExecutionID)
	if err != nil {
		w.logger.Errorf("Failed to check cancel marker for execution %s: %v", msg.ExecutionID, err)
	}
	if cancelled {
		w.logger.Infof("Dropping task %s: execution %s is cancelled", msg.TaskKey, msg.ExecutionID)
		return
	}

	won, err := w.store.RecordTransition(msg.TaskExecutionID,
		[]models.TaskExecutionStatus{models.DispatchedTaskStatus},
		models.RunningTaskStatus, storage.TransitionUpdate{})
	if err != nil {
		w.logger.Errorf("Failed to mark task execution %s running: %v", msg.TaskExecutionID, err)
		return
	}
	if !won {
		w.logger.Infof("Dropping task %s attempt %d: already claimed or resolved", msg.TaskKey, msg.Attempt)
		return
	}

	req := executor.Request{
		TaskExecutionID: msg.TaskExecutionID,
		ExecutionID:     msg.ExecutionID,
		TaskKey:         msg.TaskKey,
		Kind:            msg.Kind,
		Config:          msg.Config,
		Input:           msg.Input,
		Attempt:         msg.Attempt,
		Timeout:         time.Duration(msg.TimeoutSec) * time.Second,
	}
	result := w.registry.Run(ctx, req)
	if result.Failed() {
		w.logger.Infof("Task %s attempt %d failed (%s): %s", msg.TaskKey, msg.Attempt, result.ErrKind, result.ErrMsg)
	} else {
		w.logger.Infof("Task %s attempt %d completed in %s", msg.TaskKey, msg.Attempt, result.Duration)
	}

	completion := queue.CompletionMessage{
		TaskExecutionID: msg.TaskExecutionID,
		ExecutionID:     msg.ExecutionID,
		TaskKey:         msg.TaskKey,
		Attempt:         msg.Attempt,
		Result:          result,
	}
	if err := w.broker.PublishCompletion(ctx, completion); err != nil {
		// The reaper converts the silent attempt into a TIMEOUT.
		w.logger.Errorf("Failed to publish completion for task execution %s: %v", msg.TaskExecutionID, err)
	}
}
