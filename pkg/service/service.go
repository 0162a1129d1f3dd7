package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/dagforge/dagforge/pkg/dag"
	"github.com/dagforge/dagforge/pkg/models"
	"github.com/dagforge/dagforge/pkg/storage"
)

// Logger defines the logging interface the services depend on.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// WorkflowService is the front door of the engine: it validates and
// versions workflow definitions and forwards triggers, status queries
// and cancellations to the orchestrator.
type WorkflowService struct {
	store        storage.Store
	orchestrator *Orchestrator
	logger       Logger
}

func NewWorkflowService(store storage.Store, orchestrator *Orchestrator, logger Logger) *WorkflowService {
	return &WorkflowService{
		store:        store,
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// ValidateDefinition checks a raw workflow definition without touching
// storage or executing anything. All problems are reported at once.
func (s *WorkflowService) ValidateDefinition(wf models.Workflow) dag.ValidationResult {
	result := dag.Validate(wf.Tasks)
	if wf.Name == "" {
		result.Errors = append(result.Errors, dag.ValidationError{Message: "workflow name cannot be empty"})
	}
	if len(wf.Name) > 100 {
		result.Errors = append(result.Errors, dag.ValidationError{Message: "workflow name too long (max 100 characters)"})
	}
	if wf.Schedule != "" {
		if _, err := cron.ParseStandard(wf.Schedule); err != nil {
			result.Errors = append(result.Errors, dag.ValidationError{Message: fmt.Sprintf("invalid cron schedule %q: %v", wf.Schedule, err)})
		}
	}
	return result
}

// CreateWorkflow validates and persists a definition. Saving under an
// existing name creates the next version; versions already referenced
// by executions are never mutated.
func (s *WorkflowService) CreateWorkflow(wf models.Workflow) (saved models.Workflow, err error) {
	if result := s.ValidateDefinition(wf); !result.Valid() {
		return models.Workflow{}, ValidationFailed(result)
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return models.Workflow{}, errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	for i := range wf.Tasks {
		wf.Tasks[i].Retry = wf.Tasks[i].Retry.Normalized()
	}
	saved, err = txStore.SaveWorkflow(wf)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "save workflow %q", wf.Name)
	}
	s.logger.Infof("Created workflow '%s' v%d with ID %d (%d tasks)", saved.Name, saved.Version, saved.ID, len(saved.Tasks))
	return saved, nil
}

// GetWorkflow fetches a workflow version by ID.
func (s *WorkflowService) GetWorkflow(id int64) (models.Workflow, error) {
	wf, err := s.store.GetWorkflow(id)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "get workflow %d", id)
	}
	return wf, nil
}

// GetWorkflowByName fetches a workflow by name; version 0 means latest.
func (s *WorkflowService) GetWorkflowByName(name string, version int) (models.Workflow, error) {
	wf, err := s.store.GetWorkflowByName(name, version)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "get workflow %q v%d", name, version)
	}
	return wf, nil
}

func (s *WorkflowService) ListWorkflows() ([]models.Workflow, error) {
	return s.store.ListWorkflows()
}

// Submit triggers an execution of a stored workflow version and
// returns the created execution record. Only validation problems are
// reported synchronously; runtime failures surface through Snapshot.
func (s *WorkflowService) Submit(ctx context.Context, name string, version int, input json.RawMessage, source string) (models.WorkflowExecution, error) {
	wf, err := s.store.GetWorkflowByName(name, version)
	if err != nil {
		return models.WorkflowExecution{}, errors.Wrapf(err, "get workflow %q", name)
	}
	return s.orchestrator.Trigger(ctx, wf, input, source)
}

// Snapshot returns the consistent full state of an execution: its
// record plus every task attempt, readable while tasks still run.
func (s *WorkflowService) Snapshot(executionID string) (models.ExecutionSnapshot, error) {
	snapshot, err := s.store.GetExecutionSnapshot(executionID)
	if err != nil {
		return models.ExecutionSnapshot{}, errors.Wrapf(err, "snapshot execution %s", executionID)
	}
	return snapshot, nil
}

// Cancel requests cancellation of an execution.
func (s *WorkflowService) Cancel(ctx context.Context, executionID string) error {
	return s.orchestrator.Cancel(ctx, executionID)
}

// ListExecutions returns the execution history of a workflow.
func (s *WorkflowService) ListExecutions(workflowID int64) ([]models.WorkflowExecution, error) {
	return s.store.ListExecutions(workflowID)
}

// ValidationFailedError carries a full validation result across the
// service boundary so callers can render every problem at once.
type ValidationFailedError struct {
	Result dag.ValidationResult
}

func (e *ValidationFailedError) Error() string {
	if len(e.Result.Errors) == 1 {
		return "invalid workflow: " + e.Result.Errors[0].Error()
	}
	return fmt.Sprintf("invalid workflow: %d errors, first: %s", len(e.Result.Errors), e.Result.Errors[0].Error())
}

// ValidationFailed wraps a validation result into an error.
func ValidationFailed(result dag.ValidationResult) error {
	return &ValidationFailedError{Result: result}
}

// Scheduler triggers cron-scheduled workflows. It refreshes its entry
// table from the store so newly saved schedules are picked up without
// a restart.
type Scheduler struct {
	svc    *WorkflowService
	logger Logger

	// RefreshInterval controls how often schedules are reloaded.
	RefreshInterval time.Duration
}

func NewScheduler(svc *WorkflowService, logger Logger) *Scheduler {
	return &Scheduler{svc: svc, logger: logger, RefreshInterval: time.Minute}
}

// Run blocks until the context is done.
func (s *Scheduler) Run(ctx context.Context) error {
	var runner *cron.Cron
	fingerprint := ""

	reload := func() {
		workflows, err := s.svc.store.ListScheduledWorkflows()
		if err != nil {
			s.logger.Errorf("Scheduler failed to load workflows: %v", err)
			return
		}
		next := ""
		for _, wf := range workflows {
			next += fmt.Sprintf("%s@%d=%s;", wf.Name, wf.Version, wf.Schedule)
		}
		if next == fingerprint {
			return
		}
		if runner != nil {
			runner.Stop()
		}
		runner = cron.New()
		for _, wf := range workflows {
			wf := wf
			if _, err := runner.AddFunc(wf.Schedule, func() {
				if _, err := s.svc.orchestrator.Trigger(ctx, wf, nil, models.ScheduleTrigger); err != nil {
					s.logger.Errorf("Scheduled trigger of workflow %s failed: %v", wf.Name, err)
				}
			}); err != nil {
				s.logger.Errorf("Scheduler rejected cron %q for workflow %s: %v", wf.Schedule, wf.Name, err)
			}
		}
		runner.Start()
		fingerprint = next
		s.logger.Infof("Scheduler loaded %d scheduled workflow(s)", len(workflows))
	}

	reload()
	interval := s.RefreshInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if runner != nil {
				runner.Stop()
			}
			return ctx.Err()
		case <-ticker.C:
			reload()
		}
	}
}
