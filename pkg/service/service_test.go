package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagforge/dagforge/internal/log"
	"github.com/dagforge/dagforge/pkg/models"
	"github.com/dagforge/dagforge/pkg/queue"
	"github.com/dagforge/dagforge/pkg/storage"
)

func newTestService(t *testing.T) (*WorkflowService, storage.Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store := storage.NewMockStore()
	broker := queue.NewMemoryBroker()
	t.Cleanup(func() { broker.Close() })
	orch := NewOrchestrator(ctx, store, broker, log.GetLogger())
	return NewWorkflowService(store, orch, log.GetLogger()), store
}

func TestValidateDefinition(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name    string
		wf      models.Workflow
		wantMsg string
	}{
		{
			name: "valid",
			wf:   models.Workflow{Name: "etl", Tasks: []models.TaskDefinition{bashDef("a")}},
		},
		{
			name:    "empty name",
			wf:      models.Workflow{Tasks: []models.TaskDefinition{bashDef("a")}},
			wantMsg: "workflow name cannot be empty",
		},
		{
			name:    "name too long",
			wf:      models.Workflow{Name: strings.Repeat("x", 101)},
			wantMsg: "workflow name too long",
		},
		{
			name:    "bad cron schedule",
			wf:      models.Workflow{Name: "etl", Schedule: "not a cron"},
			wantMsg: "invalid cron schedule",
		},
		{
			name: "valid cron schedule",
			wf:   models.Workflow{Name: "etl", Schedule: "0 3 * * *"},
		},
		{
			name:    "cycle reported",
			wf:      models.Workflow{Name: "etl", Tasks: []models.TaskDefinition{bashDef("a", "b"), bashDef("b", "a")}},
			wantMsg: "cycle",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := svc.ValidateDefinition(tt.wf)
			if tt.wantMsg == "" {
				assert.True(t, result.Valid(), "unexpected errors: %v", result.Errors)
				return
			}
			require.False(t, result.Valid())
			found := false
			for _, e := range result.Errors {
				if strings.Contains(e.Message, tt.wantMsg) {
					found = true
				}
			}
			assert.True(t, found, "no error containing %q in %v", tt.wantMsg, result.Errors)
		})
	}
}

func TestCreateWorkflowVersioning(t *testing.T) {
	svc, _ := newTestService(t)

	v1, err := svc.CreateWorkflow(models.Workflow{Name: "etl", Tasks: []models.TaskDefinition{bashDef("a")}})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	v2, err := svc.CreateWorkflow(models.Workflow{Name: "etl", Tasks: []models.TaskDefinition{bashDef("a"), bashDef("b", "a")}})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.NotEqual(t, v1.ID, v2.ID)

	latest, err := svc.GetWorkflowByName("etl", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	pinned, err := svc.GetWorkflowByName("etl", 1)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, pinned.ID)
}

func TestCreateWorkflowNormalizesRetryPolicies(t *testing.T) {
	svc, _ := newTestService(t)
	saved, err := svc.CreateWorkflow(models.Workflow{Name: "etl", Tasks: []models.TaskDefinition{bashDef("a")}})
	require.NoError(t, err)

	policy := saved.Tasks[0].Retry
	assert.Equal(t, models.DefaultMaxAttempts, policy.MaxAttempts)
	assert.Equal(t, models.FixedBackoff, policy.Backoff)
	assert.Equal(t, models.DefaultTimeoutSec, policy.TimeoutSec)
}

func TestCreateWorkflowRejectsInvalidDefinition(t *testing.T) {
	svc, store := newTestService(t)
	_, err := svc.CreateWorkflow(models.Workflow{Name: "bad", Tasks: []models.TaskDefinition{bashDef("a", "ghost")}})
	require.Error(t, err)

	var vErr *ValidationFailedError
	require.True(t, errors.As(err, &vErr))
	assert.NotEmpty(t, vErr.Result.Errors)

	workflows, err := store.ListWorkflows()
	require.NoError(t, err)
	assert.Empty(t, workflows, "invalid definition must not be persisted")
}

func TestSubmitUnknownWorkflow(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Submit(context.Background(), "ghost", 0, nil, models.APITrigger)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestSubmitTriggersExecution(t *testing.T) {
	svc, store := newTestService(t)
	wf, err := svc.CreateWorkflow(models.Workflow{Name: "etl", Tasks: []models.TaskDefinition{bashDef("a")}})
	require.NoError(t, err)

	exec, err := svc.Submit(context.Background(), "etl", 0, json.RawMessage(`{"n": 1}`), models.APITrigger)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, exec.WorkflowID)
	assert.Equal(t, wf.Version, exec.WorkflowVersion)
	assert.Equal(t, models.RunningExecutionStatus, exec.Status)

	history, err := store.ListExecutions(wf.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	snapshot, err := svc.Snapshot(exec.ID)
	require.NoError(t, err)
	require.NotNil(t, snapshot.Latest("a"))
	assert.Equal(t, models.DispatchedTaskStatus, snapshot.Latest("a").Status)
}

func TestSnapshotUnknownExecution(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Snapshot("no-such-id")
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestSchedulerTriggersScheduledWorkflows(t *testing.T) {
	svc, store := newTestService(t)
	wf, err := svc.CreateWorkflow(models.Workflow{Name: "ticker", Schedule: "@every 200ms"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler := NewScheduler(svc, log.GetLogger())
	scheduler.RefreshInterval = 50 * time.Millisecond
	go scheduler.Run(ctx)

	require.Eventually(t, func() bool {
		history, err := store.ListExecutions(wf.ID)
		return err == nil && len(history) >= 1
	}, 5*time.Second, 50*time.Millisecond)

	history, err := store.ListExecutions(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleTrigger, history[0].TriggerSource)
	assert.Equal(t, models.SucceededExecutionStatus, history[0].Status, "empty workflow completes on trigger")
}
