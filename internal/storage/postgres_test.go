package storage

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagforge/dagforge/internal/testutil"
	"github.com/dagforge/dagforge/pkg/models"
	"github.com/dagforge/dagforge/pkg/storage"
)

func sampleWorkflow(name string) models.Workflow {
	return models.Workflow{
		Name:     name,
		Schedule: "",
		Tags:     []string{"team:data"},
		Tasks: []models.TaskDefinition{
			{
				Key:    "extract",
				Kind:   models.HTTPTask,
				Config: json.RawMessage(`{"url": "http://example.com"}`),
				Retry:  models.RetryPolicy{MaxAttempts: 3, Backoff: models.ExponentialBackoff, BaseDelaySec: 2, MaxDelaySec: 60, TimeoutSec: 30},
			},
			{
				Key:       "load",
				Kind:      models.BashTask,
				Config:    json.RawMessage(`{"command": "true"}`),
				DependsOn: []string{"extract"},
			},
		},
	}
}

func newExecution(wf models.Workflow) models.WorkflowExecution {
	return models.WorkflowExecution{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		TriggerSource:   models.APITrigger,
		Input:           json.RawMessage(`{"n": 1}`),
		Status:          models.PendingExecutionStatus,
		CreatedAt:       time.Now(),
	}
}

func newAttempt(executionID, key string, attempt int, status models.TaskExecutionStatus) models.TaskExecution {
	return models.TaskExecution{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		TaskKey:     key,
		Attempt:     attempt,
		Status:      status,
		CreatedAt:   time.Now(),
	}
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	td := testutil.SetupTestDB(t)
	defer td.Teardown(t)

	store, err := NewPostgresStore(td.ConnStr)
	require.NoError(t, err)
	defer store.Close()

	t.Run("SaveWorkflowRoundTrip", func(t *testing.T) {
		td.Reset(t)
		saved, err := store.SaveWorkflow(sampleWorkflow("etl"))
		require.NoError(t, err)
		assert.Equal(t, 1, saved.Version)
		require.NotZero(t, saved.ID)

		loaded, err := store.GetWorkflow(saved.ID)
		require.NoError(t, err)
		assert.Equal(t, "etl", loaded.Name)
		assert.Equal(t, []string{"team:data"}, loaded.Tags)
		require.Len(t, loaded.Tasks, 2)

		extract := loaded.Tasks[0]
		assert.Equal(t, "extract", extract.Key)
		assert.Equal(t, models.HTTPTask, extract.Kind)
		assert.JSONEq(t, `{"url": "http://example.com"}`, string(extract.Config))
		assert.Equal(t, 3, extract.Retry.MaxAttempts)
		assert.Equal(t, models.ExponentialBackoff, extract.Retry.Backoff)
		assert.Equal(t, 30, extract.Retry.TimeoutSec)

		load := loaded.Tasks[1]
		assert.Equal(t, []string{"extract"}, load.DependsOn)
		assert.Equal(t, models.DefaultMaxAttempts, load.Retry.MaxAttempts, "empty policy persisted normalized")
	})

	t.Run("SaveWorkflowBumpsVersion", func(t *testing.T) {
		td.Reset(t)
		v1, err := store.SaveWorkflow(sampleWorkflow("etl"))
		require.NoError(t, err)
		v2, err := store.SaveWorkflow(sampleWorkflow("etl"))
		require.NoError(t, err)
		assert.Equal(t, 1, v1.Version)
		assert.Equal(t, 2, v2.Version)

		latest, err := store.GetWorkflowByName("etl", 0)
		require.NoError(t, err)
		assert.Equal(t, v2.ID, latest.ID)

		pinned, err := store.GetWorkflowByName("etl", 1)
		require.NoError(t, err)
		assert.Equal(t, v1.ID, pinned.ID)

		_, err = store.GetWorkflowByName("missing", 0)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListScheduledWorkflows", func(t *testing.T) {
		td.Reset(t)
		unscheduled := sampleWorkflow("adhoc")
		_, err := store.SaveWorkflow(unscheduled)
		require.NoError(t, err)

		nightly := sampleWorkflow("nightly")
		nightly.Schedule = "0 3 * * *"
		_, err = store.SaveWorkflow(nightly)
		require.NoError(t, err)
		v2, err := store.SaveWorkflow(nightly)
		require.NoError(t, err)

		scheduled, err := store.ListScheduledWorkflows()
		require.NoError(t, err)
		require.Len(t, scheduled, 1)
		assert.Equal(t, v2.ID, scheduled[0].ID, "only the latest version is scheduled")
		assert.Len(t, scheduled[0].Tasks, 2)
	})

	t.Run("ExecutionLifecycle", func(t *testing.T) {
		td.Reset(t)
		wf, err := store.SaveWorkflow(sampleWorkflow("etl"))
		require.NoError(t, err)
		exec := newExecution(wf)
		require.NoError(t, store.SaveExecution(exec))

		loaded, err := store.GetExecution(exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PendingExecutionStatus, loaded.Status)
		assert.JSONEq(t, `{"n": 1}`, string(loaded.Input))
		assert.Nil(t, loaded.StartedAt)

		won, err := store.UpdateExecutionStatus(exec.ID, []models.ExecutionStatus{models.PendingExecutionStatus}, models.RunningExecutionStatus)
		require.NoError(t, err)
		assert.True(t, won)

		// Same guard again: the row already left PENDING.
		won, err = store.UpdateExecutionStatus(exec.ID, []models.ExecutionStatus{models.PendingExecutionStatus}, models.RunningExecutionStatus)
		require.NoError(t, err)
		assert.False(t, won)

		won, err = store.UpdateExecutionStatus(exec.ID, []models.ExecutionStatus{models.RunningExecutionStatus}, models.SucceededExecutionStatus)
		require.NoError(t, err)
		assert.True(t, won)

		loaded, err = store.GetExecution(exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SucceededExecutionStatus, loaded.Status)
		assert.NotNil(t, loaded.StartedAt)
		assert.NotNil(t, loaded.FinishedAt)

		history, err := store.ListExecutions(wf.ID)
		require.NoError(t, err)
		assert.Len(t, history, 1)

		_, err = store.GetExecution("no-such-id")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("TaskExecutionUniquePerAttempt", func(t *testing.T) {
		td.Reset(t)
		wf, err := store.SaveWorkflow(sampleWorkflow("etl"))
		require.NoError(t, err)
		exec := newExecution(wf)
		require.NoError(t, store.SaveExecution(exec))

		require.NoError(t, store.SaveTaskExecution(newAttempt(exec.ID, "extract", 1, models.PendingTaskStatus)))
		err = store.SaveTaskExecution(newAttempt(exec.ID, "extract", 1, models.PendingTaskStatus))
		assert.Error(t, err, "duplicate (execution, task, attempt) must be rejected")
		require.NoError(t, store.SaveTaskExecution(newAttempt(exec.ID, "extract", 2, models.PendingTaskStatus)))
	})

	t.Run("RecordTransitionPicksOneWinner", func(t *testing.T) {
		td.Reset(t)
		wf, err := store.SaveWorkflow(sampleWorkflow("etl"))
		require.NoError(t, err)
		exec := newExecution(wf)
		require.NoError(t, store.SaveExecution(exec))
		te := newAttempt(exec.ID, "extract", 1, models.DispatchedTaskStatus)
		require.NoError(t, store.SaveTaskExecution(te))

		var wins int
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				won, err := store.RecordTransition(te.ID,
					[]models.TaskExecutionStatus{models.DispatchedTaskStatus, models.RunningTaskStatus},
					models.SucceededTaskStatus, storage.TransitionUpdate{Output: json.RawMessage(`{"ok": true}`)})
				assert.NoError(t, err)
				if won {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins, "exactly one concurrent transition wins")

		loaded, err := store.GetTaskExecution(te.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SucceededTaskStatus, loaded.Status)
		assert.JSONEq(t, `{"ok": true}`, string(loaded.Output))
		assert.NotNil(t, loaded.FinishedAt)
	})

	t.Run("RecordTransitionKeepsErrorFields", func(t *testing.T) {
		td.Reset(t)
		wf, err := store.SaveWorkflow(sampleWorkflow("etl"))
		require.NoError(t, err)
		exec := newExecution(wf)
		require.NoError(t, store.SaveExecution(exec))
		te := newAttempt(exec.ID, "extract", 1, models.RunningTaskStatus)
		require.NoError(t, store.SaveTaskExecution(te))

		won, err := store.RecordTransition(te.ID,
			[]models.TaskExecutionStatus{models.RunningTaskStatus},
			models.FailedTaskStatus,
			storage.TransitionUpdate{ErrorKind: models.ExecutionError, ErrorMsg: "exit 1"})
		require.NoError(t, err)
		require.True(t, won)

		loaded, err := store.GetTaskExecution(te.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionError, loaded.ErrorKind)
		assert.Equal(t, "exit 1", loaded.ErrorMsg)
	})

	t.Run("GetReadyTasks", func(t *testing.T) {
		td.Reset(t)
		wf, err := store.SaveWorkflow(sampleWorkflow("etl"))
		require.NoError(t, err)
		exec := newExecution(wf)
		require.NoError(t, store.SaveExecution(exec))

		ready, err := store.GetReadyTasks(exec.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"extract"}, ready, "only the root is ready")

		// An attempted task leaves the ready set even before resolving.
		te := newAttempt(exec.ID, "extract", 1, models.DispatchedTaskStatus)
		require.NoError(t, store.SaveTaskExecution(te))
		ready, err = store.GetReadyTasks(exec.ID)
		require.NoError(t, err)
		assert.Empty(t, ready)

		won, err := store.RecordTransition(te.ID,
			[]models.TaskExecutionStatus{models.DispatchedTaskStatus},
			models.SucceededTaskStatus, storage.TransitionUpdate{})
		require.NoError(t, err)
		require.True(t, won)

		ready, err = store.GetReadyTasks(exec.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"load"}, ready, "dependency satisfied")

		_, err = store.GetReadyTasks("no-such-execution")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("GetOverdueTasks", func(t *testing.T) {
		td.Reset(t)
		wf, err := store.SaveWorkflow(sampleWorkflow("etl"))
		require.NoError(t, err)
		exec := newExecution(wf)
		require.NoError(t, store.SaveExecution(exec))

		past := time.Now().Add(-time.Minute)
		future := time.Now().Add(time.Hour)

		lost := newAttempt(exec.ID, "extract", 1, models.DispatchedTaskStatus)
		lost.TimeoutAt = &past
		require.NoError(t, store.SaveTaskExecution(lost))

		stuckRetry := newAttempt(exec.ID, "load", 1, models.RetryingTaskStatus)
		stuckRetry.TimeoutAt = &past
		require.NoError(t, store.SaveTaskExecution(stuckRetry))

		found, err := store.GetOverdueTasks(time.Now())
		require.NoError(t, err)
		require.Len(t, found, 2)
		assert.ElementsMatch(t, []string{lost.ID, stuckRetry.ID}, []string{found[0].ID, found[1].ID})

		// Once a successor attempt exists, the RETRYING row is
		// superseded and drops out of the scan.
		next := newAttempt(exec.ID, "load", 2, models.DispatchedTaskStatus)
		next.TimeoutAt = &future
		require.NoError(t, store.SaveTaskExecution(next))

		found, err = store.GetOverdueTasks(time.Now())
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, lost.ID, found[0].ID)
	})

	t.Run("GetExecutionSnapshot", func(t *testing.T) {
		td.Reset(t)
		wf, err := store.SaveWorkflow(sampleWorkflow("etl"))
		require.NoError(t, err)
		exec := newExecution(wf)
		require.NoError(t, store.SaveExecution(exec))
		require.NoError(t, store.SaveTaskExecution(newAttempt(exec.ID, "extract", 1, models.RetryingTaskStatus)))
		require.NoError(t, store.SaveTaskExecution(newAttempt(exec.ID, "extract", 2, models.SucceededTaskStatus)))

		snapshot, err := store.GetExecutionSnapshot(exec.ID)
		require.NoError(t, err)
		assert.Equal(t, exec.ID, snapshot.Execution.ID)
		assert.Len(t, snapshot.Tasks, 2)
		require.NotNil(t, snapshot.Latest("extract"))
		assert.Equal(t, 2, snapshot.Latest("extract").Attempt)
	})

	t.Run("TransactionCommitAndRollback", func(t *testing.T) {
		td.Reset(t)
		tx, err := store.Begin()
		require.NoError(t, err)
		_, err = tx.SaveWorkflow(sampleWorkflow("committed"))
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		_, err = store.GetWorkflowByName("committed", 0)
		assert.NoError(t, err)

		tx, err = store.Begin()
		require.NoError(t, err)
		_, err = tx.SaveWorkflow(sampleWorkflow("discarded"))
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		_, err = store.GetWorkflowByName("discarded", 0)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
