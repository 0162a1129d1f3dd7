package storage

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dagforge/dagforge/pkg/models"
)

// mockStore implements Store in memory. Begin returns the same
// instance: there is no transaction isolation, only the atomicity of
// the per-call mutex, which is what the orchestrator's compare-and-swap
// transitions rely on.
type mockStore struct {
	mu             sync.Mutex
	workflows      []models.Workflow
	executions     []models.WorkflowExecution
	taskExecutions []models.TaskExecution
	nextID         int64
}

// NewMockStore returns an empty in-memory store.
func NewMockStore() Store {
	return &mockStore{}
}

func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveWorkflow(w models.Workflow) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	version := 0
	for _, existing := range m.workflows {
		if existing.Name == w.Name && existing.Version > version {
			version = existing.Version
		}
	}
	m.nextID++
	w.ID = m.nextID
	w.Version = version + 1
	now := time.Now()
	w.CreatedAt = now
	w.UpdatedAt = now
	m.workflows = append(m.workflows, w)
	return w, nil
}

func (m *mockStore) GetWorkflow(id int64) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workflows {
		if w.ID == id {
			return w, nil
		}
	}
	return models.Workflow{}, ErrNotFound
}

func (m *mockStore) GetWorkflowByName(name string, version int) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Workflow
	for i := range m.workflows {
		w := &m.workflows[i]
		if w.Name != name {
			continue
		}
		if version > 0 {
			if w.Version == version {
				return *w, nil
			}
			continue
		}
		if found == nil || w.Version > found.Version {
			found = w
		}
	}
	if found == nil {
		return models.Workflow{}, ErrNotFound
	}
	return *found, nil
}

func (m *mockStore) ListWorkflows() ([]models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Workflow, len(m.workflows))
	copy(out, m.workflows)
	return out, nil
}

func (m *mockStore) ListScheduledWorkflows() ([]models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := map[string]models.Workflow{}
	for _, w := range m.workflows {
		if cur, ok := latest[w.Name]; !ok || w.Version > cur.Version {
			latest[w.Name] = w
		}
	}
	var out []models.Workflow
	for _, w := range latest {
		if w.Schedule != "" {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *mockStore) SaveExecution(e models.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.executions {
		if existing.ID == e.ID {
			return errors.Errorf("execution %s already exists", e.ID)
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.executions = append(m.executions, e)
	return nil
}

func (m *mockStore) GetExecution(id string) (models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.ID == id {
			return e, nil
		}
	}
	return models.WorkflowExecution{}, ErrNotFound
}

func (m *mockStore) ListExecutions(workflowID int64) ([]models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowExecution
	for _, e := range m.executions {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateExecutionStatus(id string, from []models.ExecutionStatus, to models.ExecutionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.executions {
		e := &m.executions[i]
		if e.ID != id {
			continue
		}
		if !containsExecutionStatus(from, e.Status) {
			return false, nil
		}
		e.Status = to
		now := time.Now()
		if to == models.RunningExecutionStatus && e.StartedAt == nil {
			e.StartedAt = &now
		}
		if to.Terminal() && e.FinishedAt == nil {
			e.FinishedAt = &now
		}
		return true, nil
	}
	return false, ErrNotFound
}

func (m *mockStore) SaveTaskExecution(te models.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.taskExecutions {
		if existing.ID == te.ID {
			return errors.Errorf("task execution %s already exists", te.ID)
		}
		if existing.ExecutionID == te.ExecutionID && existing.TaskKey == te.TaskKey && existing.Attempt == te.Attempt {
			return errors.Errorf("attempt %d of task %s already recorded", te.Attempt, te.TaskKey)
		}
	}
	if te.CreatedAt.IsZero() {
		te.CreatedAt = time.Now()
	}
	m.taskExecutions = append(m.taskExecutions, te)
	return nil
}

func (m *mockStore) GetTaskExecution(id string) (models.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, te := range m.taskExecutions {
		if te.ID == id {
			return te, nil
		}
	}
	return models.TaskExecution{}, ErrNotFound
}

func (m *mockStore) RecordTransition(id string, from []models.TaskExecutionStatus, to models.TaskExecutionStatus, upd TransitionUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.taskExecutions {
		te := &m.taskExecutions[i]
		if te.ID != id {
			continue
		}
		if !containsTaskStatus(from, te.Status) {
			return false, nil
		}
		te.Status = to
		if upd.Output != nil {
			te.Output = upd.Output
		}
		if upd.ErrorKind != "" {
			te.ErrorKind = upd.ErrorKind
		}
		if upd.ErrorMsg != "" {
			te.ErrorMsg = upd.ErrorMsg
		}
		if upd.TimeoutAt != nil {
			te.TimeoutAt = upd.TimeoutAt
		}
		now := time.Now()
		if to == models.RunningTaskStatus && te.StartedAt == nil {
			te.StartedAt = &now
		}
		if (to.Terminal() || to == models.RetryingTaskStatus) && te.FinishedAt == nil {
			te.FinishedAt = &now
		}
		return true, nil
	}
	return false, ErrNotFound
}

func (m *mockStore) GetReadyTasks(executionID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var exec *models.WorkflowExecution
	for i := range m.executions {
		if m.executions[i].ID == executionID {
			exec = &m.executions[i]
			break
		}
	}
	if exec == nil {
		return nil, ErrNotFound
	}
	var wf *models.Workflow
	for i := range m.workflows {
		if m.workflows[i].ID == exec.WorkflowID {
			wf = &m.workflows[i]
			break
		}
	}
	if wf == nil {
		return nil, ErrNotFound
	}

	attempted := map[string]bool{}
	succeeded := map[string]bool{}
	for _, te := range m.taskExecutions {
		if te.ExecutionID != executionID {
			continue
		}
		attempted[te.TaskKey] = true
		if te.Status == models.SucceededTaskStatus {
			succeeded[te.TaskKey] = true
		}
	}

	var ready []string
	for _, t := range wf.Tasks {
		if attempted[t.Key] {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if !succeeded[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t.Key)
		}
	}
	return ready, nil
}

func (m *mockStore) GetOverdueTasks(now time.Time) ([]models.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maxAttempt := map[string]int{}
	for _, te := range m.taskExecutions {
		key := te.ExecutionID + "/" + te.TaskKey
		if te.Attempt > maxAttempt[key] {
			maxAttempt[key] = te.Attempt
		}
	}
	var out []models.TaskExecution
	for _, te := range m.taskExecutions {
		switch te.Status {
		case models.DispatchedTaskStatus, models.RunningTaskStatus, models.RetryingTaskStatus:
		default:
			continue
		}
		if te.Attempt < maxAttempt[te.ExecutionID+"/"+te.TaskKey] {
			continue
		}
		if te.TimeoutAt != nil && te.TimeoutAt.Before(now) {
			out = append(out, te)
		}
	}
	return out, nil
}

func (m *mockStore) GetExecutionSnapshot(executionID string) (models.ExecutionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var snapshot models.ExecutionSnapshot
	found := false
	for _, e := range m.executions {
		if e.ID == executionID {
			snapshot.Execution = e
			found = true
			break
		}
	}
	if !found {
		return models.ExecutionSnapshot{}, ErrNotFound
	}
	for _, te := range m.taskExecutions {
		if te.ExecutionID == executionID {
			snapshot.Tasks = append(snapshot.Tasks, te)
		}
	}
	return snapshot, nil
}

func containsExecutionStatus(list []models.ExecutionStatus, s models.ExecutionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsTaskStatus(list []models.TaskExecutionStatus, s models.TaskExecutionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
