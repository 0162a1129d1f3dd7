package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/dagforge/dagforge/pkg/models"
	"github.com/dagforge/dagforge/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore implements storage.Store over postgres. Begin returns a
// transaction-scoped copy; the compare-and-swap transitions rely on
// row-level atomicity of single UPDATE statements, not on transactions.
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// workflowRow maps the workflows table; tags need pq.StringArray.
type workflowRow struct {
	ID        int64          `db:"id"`
	Name      string         `db:"name"`
	Version   int            `db:"version"`
	Schedule  string         `db:"schedule"`
	Tags      pq.StringArray `db:"tags"`
	CreatedBy string         `db:"created_by"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r workflowRow) model() models.Workflow {
	return models.Workflow{
		ID:        r.ID,
		Name:      r.Name,
		Version:   r.Version,
		Schedule:  r.Schedule,
		Tags:      r.Tags,
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// taskRow maps workflow_tasks with the retry policy flattened into
// columns.
type taskRow struct {
	WorkflowID   int64           `db:"workflow_id"`
	TaskKey      string          `db:"task_key"`
	Kind         string          `db:"kind"`
	Config       json.RawMessage `db:"config"`
	Position     int             `db:"position"`
	MaxAttempts  int             `db:"max_attempts"`
	Backoff      string          `db:"backoff"`
	BaseDelaySec int             `db:"base_delay_sec"`
	MaxDelaySec  int             `db:"max_delay_sec"`
	TimeoutSec   int             `db:"timeout_sec"`
}

// SaveWorkflow inserts the definition as the next version of its name.
func (s *PostgresStore) SaveWorkflow(w models.Workflow) (models.Workflow, error) {
	err := s.db.QueryRowx(`
		INSERT INTO workflows (name, version, schedule, tags, created_by, created_at, updated_at)
		VALUES ($1, (SELECT COALESCE(MAX(version), 0) + 1 FROM workflows WHERE name = $1), $2, $3, $4, now(), now())
		RETURNING id, version, created_at, updated_at`,
		w.Name, w.Schedule, pq.Array(w.Tags), w.CreatedBy).
		Scan(&w.ID, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("save workflow: %w", err)
	}

	for i, t := range w.Tasks {
		policy := t.Retry.Normalized()
		_, err := s.db.Exec(`
			INSERT INTO workflow_tasks (workflow_id, task_key, kind, config, position, max_attempts, backoff, base_delay_sec, max_delay_sec, timeout_sec)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			w.ID, t.Key, t.Kind, nullableJSON(t.Config), i,
			policy.MaxAttempts, policy.Backoff, policy.BaseDelaySec, policy.MaxDelaySec, policy.TimeoutSec)
		if err != nil {
			return models.Workflow{}, fmt.Errorf("save task %s: %w", t.Key, err)
		}
		for _, dep := range t.DependsOn {
			_, err := s.db.Exec(`
				INSERT INTO workflow_task_deps (workflow_id, task_key, depends_on) VALUES ($1, $2, $3)`,
				w.ID, t.Key, dep)
			if err != nil {
				return models.Workflow{}, fmt.Errorf("save dependency %s -> %s: %w", t.Key, dep, err)
			}
		}
	}
	return w, nil
}

// loadTasks fetches a workflow's task definitions in declaration order.
func (s *PostgresStore) loadTasks(workflowID int64) ([]models.TaskDefinition, error) {
	var rows []taskRow
	err := s.db.Select(&rows, `
		SELECT workflow_id, task_key, kind, config, position, max_attempts, backoff, base_delay_sec, max_delay_sec, timeout_sec
		FROM workflow_tasks WHERE workflow_id = $1 ORDER BY position`, workflowID)
	if err != nil {
		return nil, err
	}

	type depRow struct {
		TaskKey   string `db:"task_key"`
		DependsOn string `db:"depends_on"`
	}
	var deps []depRow
	err = s.db.Select(&deps, `
		SELECT task_key, depends_on FROM workflow_task_deps WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return nil, err
	}
	depsByKey := make(map[string][]string)
	for _, d := range deps {
		depsByKey[d.TaskKey] = append(depsByKey[d.TaskKey], d.DependsOn)
	}

	tasks := make([]models.TaskDefinition, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, models.TaskDefinition{
			Key:       r.TaskKey,
			Kind:      models.TaskKind(r.Kind),
			Config:    r.Config,
			DependsOn: depsByKey[r.TaskKey],
			Retry: models.RetryPolicy{
				MaxAttempts:  r.MaxAttempts,
				Backoff:      models.BackoffStrategy(r.Backoff),
				BaseDelaySec: r.BaseDelaySec,
				MaxDelaySec:  r.MaxDelaySec,
				TimeoutSec:   r.TimeoutSec,
			},
		})
	}
	return tasks, nil
}

func (s *PostgresStore) getWorkflowRow(query string, args ...interface{}) (models.Workflow, error) {
	var row workflowRow
	err := s.db.Get(&row, query, args...)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, err
	}
	wf := row.model()
	wf.Tasks, err = s.loadTasks(wf.ID)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("load tasks of workflow %d: %w", wf.ID, err)
	}
	return wf, nil
}

func (s *PostgresStore) GetWorkflow(id int64) (models.Workflow, error) {
	return s.getWorkflowRow(`SELECT * FROM workflows WHERE id = $1`, id)
}

func (s *PostgresStore) GetWorkflowByName(name string, version int) (models.Workflow, error) {
	if version > 0 {
		return s.getWorkflowRow(`SELECT * FROM workflows WHERE name = $1 AND version = $2`, name, version)
	}
	return s.getWorkflowRow(`
		SELECT * FROM workflows WHERE name = $1 ORDER BY version DESC LIMIT 1`, name)
}

// ListWorkflows returns workflow records without their task lists.
func (s *PostgresStore) ListWorkflows() ([]models.Workflow, error) {
	var rows []workflowRow
	err := s.db.Select(&rows, `SELECT * FROM workflows ORDER BY name, version DESC`)
	if err != nil {
		return nil, err
	}
	out := make([]models.Workflow, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

// ListScheduledWorkflows returns the latest version of every workflow
// that carries a schedule, tasks included.
func (s *PostgresStore) ListScheduledWorkflows() ([]models.Workflow, error) {
	var rows []workflowRow
	err := s.db.Select(&rows, `
		SELECT DISTINCT ON (name) * FROM workflows
		WHERE schedule <> '' ORDER BY name, version DESC`)
	if err != nil {
		return nil, err
	}
	out := make([]models.Workflow, 0, len(rows))
	for _, r := range rows {
		wf := r.model()
		wf.Tasks, err = s.loadTasks(wf.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

func (s *PostgresStore) SaveExecution(e models.WorkflowExecution) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_executions (id, workflow_id, workflow_version, trigger_source, input, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.WorkflowID, e.WorkflowVersion, e.TriggerSource, nullableJSON(e.Input), e.Status, e.CreatedAt)
	return err
}

func (s *PostgresStore) GetExecution(id string) (models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	err := s.db.Get(&e, `SELECT * FROM workflow_executions WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return models.WorkflowExecution{}, storage.ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) ListExecutions(workflowID int64) ([]models.WorkflowExecution, error) {
	executions := []models.WorkflowExecution{}
	err := s.db.Select(&executions, `
		SELECT * FROM workflow_executions WHERE workflow_id = $1 ORDER BY created_at DESC`, workflowID)
	return executions, err
}

// UpdateExecutionStatus is the execution-level compare-and-swap; the
// guarded UPDATE makes exactly one racing caller win.
func (s *PostgresStore) UpdateExecutionStatus(id string, from []models.ExecutionStatus, to models.ExecutionStatus) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE workflow_executions
		SET status = $1,
		    started_at = CASE WHEN $1 = 'RUNNING' THEN COALESCE(started_at, now()) ELSE started_at END,
		    finished_at = CASE WHEN $1 IN ('SUCCEEDED', 'FAILED', 'CANCELLED') THEN COALESCE(finished_at, now()) ELSE finished_at END
		WHERE id = $2 AND status = ANY($3)`,
		to, id, pq.Array(statusStrings(from)))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *PostgresStore) SaveTaskExecution(te models.TaskExecution) error {
	_, err := s.db.Exec(`
		INSERT INTO task_executions (id, execution_id, task_key, attempt, status, input, output, error_kind, error_msg, timeout_at, started_at, finished_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		te.ID, te.ExecutionID, te.TaskKey, te.Attempt, te.Status, nullableJSON(te.Input), nullableJSON(te.Output),
		te.ErrorKind, te.ErrorMsg, te.TimeoutAt, te.StartedAt, te.FinishedAt, te.CreatedAt)
	return err
}

func (s *PostgresStore) GetTaskExecution(id string) (models.TaskExecution, error) {
	var te models.TaskExecution
	err := s.db.Get(&te, `SELECT * FROM task_executions WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return models.TaskExecution{}, storage.ErrNotFound
	}
	return te, err
}

// RecordTransition is the task-level compare-and-swap. Two completion
// callbacks racing for the same attempt resolve here: the guarded
// UPDATE leaves exactly one winner.
func (s *PostgresStore) RecordTransition(id string, from []models.TaskExecutionStatus, to models.TaskExecutionStatus, upd storage.TransitionUpdate) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE task_executions
		SET status = $1,
		    output = COALESCE($2, output),
		    error_kind = CASE WHEN $3 <> '' THEN $3 ELSE error_kind END,
		    error_msg = CASE WHEN $4 <> '' THEN $4 ELSE error_msg END,
		    timeout_at = COALESCE($5, timeout_at),
		    started_at = CASE WHEN $1 = 'RUNNING' THEN COALESCE(started_at, now()) ELSE started_at END,
		    finished_at = CASE WHEN $1 IN ('SUCCEEDED', 'FAILED', 'SKIPPED', 'CANCELLED', 'RETRYING') THEN COALESCE(finished_at, now()) ELSE finished_at END
		WHERE id = $6 AND status = ANY($7)`,
		to, nullableJSON(upd.Output), string(upd.ErrorKind), upd.ErrorMsg, upd.TimeoutAt,
		id, pq.Array(taskStatusStrings(from)))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// GetReadyTasks selects tasks with no attempt yet whose every declared
// dependency has a SUCCEEDED attempt in this execution, in declaration
// order.
func (s *PostgresStore) GetReadyTasks(executionID string) ([]string, error) {
	var exists int
	if err := s.db.Get(&exists, `SELECT 1 FROM workflow_executions WHERE id = $1`, executionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	keys := []string{}
	err := s.db.Select(&keys, `
		SELECT t.task_key
		FROM workflow_tasks t
		JOIN workflow_executions e ON e.workflow_id = t.workflow_id
		WHERE e.id = $1
		  AND NOT EXISTS (
		      SELECT 1 FROM task_executions te
		      WHERE te.execution_id = e.id AND te.task_key = t.task_key)
		  AND NOT EXISTS (
		      SELECT 1 FROM workflow_task_deps d
		      WHERE d.workflow_id = t.workflow_id AND d.task_key = t.task_key
		        AND NOT EXISTS (
		            SELECT 1 FROM task_executions s
		            WHERE s.execution_id = e.id AND s.task_key = d.depends_on AND s.status = 'SUCCEEDED'))
		ORDER BY t.position`, executionID)
	return keys, err
}

// GetOverdueTasks returns in-flight and RETRYING attempts past their
// deadline. Attempts already superseded by a later attempt row are
// excluded, so a RETRYING row stops showing up once its successor
// exists.
func (s *PostgresStore) GetOverdueTasks(now time.Time) ([]models.TaskExecution, error) {
	overdue := []models.TaskExecution{}
	err := s.db.Select(&overdue, `
		SELECT * FROM task_executions te
		WHERE te.status IN ('DISPATCHED', 'RUNNING', 'RETRYING') AND te.timeout_at < $1
		  AND NOT EXISTS (
		      SELECT 1 FROM task_executions s
		      WHERE s.execution_id = te.execution_id AND s.task_key = te.task_key AND s.attempt > te.attempt)
		ORDER BY te.timeout_at`, now)
	return overdue, err
}

func (s *PostgresStore) GetExecutionSnapshot(executionID string) (models.ExecutionSnapshot, error) {
	exec, err := s.GetExecution(executionID)
	if err != nil {
		return models.ExecutionSnapshot{}, err
	}
	tasks := []models.TaskExecution{}
	err = s.db.Select(&tasks, `
		SELECT * FROM task_executions WHERE execution_id = $1 ORDER BY created_at, attempt`, executionID)
	if err != nil {
		return models.ExecutionSnapshot{}, err
	}
	return models.ExecutionSnapshot{Execution: exec, Tasks: tasks}, nil
}

// nullableJSON maps empty raw messages to NULL so jsonb columns don't
// reject empty strings.
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func statusStrings(list []models.ExecutionStatus) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

func taskStatusStrings(list []models.TaskExecutionStatus) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}
