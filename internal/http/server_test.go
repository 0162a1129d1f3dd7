package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagforge/dagforge/internal/log"
	"github.com/dagforge/dagforge/pkg/models"
	"github.com/dagforge/dagforge/pkg/queue"
	"github.com/dagforge/dagforge/pkg/service"
	"github.com/dagforge/dagforge/pkg/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, *service.WorkflowService) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := storage.NewMockStore()
	broker := queue.NewMemoryBroker()
	t.Cleanup(func() { broker.Close() })

	logger := log.GetLogger()
	orchestrator := service.NewOrchestrator(ctx, store, broker, logger)
	svc := service.NewWorkflowService(store, orchestrator, logger)

	srv := httptest.NewServer(NewServer(svc).Handler())
	t.Cleanup(srv.Close)
	return srv, svc
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func validWorkflow() models.Workflow {
	return models.Workflow{
		Name: "etl",
		Tasks: []models.TaskDefinition{
			{Key: "a", Kind: models.BashTask, Config: json.RawMessage(`{"command": "true"}`)},
			{Key: "b", Kind: models.BashTask, Config: json.RawMessage(`{"command": "true"}`), DependsOn: []string{"a"}},
		},
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateWorkflow(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/workflows", validWorkflow())
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.Workflow
	decode(t, resp, &created)
	assert.Equal(t, "etl", created.Name)
	assert.Equal(t, 1, created.Version)
	assert.NotZero(t, created.ID)
}

func TestCreateWorkflowInvalid(t *testing.T) {
	srv, _ := newTestServer(t)

	wf := validWorkflow()
	wf.Tasks[1].DependsOn = []string{"ghost"}
	resp := doJSON(t, http.MethodPost, srv.URL+"/workflows", wf)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var body struct {
		Valid  bool `json:"valid"`
		Errors []struct {
			TaskKey string `json:"task_key"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	decode(t, resp, &body)
	assert.False(t, body.Valid)
	require.NotEmpty(t, body.Errors)
	assert.Contains(t, body.Errors[0].Message, "ghost")
}

func TestCreateWorkflowMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/workflows", "application/json", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetWorkflow(t *testing.T) {
	srv, svc := newTestServer(t)
	_, err := svc.CreateWorkflow(validWorkflow())
	require.NoError(t, err)
	v2, err := svc.CreateWorkflow(validWorkflow())
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/workflows/etl")
	require.NoError(t, err)
	var latest models.Workflow
	decode(t, resp, &latest)
	assert.Equal(t, v2.Version, latest.Version)

	resp, err = http.Get(srv.URL + "/workflows/etl?version=1")
	require.NoError(t, err)
	var pinned models.Workflow
	decode(t, resp, &pinned)
	assert.Equal(t, 1, pinned.Version)

	resp, err = http.Get(srv.URL + "/workflows/etl?version=nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/workflows/ghost")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestValidateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/workflows/validate", validWorkflow())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var ok struct {
		Valid bool `json:"valid"`
	}
	decode(t, resp, &ok)
	assert.True(t, ok.Valid)

	wf := validWorkflow()
	wf.Tasks = append(wf.Tasks, models.TaskDefinition{Key: "a", Kind: models.BashTask})
	resp = doJSON(t, http.MethodPost, srv.URL+"/workflows/validate", wf)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "validation problems are a 200 with valid=false")
	var bad struct {
		Valid  bool              `json:"valid"`
		Errors []json.RawMessage `json:"errors"`
	}
	decode(t, resp, &bad)
	assert.False(t, bad.Valid)
	assert.NotEmpty(t, bad.Errors)
}

func TestSubmitAndSnapshot(t *testing.T) {
	srv, svc := newTestServer(t)
	_, err := svc.CreateWorkflow(validWorkflow())
	require.NoError(t, err)

	resp := doJSON(t, http.MethodPost, srv.URL+"/executions", map[string]interface{}{
		"workflow": "etl",
		"input":    map[string]int{"n": 1},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var exec models.WorkflowExecution
	decode(t, resp, &exec)
	assert.Equal(t, models.RunningExecutionStatus, exec.Status)

	resp, err = http.Get(srv.URL + "/executions/" + exec.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var snapshot models.ExecutionSnapshot
	decode(t, resp, &snapshot)
	assert.Equal(t, exec.ID, snapshot.Execution.ID)
	require.NotNil(t, snapshot.Latest("a"))
	assert.Equal(t, models.DispatchedTaskStatus, snapshot.Latest("a").Status)
}

func TestSubmitErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/executions", map[string]string{"workflow": "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/executions", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestListExecutions(t *testing.T) {
	srv, svc := newTestServer(t)
	wf, err := svc.CreateWorkflow(validWorkflow())
	require.NoError(t, err)
	exec, err := svc.Submit(context.Background(), "etl", 0, nil, models.APITrigger)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/executions?workflow_id=" + jsonInt(wf.ID))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var executions []models.WorkflowExecution
	decode(t, resp, &executions)
	require.Len(t, executions, 1)
	assert.Equal(t, exec.ID, executions[0].ID)

	resp, err = http.Get(srv.URL + "/executions?workflow_id=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelExecution(t *testing.T) {
	srv, svc := newTestServer(t)
	_, err := svc.CreateWorkflow(validWorkflow())
	require.NoError(t, err)
	exec, err := svc.Submit(context.Background(), "etl", 0, nil, models.APITrigger)
	require.NoError(t, err)

	resp := doJSON(t, http.MethodPost, srv.URL+"/executions/"+exec.ID+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	snapshot, err := svc.Snapshot(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CancelledExecutionStatus, snapshot.Execution.Status)

	resp = doJSON(t, http.MethodPost, srv.URL+"/executions/no-such-id/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
