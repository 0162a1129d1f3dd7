package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	pkgerrors "github.com/pkg/errors"

	"github.com/dagforge/dagforge/internal/log"
	"github.com/dagforge/dagforge/pkg/dag"
	"github.com/dagforge/dagforge/pkg/models"
	"github.com/dagforge/dagforge/pkg/service"
	"github.com/dagforge/dagforge/pkg/storage"
)

// Server exposes the engine over HTTP: workflow management, execution
// submission, status snapshots, cancellation and dry-run validation.
// Only validation errors are returned synchronously; everything that
// happens after submission surfaces through the status endpoint.
type Server struct {
	svc *service.WorkflowService
	mux *http.ServeMux
}

func NewServer(svc *service.WorkflowService) *Server {
	s := &Server{svc: svc, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /workflows", s.handleCreateWorkflow)
	s.mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	s.mux.HandleFunc("GET /workflows/{name}", s.handleGetWorkflow)
	s.mux.HandleFunc("POST /workflows/validate", s.handleValidate)
	s.mux.HandleFunc("POST /executions", s.handleSubmit)
	s.mux.HandleFunc("GET /executions", s.handleListExecutions)
	s.mux.HandleFunc("GET /executions/{id}", s.handleSnapshot)
	s.mux.HandleFunc("POST /executions/{id}/cancel", s.handleCancel)
	return s
}

// Handler returns the route table for mounting or testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartServer blocks serving the API on the given port.
func StartServer(port string, svc *service.WorkflowService) error {
	srv := NewServer(svc)
	log.GetLogger().Infof("Starting dagforge API server on :%s", port)
	return http.ListenAndServe(":"+port, srv.Handler())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type validationResponse struct {
	Valid  bool                  `json:"valid"`
	Errors []dag.ValidationError `json:"errors,omitempty"`
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf models.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow definition: %v", err)
		return
	}
	saved, err := s.svc.CreateWorkflow(wf)
	if err != nil {
		var vErr *service.ValidationFailedError
		if pkgerrors.As(err, &vErr) {
			writeJSON(w, http.StatusUnprocessableEntity, validationResponse{Valid: false, Errors: vErr.Result.Errors})
			return
		}
		log.GetLogger().Errorf("Failed to create workflow: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create workflow: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.svc.ListWorkflows()
	if err != nil {
		log.GetLogger().Errorf("Failed to list workflows: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list workflows: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid version %q", v)
			return
		}
		version = parsed
	}
	wf, err := s.svc.GetWorkflowByName(name, version)
	if err != nil {
		if pkgerrors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "workflow %q not found", name)
			return
		}
		log.GetLogger().Errorf("Failed to get workflow %q: %v", name, err)
		writeError(w, http.StatusInternalServerError, "failed to get workflow: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleValidate runs the DAG checks without persisting or executing.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var wf models.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow definition: %v", err)
		return
	}
	result := s.svc.ValidateDefinition(wf)
	writeJSON(w, http.StatusOK, validationResponse{Valid: result.Valid(), Errors: result.Errors})
}

type submitRequest struct {
	Workflow string          `json:"workflow"`
	Version  int             `json:"version,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid submit request: %v", err)
		return
	}
	if req.Workflow == "" {
		writeError(w, http.StatusBadRequest, "missing 'workflow' field")
		return
	}
	exec, err := s.svc.Submit(r.Context(), req.Workflow, req.Version, req.Input, models.APITrigger)
	if err != nil {
		if pkgerrors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "workflow %q not found", req.Workflow)
			return
		}
		log.GetLogger().Errorf("Failed to submit workflow %q: %v", req.Workflow, err)
		writeError(w, http.StatusInternalServerError, "failed to submit workflow: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("workflow_id")
	workflowID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow_id %q", raw)
		return
	}
	executions, err := s.svc.ListExecutions(workflowID)
	if err != nil {
		log.GetLogger().Errorf("Failed to list executions: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list executions: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snapshot, err := s.svc.Snapshot(id)
	if err != nil {
		if pkgerrors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution %q not found", id)
			return
		}
		log.GetLogger().Errorf("Failed to snapshot execution %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to snapshot execution: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Cancel(r.Context(), id); err != nil {
		if pkgerrors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution %q not found", id)
			return
		}
		log.GetLogger().Errorf("Failed to cancel execution %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to cancel execution: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}
