package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"

	"github.com/dagforge/dagforge/pkg/models"
)

// PythonConfig is the config payload for python tasks. Code receives
// the input context as a JSON document on stdin and reports its output
// by printing a JSON document to stdout.
type PythonConfig struct {
	Code        string   `json:"code"`
	Interpreter string   `json:"interpreter,omitempty"` // Defaults to python3
	Args        []string `json:"args,omitempty"`
}

type PythonRunner struct{}

func NewPythonRunner() *PythonRunner {
	return &PythonRunner{}
}

func (r *PythonRunner) Kind() models.TaskKind {
	return models.PythonTask
}

// Run executes the code in a subprocess. The process boundary is the
// sandbox: the code shares no state with the engine and can only
// communicate through stdin/stdout.
func (r *PythonRunner) Run(ctx context.Context, req Request) Result {
	var cfg PythonConfig
	if err := json.Unmarshal(req.Config, &cfg); err != nil {
		return Failure(models.ValidationError, "invalid python config: %v", err)
	}
	if cfg.Code == "" {
		return Failure(models.ValidationError, "python config requires code")
	}
	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}

	args := append([]string{"-c", cfg.Code}, cfg.Args...)
	cmd := exec.CommandContext(ctx, interpreter, args...)
	if len(req.Input) > 0 {
		cmd.Stdin = bytes.NewReader(req.Input)
	} else {
		cmd.Stdin = bytes.NewReader([]byte("{}"))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Failure(models.TimeoutError, "python code timed out: %v", err)
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return Failure(models.ExecutionError, "python exited with code %d: %s", exitErr.ExitCode(), bytes.TrimSpace(stderr.Bytes()))
		}
		return Failure(models.InfrastructureError, "start interpreter %q: %v", interpreter, err)
	}
	return Success(asJSON(bytes.TrimSpace(stdout.Bytes())))
}
