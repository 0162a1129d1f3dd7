package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/dagforge/dagforge/pkg/models"
)

// BashConfig is the config payload for bash tasks.
type BashConfig struct {
	Command string            `json:"command"`
	Shell   string            `json:"shell,omitempty"`   // Defaults to /bin/sh
	Workdir string            `json:"workdir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type BashRunner struct{}

func NewBashRunner() *BashRunner {
	return &BashRunner{}
}

func (r *BashRunner) Kind() models.TaskKind {
	return models.BashTask
}

// Run executes the configured command under a shell. A non-zero exit
// is a task failure; stdout becomes the task output. The input context
// is exposed to the command as DAGFORGE_INPUT.
func (r *BashRunner) Run(ctx context.Context, req Request) Result {
	var cfg BashConfig
	if err := json.Unmarshal(req.Config, &cfg); err != nil {
		return Failure(models.ValidationError, "invalid bash config: %v", err)
	}
	if cfg.Command == "" {
		return Failure(models.ValidationError, "bash config requires a command")
	}
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", cfg.Command)
	cmd.Dir = cfg.Workdir
	cmd.Env = os.Environ()
	if len(req.Input) > 0 {
		cmd.Env = append(cmd.Env, "DAGFORGE_INPUT="+string(req.Input))
	}
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Failure(models.TimeoutError, "command timed out: %v", err)
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			res := Failure(models.ExecutionError, "command exited with code %d: %s", exitErr.ExitCode(), bytes.TrimSpace(stderr.Bytes()))
			res.Output = asJSON(bytes.TrimSpace(stdout.Bytes()))
			return res
		}
		return Failure(models.InfrastructureError, "start command: %v", err)
	}
	return Success(asJSON(bytes.TrimSpace(stdout.Bytes())))
}
