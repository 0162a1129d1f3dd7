package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/dagforge/dagforge/pkg/models"
)

// HTTPConfig is the config payload for http tasks.
type HTTPConfig struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// maxResponseBytes caps how much response body a task may capture as
// its output.
const maxResponseBytes = 10 << 20

// httpOutput is what a successful http task writes downstream.
type httpOutput struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body,omitempty"`
}

type HTTPRunner struct {
	client *http.Client
}

// NewHTTPRunner builds a runner with a pooled transport. The overall
// deadline comes from the attempt context, not the client.
func NewHTTPRunner() *HTTPRunner {
	return &HTTPRunner{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (r *HTTPRunner) Kind() models.TaskKind {
	return models.HTTPTask
}

func (r *HTTPRunner) Run(ctx context.Context, req Request) Result {
	var cfg HTTPConfig
	if err := json.Unmarshal(req.Config, &cfg); err != nil {
		return Failure(models.ValidationError, "invalid http config: %v", err)
	}
	if cfg.URL == "" {
		return Failure(models.ValidationError, "http config requires a url")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}

	var body io.Reader
	if len(cfg.Body) > 0 {
		body = bytes.NewReader(cfg.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, body)
	if err != nil {
		return Failure(models.ValidationError, "build http request: %v", err)
	}
	if len(cfg.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Failure(models.TimeoutError, "http request timed out: %v", err)
		}
		return Failure(models.InfrastructureError, "http request failed: %v", err)
	}
	defer resp.Body.Close()

	// Read one byte past the cap so truncation is detected instead of
	// passed off as a complete body.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return Failure(models.InfrastructureError, "read http response: %v", err)
	}
	if len(respBody) > maxResponseBytes {
		return Failure(models.ExecutionError, "http response from %s %s exceeds %d bytes", cfg.Method, cfg.URL, maxResponseBytes)
	}

	out, err := json.Marshal(httpOutput{StatusCode: resp.StatusCode, Body: asJSON(respBody)})
	if err != nil {
		return Failure(models.ExecutionError, "encode http output: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res := Failure(models.ExecutionError, "http status %d from %s %s", resp.StatusCode, cfg.Method, cfg.URL)
		res.Output = out
		return res
	}
	return Success(out)
}
