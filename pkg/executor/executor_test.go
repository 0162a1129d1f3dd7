package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagforge/dagforge/pkg/models"
)

type stubRunner struct {
	kind models.TaskKind
	fn   func(ctx context.Context, req Request) Result
}

func (s *stubRunner) Kind() models.TaskKind { return s.kind }

func (s *stubRunner) Run(ctx context.Context, req Request) Result {
	return s.fn(ctx, req)
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	runner := &stubRunner{kind: models.BashTask, fn: func(context.Context, Request) Result {
		return Success(nil)
	}}
	require.NoError(t, r.Register(runner))
	assert.Error(t, r.Register(runner), "double registration must fail")

	got, ok := r.Get(models.BashTask)
	require.True(t, ok)
	assert.Equal(t, runner, got)

	_, ok = r.Get(models.SQLTask)
	assert.False(t, ok)
}

func TestRegistryRunDispatchesByKind(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&stubRunner{kind: models.BashTask, fn: func(_ context.Context, req Request) Result {
		return Success(json.RawMessage(`"bash"`))
	}})
	r.MustRegister(&stubRunner{kind: models.HTTPTask, fn: func(_ context.Context, req Request) Result {
		return Success(json.RawMessage(`"http"`))
	}})

	res := r.Run(context.Background(), Request{Kind: models.HTTPTask})
	require.False(t, res.Failed())
	assert.JSONEq(t, `"http"`, string(res.Output))
}

func TestRegistryRunUnknownKind(t *testing.T) {
	r := NewRegistry()
	res := r.Run(context.Background(), Request{Kind: models.TaskKind("nope")})
	require.True(t, res.Failed())
	assert.Equal(t, models.ValidationError, res.ErrKind)
}

func TestRegistryRunTimeout(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&stubRunner{kind: models.BashTask, fn: func(ctx context.Context, _ Request) Result {
		<-ctx.Done()
		time.Sleep(time.Hour) // never returns in time
		return Success(nil)
	}})

	res := r.Run(context.Background(), Request{Kind: models.BashTask, TaskKey: "slow", Timeout: 20 * time.Millisecond})
	require.True(t, res.Failed())
	assert.Equal(t, models.TimeoutError, res.ErrKind)
	assert.Contains(t, res.ErrMsg, "slow")
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestRegistryRunCancellation(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&stubRunner{kind: models.BashTask, fn: func(ctx context.Context, _ Request) Result {
		<-ctx.Done()
		time.Sleep(time.Hour)
		return Success(nil)
	}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := r.Run(ctx, Request{Kind: models.BashTask, TaskKey: "doomed"})
	require.True(t, res.Failed())
	assert.Equal(t, models.CancelledError, res.ErrKind)
}

func TestRegistryRunRemapsFailureAfterDeadline(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&stubRunner{kind: models.HTTPTask, fn: func(ctx context.Context, _ Request) Result {
		<-ctx.Done()
		return Failure(models.InfrastructureError, "connection reset")
	}})

	res := r.Run(context.Background(), Request{Kind: models.HTTPTask, Timeout: 10 * time.Millisecond})
	require.True(t, res.Failed())
	assert.Equal(t, models.TimeoutError, res.ErrKind)
}

func TestDefaultRegistryCoversAllKinds(t *testing.T) {
	r := DefaultRegistry()
	for _, kind := range models.Kinds() {
		_, ok := r.Get(kind)
		assert.True(t, ok, "missing runner for %s", kind)
	}
}

func TestAsJSON(t *testing.T) {
	assert.Nil(t, asJSON(nil))
	assert.Equal(t, json.RawMessage(`{"a":1}`), asJSON([]byte(`{"a":1}`)))
	assert.Equal(t, json.RawMessage(`"plain text"`), asJSON([]byte("plain text")))
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  models.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{
			name:    "fixed stays at base",
			policy:  models.RetryPolicy{Backoff: models.FixedBackoff, BaseDelaySec: 2},
			attempt: 5,
			want:    2 * time.Second,
		},
		{
			name:    "linear grows with attempt",
			policy:  models.RetryPolicy{Backoff: models.LinearBackoff, BaseDelaySec: 2},
			attempt: 3,
			want:    6 * time.Second,
		},
		{
			name:    "exponential first retry",
			policy:  models.RetryPolicy{Backoff: models.ExponentialBackoff, BaseDelaySec: 1},
			attempt: 1,
			want:    time.Second,
		},
		{
			name:    "exponential doubles",
			policy:  models.RetryPolicy{Backoff: models.ExponentialBackoff, BaseDelaySec: 1},
			attempt: 4,
			want:    8 * time.Second,
		},
		{
			name:    "exponential capped at max",
			policy:  models.RetryPolicy{Backoff: models.ExponentialBackoff, BaseDelaySec: 10, MaxDelaySec: 60},
			attempt: 10,
			want:    60 * time.Second,
		},
		{
			name:    "linear capped at max",
			policy:  models.RetryPolicy{Backoff: models.LinearBackoff, BaseDelaySec: 30, MaxDelaySec: 45},
			attempt: 2,
			want:    45 * time.Second,
		},
		{
			name:    "zero attempt treated as first",
			policy:  models.RetryPolicy{Backoff: models.LinearBackoff, BaseDelaySec: 2},
			attempt: 0,
			want:    2 * time.Second,
		},
		{
			name:    "defaults apply",
			policy:  models.RetryPolicy{},
			attempt: 1,
			want:    time.Second,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BackoffDelay(tt.policy, tt.attempt))
		})
	}
}
