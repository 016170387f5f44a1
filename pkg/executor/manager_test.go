package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/operato/runner/pkg/domain/module"
)

type stubResolver struct {
	mod module.Module
	ver module.Version
	err error
}

func (s *stubResolver) ResolveActive(ctx context.Context, name string) (module.Module, module.Version, error) {
	return s.mod, s.ver, s.err
}

type stubExecutor struct {
	kind     module.EnvKind
	valid    bool
	result   module.ExecResult
	err      error
	executed int
}

func (s *stubExecutor) Execute(ctx context.Context, req module.ExecRequest) (module.ExecResult, error) {
	s.executed++
	return s.result, s.err
}
func (s *stubExecutor) Validate(ctx context.Context, name string) bool { return s.valid }
func (s *stubExecutor) Cleanup(ctx context.Context) error              { return nil }
func (s *stubExecutor) Kind() module.EnvKind                           { return s.kind }

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestManagerExecute_Routes(t *testing.T) {
	resolver := &stubResolver{mod: module.Module{Name: "add", EnvKind: module.EnvSubprocess}}
	exec := &stubExecutor{
		kind:   module.EnvSubprocess,
		valid:  true,
		result: module.ExecResult{Result: []byte(`{"sum":3}`), ExitCode: 0},
	}

	m := NewManager(resolver, testLogger())
	m.Register(module.EnvSubprocess, exec)

	res, err := m.Execute(context.Background(), module.ExecRequest{Module: "add"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.JSONEq(t, `{"sum":3}`, string(res.Result))
	assert.Equal(t, 1, exec.executed)
}

func TestManagerExecute_NoBackendForKind(t *testing.T) {
	resolver := &stubResolver{mod: module.Module{Name: "add", EnvKind: module.EnvContainer}}
	m := NewManager(resolver, testLogger())
	m.Register(module.EnvInline, &stubExecutor{kind: module.EnvInline, valid: true})

	res, err := m.Execute(context.Background(), module.ExecRequest{Module: "add"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "no executor available for environment 'container'", res.Stderr)
}

func TestManagerExecute_BackendRejectsModule(t *testing.T) {
	resolver := &stubResolver{mod: module.Module{Name: "add", EnvKind: module.EnvSubprocess}}
	m := NewManager(resolver, testLogger())
	m.Register(module.EnvSubprocess, &stubExecutor{kind: module.EnvSubprocess, valid: false})

	res, err := m.Execute(context.Background(), module.ExecRequest{Module: "add"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "module 'add' cannot be executed in environment 'subprocess'", res.Stderr)
}

func TestManagerExecute_ResolveFailureIsResult(t *testing.T) {
	resolver := &stubResolver{err: errors.New("module 'ghost' not found")}
	m := NewManager(resolver, testLogger())

	res, err := m.Execute(context.Background(), module.ExecRequest{Module: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "not found")
}

func TestManagerAvailableKinds_StableOrder(t *testing.T) {
	m := NewManager(&stubResolver{}, testLogger())
	m.Register(module.EnvContainer, &stubExecutor{kind: module.EnvContainer})
	m.Register(module.EnvInline, &stubExecutor{kind: module.EnvInline})
	m.Register(module.EnvSubprocess, &stubExecutor{kind: module.EnvSubprocess})

	kinds := m.AvailableKinds()
	assert.Equal(t, []module.EnvKind{module.EnvInline, module.EnvSubprocess, module.EnvContainer}, kinds)
}

func TestRetryPolicyDo(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, BackoffFactor: 1}

	t.Run("succeeds on a later attempt", func(t *testing.T) {
		calls := 0
		err := policy.Do(context.Background(), func(ctx context.Context) error {
			calls++
			if calls < 2 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		calls := 0
		wantErr := errors.New("permanent")
		err := policy.Do(context.Background(), func(ctx context.Context) error {
			calls++
			return wantErr
		})
		assert.ErrorIs(t, err, wantErr)
		assert.Equal(t, 3, calls, "max retries plus the initial attempt")
	})

	t.Run("respects cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := policy.Do(ctx, func(ctx context.Context) error { return errors.New("x") })
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("delays grow geometrically", func(t *testing.T) {
		backoff := RetryPolicy{MaxRetries: 2, InitialDelay: 20 * time.Millisecond, BackoffFactor: 2}
		var starts []time.Time
		err := backoff.Do(context.Background(), func(ctx context.Context) error {
			starts = append(starts, time.Now())
			return errors.New("transient")
		})
		require.Error(t, err)
		require.Len(t, starts, 3)

		first := starts[1].Sub(starts[0])
		second := starts[2].Sub(starts[1])
		assert.GreaterOrEqual(t, first, 20*time.Millisecond)
		assert.GreaterOrEqual(t, second, 40*time.Millisecond, "second delay doubles the initial delay")
	})
}

func TestRetryableManager_ExhaustionBecomesResult(t *testing.T) {
	resolver := &stubResolver{mod: module.Module{Name: "add", EnvKind: module.EnvSubprocess}}
	exec := &stubExecutor{kind: module.EnvSubprocess, valid: true, err: errors.New("runtime unavailable")}

	m := NewManager(resolver, testLogger())
	m.Register(module.EnvSubprocess, exec)
	rm := NewRetryableManager(m, RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, BackoffFactor: 1}, testLogger())

	res, err := rm.Execute(context.Background(), module.ExecRequest{Module: "add"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "Failed after 2 retries: runtime unavailable", res.Stderr)
	assert.Equal(t, 3, exec.executed)
}

func TestRetryableManager_NonZeroExitIsNotRetried(t *testing.T) {
	resolver := &stubResolver{mod: module.Module{Name: "add", EnvKind: module.EnvSubprocess}}
	exec := &stubExecutor{
		kind:   module.EnvSubprocess,
		valid:  true,
		result: module.ExecResult{Result: []byte("{}"), ExitCode: 2, Stderr: "ValueError"},
	}

	m := NewManager(resolver, testLogger())
	m.Register(module.EnvSubprocess, exec)
	rm := NewRetryableManager(m, RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, BackoffFactor: 1}, testLogger())

	res, err := rm.Execute(context.Background(), module.ExecRequest{Module: "add"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "ValueError", res.Stderr)
	assert.Equal(t, 1, exec.executed, "a handler fault is terminal")
}
