package executor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/operato/runner/pkg/domain/module"
)

// RetryPolicy retries a failing operation with exponential backoff: the
// operation runs up to MaxRetries+1 times, waiting InitialDelay *
// BackoffFactor^attempt between attempts. Only returned errors trigger a
// retry; an ExecResult with a non-zero exit code is a terminal answer.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy mirrors the platform defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, BackoffFactor: 2.0}
}

// Do invokes fn until it succeeds or the attempts are exhausted, returning
// the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == p.MaxRetries {
			break
		}
		delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// RetryableManager wraps the executor manager with the retry policy and
// turns an exhausted retry into a terminal ExecResult.
type RetryableManager struct {
	manager *Manager
	policy  RetryPolicy
	logger  zerolog.Logger
}

func NewRetryableManager(manager *Manager, policy RetryPolicy, logger zerolog.Logger) *RetryableManager {
	return &RetryableManager{
		manager: manager,
		policy:  policy,
		logger:  logger.With().Str("component", "retryable_manager").Logger(),
	}
}

func (r *RetryableManager) Execute(ctx context.Context, req module.ExecRequest) (module.ExecResult, error) {
	var res module.ExecResult
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		var execErr error
		res, execErr = r.manager.Execute(ctx, req)
		return execErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return module.ExecResult{}, err
		}
		r.logger.Warn().Err(err).Str("module", req.Module).Int("retries", r.policy.MaxRetries).Msg("execution failed after retries")
		return module.Failure(fmt.Sprintf("Failed after %d retries: %v", r.policy.MaxRetries, err)), nil
	}
	return res, nil
}

func (r *RetryableManager) Register(kind module.EnvKind, exec Executor) {
	r.manager.Register(kind, exec)
}

func (r *RetryableManager) AvailableKinds() []module.EnvKind {
	return r.manager.AvailableKinds()
}

func (r *RetryableManager) Cleanup(ctx context.Context) error {
	return r.manager.Cleanup(ctx)
}
