package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/operato/runner/pkg/domain/module"
	"github.com/operato/runner/pkg/metrics"
)

// Manager routes execution requests to the backend matching the module's
// declared environment kind. Routing failures are reported as ExecResults,
// not errors: the caller always gets a terminal result.
type Manager struct {
	resolver Resolver
	logger   zerolog.Logger

	mu        sync.RWMutex
	executors map[module.EnvKind]Executor
}

func NewManager(resolver Resolver, logger zerolog.Logger) *Manager {
	return &Manager{
		resolver:  resolver,
		logger:    logger.With().Str("component", "executor_manager").Logger(),
		executors: make(map[module.EnvKind]Executor),
	}
}

// Register wires a backend in, replacing any previous one for the kind.
func (m *Manager) Register(kind module.EnvKind, exec Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[kind] = exec
	m.logger.Info().Str("kind", string(kind)).Msg("registered executor")
}

// AvailableKinds lists the wired environment kinds.
func (m *Manager) AvailableKinds() []module.EnvKind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kinds := make([]module.EnvKind, 0, len(m.executors))
	for _, k := range module.Kinds() {
		if _, ok := m.executors[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Execute resolves the module's active deployment, picks the backend for its
// environment kind, checks the backend can serve it, and delegates.
func (m *Manager) Execute(ctx context.Context, req module.ExecRequest) (module.ExecResult, error) {
	mod, _, err := m.resolver.ResolveActive(ctx, req.Module)
	if err != nil {
		return module.Failure(err.Error()), nil
	}

	m.mu.RLock()
	exec, ok := m.executors[mod.EnvKind]
	m.mu.RUnlock()
	if !ok {
		return module.Failure(fmt.Sprintf("no executor available for environment '%s'", mod.EnvKind)), nil
	}

	if !exec.Validate(ctx, req.Module) {
		return module.Failure(fmt.Sprintf("module '%s' cannot be executed in environment '%s'", req.Module, mod.EnvKind)), nil
	}

	res, err := exec.Execute(ctx, req)
	if err == nil {
		metrics.ObserveExecution(req.Module, string(mod.EnvKind), res.ExitCode, res.Duration)
	}
	return res, err
}

// Cleanup calls Cleanup on every wired backend.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var firstErr error
	for kind, exec := range m.executors {
		if err := exec.Cleanup(ctx); err != nil {
			m.logger.Warn().Err(err).Str("kind", string(kind)).Msg("executor cleanup failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
