package executor

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/operato/runner/pkg/artifact"
	"github.com/operato/runner/pkg/domain/module"
	"github.com/operato/runner/pkg/provision"
	"github.com/operato/runner/pkg/runner"
)

// NamedEnvExecutor invokes handlers through the external environment
// manager's run-in-environment command; marshalling is otherwise identical
// to the subprocess backend.
type NamedEnvExecutor struct {
	arts    *artifact.Store
	run     runner.CommandRunner
	conda   string
	timeout time.Duration
	logger  zerolog.Logger
}

var _ Executor = &NamedEnvExecutor{}

func NewNamedEnvExecutor(arts *artifact.Store, run runner.CommandRunner, conda string, timeout time.Duration, logger zerolog.Logger) *NamedEnvExecutor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &NamedEnvExecutor{
		arts:    arts,
		run:     run,
		conda:   conda,
		timeout: timeout,
		logger:  logger.With().Str("component", "executor").Str("kind", "named_env").Logger(),
	}
}

func (e *NamedEnvExecutor) Kind() module.EnvKind { return module.EnvNamedEnv }

func (e *NamedEnvExecutor) Validate(ctx context.Context, moduleName string) bool {
	res, err := e.run.Run(ctx, e.conda, "env", "list")
	if err != nil || res.ExitCode != 0 {
		return false
	}
	env := provision.EnvName(moduleName)
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == env {
			return true
		}
	}
	return false
}

func (e *NamedEnvExecutor) Execute(ctx context.Context, req module.ExecRequest) (module.ExecResult, error) {
	envDir := e.arts.EnvDir(req.Module)
	return runDriver(ctx, e.run, e.timeout, req, envDir,
		e.conda, "run", "-n", provision.EnvName(req.Module), "python")
}

func (e *NamedEnvExecutor) Cleanup(ctx context.Context) error { return nil }
