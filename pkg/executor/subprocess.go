package executor

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/operato/runner/pkg/artifact"
	"github.com/operato/runner/pkg/domain/module"
	"github.com/operato/runner/pkg/runner"
)

// SubprocessExecutor runs handlers under the module's provisioned
// virtualenv interpreter. The staged source directory is pushed onto the
// interpreter's module search path so handler resolves from the active
// sources, never from host-global packages.
type SubprocessExecutor struct {
	arts    *artifact.Store
	run     runner.CommandRunner
	timeout time.Duration
	logger  zerolog.Logger
}

var _ Executor = &SubprocessExecutor{}

func NewSubprocessExecutor(arts *artifact.Store, run runner.CommandRunner, timeout time.Duration, logger zerolog.Logger) *SubprocessExecutor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SubprocessExecutor{
		arts:    arts,
		run:     run,
		timeout: timeout,
		logger:  logger.With().Str("component", "executor").Str("kind", "subprocess").Logger(),
	}
}

func (e *SubprocessExecutor) Kind() module.EnvKind { return module.EnvSubprocess }

func (e *SubprocessExecutor) Validate(ctx context.Context, moduleName string) bool {
	return e.arts.HasRuntime(moduleName)
}

func (e *SubprocessExecutor) Execute(ctx context.Context, req module.ExecRequest) (module.ExecResult, error) {
	python := filepath.Join(e.arts.RuntimePath(req.Module), "bin", "python")
	envDir := e.arts.EnvDir(req.Module)
	return runDriver(ctx, e.run, e.timeout, req, envDir, python)
}

func (e *SubprocessExecutor) Cleanup(ctx context.Context) error { return nil }

// runDriver is the shared non-inline execution path: generate the driver,
// run it under argv, reap streams and exit code, and read the output file.
// Scratch files are removed on every exit path.
func runDriver(ctx context.Context, run runner.CommandRunner, timeout time.Duration, req module.ExecRequest, sourceDir string, argv ...string) (module.ExecResult, error) {
	start := time.Now()

	sc, err := newScratch(req.Input)
	if err != nil {
		return module.Failure(err.Error()), nil
	}
	defer sc.close()

	if err := sc.writeDriver(driverScript(sourceDir, sc.inputPath(), sc.outputPath())); err != nil {
		return module.Failure("failed to write driver: " + err.Error()), nil
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := run.Run(execCtx, append(argv, sc.driverPath())...)
	if err != nil {
		if ctx.Err() != nil {
			return module.ExecResult{}, ctx.Err()
		}
		return module.Failure("Error executing module: " + err.Error()), nil
	}

	out := module.ExecResult{
		Result:   sc.result(),
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
		Stdout:   res.Stdout,
		Duration: time.Since(start).Seconds(),
	}
	if res.TimedOut {
		out.ExitCode = 124
		out.Stderr = timeoutMessage(timeout)
		out.Stdout = ""
		out.Result = []byte("{}")
	}
	return out, nil
}
