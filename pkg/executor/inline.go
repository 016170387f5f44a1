package executor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/operato/runner/pkg/domain/module"
	"github.com/operato/runner/pkg/runner"
)

// InlineExecutor evaluates the active version's code string as the body of a
// generated handler(input) function. The evaluation is delegated to the
// platform's base interpreter in a fresh process, so a fault in the code can
// never take the service down; semantically it is the subprocess backend
// with an implicit handler wrapper.
type InlineExecutor struct {
	resolver Resolver
	run      runner.CommandRunner
	python   string
	timeout  time.Duration
	logger   zerolog.Logger
}

var _ Executor = &InlineExecutor{}

func NewInlineExecutor(resolver Resolver, run runner.CommandRunner, python string, timeout time.Duration, logger zerolog.Logger) *InlineExecutor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &InlineExecutor{
		resolver: resolver,
		run:      run,
		python:   python,
		timeout:  timeout,
		logger:   logger.With().Str("component", "executor").Str("kind", "inline").Logger(),
	}
}

func (e *InlineExecutor) Kind() module.EnvKind { return module.EnvInline }

func (e *InlineExecutor) Validate(ctx context.Context, moduleName string) bool {
	_, ver, err := e.resolver.ResolveActive(ctx, moduleName)
	return err == nil && ver.Code != ""
}

func (e *InlineExecutor) Execute(ctx context.Context, req module.ExecRequest) (module.ExecResult, error) {
	start := time.Now()

	_, ver, err := e.resolver.ResolveActive(ctx, req.Module)
	if err != nil {
		return module.Failure(err.Error()), nil
	}
	if ver.Code == "" {
		return module.Failure("module has no inline code"), nil
	}

	sc, scErr := newScratch(req.Input)
	if scErr != nil {
		return module.Failure(scErr.Error()), nil
	}
	defer sc.close()

	if err := sc.writeDriver(inlineScript(ver.Code, sc.inputPath(), sc.outputPath())); err != nil {
		return module.Failure("failed to write driver: " + err.Error()), nil
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, runErr := e.run.Run(execCtx, e.python, sc.driverPath())
	if runErr != nil {
		if ctx.Err() != nil {
			return module.ExecResult{}, ctx.Err()
		}
		return module.Failure("Error executing module: " + runErr.Error()), nil
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
		out.Stderr = timeoutMessage(e.timeout)
		out.Stdout = ""
		out.Result = []byte("{}")
	}
	return out, nil
}

func (e *InlineExecutor) Cleanup(ctx context.Context) error { return nil }
