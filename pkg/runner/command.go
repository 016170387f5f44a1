// Package runner executes external commands for the provisioner and the
// executor backends. All invocations go through CommandRunner so tests can
// substitute a fake.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Result is the reaped outcome of one command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// CommandRunner is an interface for executing commands and getting the output/error.
// A non-zero exit code and a timeout are reported in the Result, not as an
// error; the error return covers spawn failures and caller cancellation only.
type CommandRunner interface {
	Run(ctx context.Context, args ...string) (Result, error)
}

type DefaultCommandRunner struct {
	logger zerolog.Logger
}

var _ CommandRunner = &DefaultCommandRunner{}

func New(logger zerolog.Logger) *DefaultCommandRunner {
	return &DefaultCommandRunner{logger: logger.With().Str("component", "runner").Logger()}
}

func (d *DefaultCommandRunner) Run(ctx context.Context, args ...string) (Result, error) {
	if len(args) == 0 {
		return Result{}, errors.New("no command given")
	}
	d.logger.Debug().Strs("args", args).Msg("running command")

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Grace period between SIGKILL on context expiry and giving up the reap.
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	switch {
	case err == nil:
		return res, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = 124
		d.logger.Debug().Strs("args", args).Msg("command timed out")
		return res, nil
	case errors.Is(ctx.Err(), context.Canceled):
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

// FakeCommandRunner replays scripted results keyed by a substring of the
// command line, falling back to the zero result. It records every call.
type FakeCommandRunner struct {
	Results map[string]Result
	Err     error
	Calls   [][]string
}

var _ CommandRunner = &FakeCommandRunner{}

func (f *FakeCommandRunner) Run(ctx context.Context, args ...string) (Result, error) {
	f.Calls = append(f.Calls, args)
	if f.Err != nil {
		return Result{}, f.Err
	}
	line := strings.Join(args, " ")
	for key, res := range f.Results {
		if strings.Contains(line, key) {
			return res, nil
		}
	}
	return Result{}, nil
}
