package executor

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/operato/runner/pkg/domain/module"
	"github.com/operato/runner/pkg/provision"
	"github.com/operato/runner/pkg/runner"
)

// containerLabel marks every container this executor starts so Cleanup can
// find strays from earlier runs.
const containerLabel = "operato-runner"

// ContainerLimits bound each container run.
type ContainerLimits struct {
	Memory string // e.g. "512m"
	CPUs   string // e.g. "0.5"
}

// ContainerExecutor runs handlers inside the module's built image. Scratch
// files are bind-mounted at /data; the container gets no network, a memory
// cap and a CPU quota, and is removed after termination.
type ContainerExecutor struct {
	resolver Resolver
	run      runner.CommandRunner
	docker   string
	limits   ContainerLimits
	timeout  time.Duration
	logger   zerolog.Logger
}

var _ Executor = &ContainerExecutor{}

func NewContainerExecutor(resolver Resolver, run runner.CommandRunner, docker string, limits ContainerLimits, timeout time.Duration, logger zerolog.Logger) *ContainerExecutor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if limits.Memory == "" {
		limits.Memory = "512m"
	}
	if limits.CPUs == "" {
		limits.CPUs = "0.5"
	}
	return &ContainerExecutor{
		resolver: resolver,
		run:      run,
		docker:   docker,
		limits:   limits,
		timeout:  timeout,
		logger:   logger.With().Str("component", "executor").Str("kind", "container").Logger(),
	}
}

func (e *ContainerExecutor) Kind() module.EnvKind { return module.EnvContainer }

func (e *ContainerExecutor) Validate(ctx context.Context, moduleName string) bool {
	mod, _, err := e.resolver.ResolveActive(ctx, moduleName)
	if err != nil {
		return false
	}
	res, err := e.run.Run(ctx, e.docker, "image", "inspect", e.imageTag(mod))
	return err == nil && res.ExitCode == 0
}

func (e *ContainerExecutor) Execute(ctx context.Context, req module.ExecRequest) (module.ExecResult, error) {
	start := time.Now()

	mod, _, err := e.resolver.ResolveActive(ctx, req.Module)
	if err != nil {
		return module.Failure(err.Error()), nil
	}

	sc, scErr := newScratch(req.Input)
	if scErr != nil {
		return module.Failure(scErr.Error()), nil
	}
	defer sc.close()

	// Inside the container the sources live at /app (baked by the image
	// recipe) and the scratch dir appears at /data.
	if err := sc.writeDriver(driverScript("/app", "/data/input.json", "/data/output.json")); err != nil {
		return module.Failure("failed to write driver: " + err.Error()), nil
	}

	name := "operato-" + uuid.NewString()
	argv := []string{
		e.docker, "run", "--rm",
		"--name", name,
		"--label", containerLabel,
		"--network", "none",
		"--memory", e.limits.Memory,
		"--cpus", e.limits.CPUs,
		"-v", sc.dir + ":/data",
		e.imageTag(mod),
		"python", "/data/driver.py",
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, runErr := e.run.Run(execCtx, argv...)
	if runErr != nil {
		e.reap(name)
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
		// Killing the docker client does not stop the container; reap it.
		e.reap(name)
		out.ExitCode = 124
		out.Stderr = timeoutMessage(e.timeout)
		out.Stdout = ""
		out.Result = []byte("{}")
	}
	return out, nil
}

// Cleanup force-removes any container carrying our label.
func (e *ContainerExecutor) Cleanup(ctx context.Context) error {
	res, err := e.run.Run(ctx, e.docker, "ps", "-aq", "--filter", "label="+containerLabel)
	if err != nil || res.ExitCode != 0 {
		return err
	}
	for _, id := range strings.Fields(res.Stdout) {
		if _, err := e.run.Run(ctx, e.docker, "rm", "-f", id); err != nil {
			e.logger.Warn().Err(err).Str("container", id).Msg("failed to remove container")
		}
	}
	return nil
}

func (e *ContainerExecutor) imageTag(mod module.Module) string {
	if mod.ImageTag != "" {
		return mod.ImageTag
	}
	return provision.ImageTag(mod.Name)
}

func (e *ContainerExecutor) reap(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := e.run.Run(ctx, e.docker, "rm", "-f", name); err != nil {
		e.logger.Warn().Err(err).Str("container", name).Msg("failed to reap container")
	}
}
