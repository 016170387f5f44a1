// Package provision materializes per-module runtimes for each environment
// kind: nothing for inline, a virtualenv for subprocess, an externally named
// interpreter environment for named_env, and a container image for container.
package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/operato/runner/pkg/artifact"
	"github.com/operato/runner/pkg/domain/errors"
	"github.com/operato/runner/pkg/domain/module"
	"github.com/operato/runner/pkg/runner"
	"github.com/operato/runner/pkg/store"
)

// Tools names the host binaries the provisioner drives.
type Tools struct {
	Python string
	Conda  string
	Docker string
}

// Provisioner builds and destroys module runtimes. Failed steps leave the
// partial environment on disk for diagnosis; the next attempt overwrites it.
type Provisioner struct {
	arts   *artifact.Store
	run    runner.CommandRunner
	repo   store.Repository
	tools  Tools
	logger zerolog.Logger
}

func New(arts *artifact.Store, run runner.CommandRunner, repo store.Repository, tools Tools, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		arts:   arts,
		run:    run,
		repo:   repo,
		tools:  tools,
		logger: logger.With().Str("component", "provision").Logger(),
	}
}

// EnvName is the externally visible name of a module's named environment.
func EnvName(moduleName string) string {
	return "mod_" + moduleName
}

// ImageTag is the container image tag built for a module.
func ImageTag(moduleName string) string {
	return "mod_" + moduleName + ":latest"
}

// Provision materializes the runtime for the module's staged environment.
// Pre-existing runtimes are kept as they are.
func (p *Provisioner) Provision(ctx context.Context, mod module.Module) error {
	switch mod.EnvKind {
	case module.EnvInline:
		return nil
	case module.EnvSubprocess:
		return p.provisionVenv(ctx, mod.Name)
	case module.EnvNamedEnv:
		return p.provisionNamedEnv(ctx, mod.Name)
	case module.EnvContainer:
		return p.provisionImage(ctx, mod.Name)
	default:
		return errors.New(errors.CodeBadInput, "provision", fmt.Sprintf("unknown env kind %q", mod.EnvKind), nil)
	}
}

// Destroy tears the runtime down: local runtime directory, named environment,
// or container image, then the staged environment itself.
func (p *Provisioner) Destroy(ctx context.Context, mod module.Module) error {
	switch mod.EnvKind {
	case module.EnvNamedEnv:
		if res, err := p.run.Run(ctx, p.tools.Conda, "env", "remove", "-n", EnvName(mod.Name), "-y"); err != nil || res.ExitCode != 0 {
			p.logger.Warn().Str("module", mod.Name).Str("stderr", res.Stderr).Msg("failed to remove named environment")
		}
	case module.EnvContainer:
		if res, err := p.run.Run(ctx, p.tools.Docker, "rmi", "-f", ImageTag(mod.Name)); err != nil || res.ExitCode != 0 {
			p.logger.Warn().Str("module", mod.Name).Str("stderr", res.Stderr).Msg("failed to remove container image")
		}
	}
	return p.arts.RemoveEnv(mod.Name)
}

func (p *Provisioner) provisionVenv(ctx context.Context, name string) error {
	if p.arts.HasRuntime(name) {
		p.logger.Debug().Str("module", name).Msg("runtime already provisioned")
		return nil
	}

	venv := p.arts.RuntimePath(name)
	if res, err := p.run.Run(ctx, p.tools.Python, "-m", "venv", venv); err != nil {
		return p.fail(ctx, name, module.EnvSubprocess, err.Error())
	} else if res.ExitCode != 0 {
		return p.fail(ctx, name, module.EnvSubprocess, res.Stderr)
	}

	return p.installRequirements(ctx, name, module.EnvSubprocess,
		filepath.Join(venv, "bin", "pip"), "install", "-r")
}

func (p *Provisioner) provisionNamedEnv(ctx context.Context, name string) error {
	env := EnvName(name)
	if p.namedEnvExists(ctx, env) {
		p.logger.Debug().Str("module", name).Str("env", env).Msg("named environment already provisioned")
		return nil
	}

	if res, err := p.run.Run(ctx, p.tools.Conda, "create", "-n", env, "python=3.10", "-y"); err != nil {
		return p.fail(ctx, name, module.EnvNamedEnv, err.Error())
	} else if res.ExitCode != 0 {
		return p.fail(ctx, name, module.EnvNamedEnv, res.Stderr)
	}

	return p.installRequirements(ctx, name, module.EnvNamedEnv,
		p.tools.Conda, "run", "-n", env, "pip", "install", "-r")
}

func (p *Provisioner) provisionImage(ctx context.Context, name string) error {
	envDir := p.arts.EnvDir(name)

	// The recipe lives in a scratch directory so a failed build never
	// pollutes the staged sources.
	tmpDir, err := os.MkdirTemp("", "operato-image-*")
	if err != nil {
		return errors.New(errors.CodeIoError, "provision", "failed to create temp directory", err)
	}
	defer os.RemoveAll(tmpDir)

	dockerfilePath := filepath.Join(tmpDir, "Dockerfile")
	if err := os.WriteFile(dockerfilePath, []byte(imageRecipe(name)), 0o644); err != nil {
		return errors.New(errors.CodeIoError, "provision", "failed to write Dockerfile", err)
	}

	tag := ImageTag(name)
	p.logger.Info().Str("module", name).Str("tag", tag).Msg("building container image")
	res, err := p.run.Run(ctx, p.tools.Docker, "build", "-f", dockerfilePath, "-t", tag, envDir)
	if err != nil {
		return p.fail(ctx, name, module.EnvContainer, err.Error())
	}
	if res.ExitCode != 0 {
		return p.fail(ctx, name, module.EnvContainer, res.Stderr)
	}
	return nil
}

// imageRecipe is the generated build recipe: copy the staged sources and
// install declared requirements when present.
func imageRecipe(name string) string {
	var b strings.Builder
	b.WriteString("FROM python:3.10-slim\n")
	b.WriteString("LABEL operato-runner=" + name + "\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY . /app\n")
	b.WriteString("RUN if [ -f requirements.txt ]; then pip install --no-cache-dir -r requirements.txt; fi\n")
	return b.String()
}

func (p *Provisioner) installRequirements(ctx context.Context, name string, kind module.EnvKind, installer ...string) error {
	req := filepath.Join(p.arts.EnvDir(name), "requirements.txt")
	if _, err := os.Stat(req); err != nil {
		return nil // nothing declared
	}
	args := append(installer, req)
	if res, err := p.run.Run(ctx, args...); err != nil {
		return p.fail(ctx, name, kind, err.Error())
	} else if res.ExitCode != 0 {
		return p.fail(ctx, name, kind, res.Stderr)
	}
	return nil
}

func (p *Provisioner) namedEnvExists(ctx context.Context, env string) bool {
	res, err := p.run.Run(ctx, p.tools.Conda, "env", "list")
	if err != nil || res.ExitCode != 0 {
		return false
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == env {
			return true
		}
	}
	return false
}

// fail records the step's stderr as a validation failure and surfaces a
// provisioning error. The partial environment stays on disk for diagnosis.
func (p *Provisioner) fail(ctx context.Context, name string, kind module.EnvKind, stderr string) error {
	rec := module.ValidationLog{
		Filename: name,
		Status:   "fail",
		Message:  fmt.Sprintf("provisioning %s environment failed: %s", kind, strings.TrimSpace(stderr)),
	}
	if err := p.repo.AppendValidationLog(ctx, rec); err != nil {
		p.logger.Error().Err(err).Str("module", name).Msg("failed to append validation log")
	}
	return errors.New(errors.CodeProvisionFailed, "provision",
		fmt.Sprintf("failed to provision %s environment for %s: %s", kind, name, strings.TrimSpace(stderr)), nil)
}
