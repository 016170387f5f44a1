package provision

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/operato/runner/pkg/artifact"
	"github.com/operato/runner/pkg/domain/errors"
	"github.com/operato/runner/pkg/domain/module"
	"github.com/operato/runner/pkg/runner"
	"github.com/operato/runner/pkg/store"
)

type fixture struct {
	prov *Provisioner
	arts *artifact.Store
	repo *store.BoltStore
	fake *runner.FakeCommandRunner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	root := t.TempDir()
	arts := artifact.NewStore(filepath.Join(root, "modules"), filepath.Join(root, "module_envs"), logger)
	repo, err := store.NewBoltStore(filepath.Join(root, "runner.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	fake := &runner.FakeCommandRunner{Results: map[string]runner.Result{}}
	tools := Tools{Python: "python3", Conda: "conda", Docker: "docker"}
	return &fixture{
		prov: New(arts, fake, repo, tools, logger),
		arts: arts,
		repo: repo,
		fake: fake,
	}
}

func (f *fixture) stage(t *testing.T, name string, withRequirements bool) {
	t.Helper()
	tmp := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "handler.py"), []byte("def handler(input):\n    return input\n"), 0o644))
	if withRequirements {
		require.NoError(t, os.WriteFile(filepath.Join(tmp, "requirements.txt"), []byte("requests\n"), 0o644))
	}
	require.NoError(t, f.arts.StoreSource(name, "1.0", tmp))
	require.NoError(t, f.arts.StageActive(name, "1.0"))
}

func (f *fixture) commandLines() []string {
	lines := make([]string, 0, len(f.fake.Calls))
	for _, call := range f.fake.Calls {
		lines = append(lines, strings.Join(call, " "))
	}
	return lines
}

func TestEnvNaming(t *testing.T) {
	assert.Equal(t, "mod_add", EnvName("add"))
	assert.Equal(t, "mod_add:latest", ImageTag("add"))
}

func TestProvision_InlineIsNoop(t *testing.T) {
	f := newFixture(t)
	err := f.prov.Provision(context.Background(), module.Module{Name: "add", EnvKind: module.EnvInline})
	require.NoError(t, err)
	assert.Empty(t, f.fake.Calls)
}

func TestProvisionVenv(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "add", true)

	err := f.prov.Provision(context.Background(), module.Module{Name: "add", EnvKind: module.EnvSubprocess})
	require.NoError(t, err)

	lines := f.commandLines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "python3 -m venv")
	assert.Contains(t, lines[0], filepath.Join("module_envs", "add", artifact.RuntimeDir))
	assert.Contains(t, lines[1], filepath.Join("bin", "pip")+" install -r")
	assert.Contains(t, lines[1], "requirements.txt")
}

func TestProvisionVenv_NoRequirements(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "add", false)

	err := f.prov.Provision(context.Background(), module.Module{Name: "add", EnvKind: module.EnvSubprocess})
	require.NoError(t, err)
	assert.Len(t, f.fake.Calls, 1, "pip is skipped when nothing is declared")
}

func TestProvisionVenv_SkipsExistingRuntime(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "add", true)
	require.NoError(t, os.MkdirAll(f.arts.RuntimePath("add"), 0o755))

	err := f.prov.Provision(context.Background(), module.Module{Name: "add", EnvKind: module.EnvSubprocess})
	require.NoError(t, err)
	assert.Empty(t, f.fake.Calls)
}

func TestProvisionVenv_Failure(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "add", true)
	f.fake.Results["-m venv"] = runner.Result{ExitCode: 1, Stderr: "No module named venv"}

	err := f.prov.Provision(context.Background(), module.Module{Name: "add", EnvKind: module.EnvSubprocess})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeProvisionFailed))
	assert.Contains(t, err.Error(), "No module named venv")

	logs, lerr := f.repo.ListValidationLogs(context.Background(), 0)
	require.NoError(t, lerr)
	require.Len(t, logs, 1)
	assert.Equal(t, "fail", logs[0].Status)
	assert.Equal(t, "add", logs[0].Filename)
	assert.Contains(t, logs[0].Message, "provisioning subprocess environment failed")
}

func TestProvisionNamedEnv(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "add", true)
	f.fake.Results["env list"] = runner.Result{Stdout: "base  /opt/conda\n"}

	err := f.prov.Provision(context.Background(), module.Module{Name: "add", EnvKind: module.EnvNamedEnv})
	require.NoError(t, err)

	lines := f.commandLines()
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "conda env list")
	assert.Contains(t, lines[1], "conda create -n mod_add python=3.10 -y")
	assert.Contains(t, lines[2], "conda run -n mod_add pip install -r")
}

func TestProvisionNamedEnv_AlreadyExists(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "add", true)
	f.fake.Results["env list"] = runner.Result{Stdout: "mod_add  /opt/conda/envs/mod_add\n"}

	err := f.prov.Provision(context.Background(), module.Module{Name: "add", EnvKind: module.EnvNamedEnv})
	require.NoError(t, err)
	assert.Len(t, f.fake.Calls, 1, "only the existence probe runs")
}

func TestProvisionImage(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "add", true)

	err := f.prov.Provision(context.Background(), module.Module{Name: "add", EnvKind: module.EnvContainer})
	require.NoError(t, err)

	lines := f.commandLines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "docker build -f")
	assert.Contains(t, lines[0], "-t mod_add:latest")
	assert.Contains(t, lines[0], f.arts.EnvDir("add"))
}

func TestProvisionImage_BuildFailure(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "add", true)
	f.fake.Results["docker build"] = runner.Result{ExitCode: 1, Stderr: "failed to solve"}

	err := f.prov.Provision(context.Background(), module.Module{Name: "add", EnvKind: module.EnvContainer})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeProvisionFailed))
}

func TestImageRecipe(t *testing.T) {
	recipe := imageRecipe("add")
	assert.Contains(t, recipe, "FROM python:3.10-slim")
	assert.Contains(t, recipe, "LABEL operato-runner=add")
	assert.Contains(t, recipe, "COPY . /app")
	assert.Contains(t, recipe, "if [ -f requirements.txt ]")
}

func TestDestroy(t *testing.T) {
	tests := []struct {
		name     string
		kind     module.EnvKind
		wantLine string
	}{
		{"named env", module.EnvNamedEnv, "conda env remove -n mod_add -y"},
		{"container", module.EnvContainer, "docker rmi -f mod_add:latest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.stage(t, "add", false)

			err := f.prov.Destroy(context.Background(), module.Module{Name: "add", EnvKind: tt.kind})
			require.NoError(t, err)
			require.NotEmpty(t, f.fake.Calls)
			assert.Equal(t, tt.wantLine, strings.Join(f.fake.Calls[0], " "))
			assert.False(t, f.arts.HasEnv("add"))
		})
	}
}

func TestDestroy_SubprocessRemovesEnvOnly(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "add", false)

	err := f.prov.Destroy(context.Background(), module.Module{Name: "add", EnvKind: module.EnvSubprocess})
	require.NoError(t, err)
	assert.Empty(t, f.fake.Calls)
	assert.False(t, f.arts.HasEnv("add"))
}
