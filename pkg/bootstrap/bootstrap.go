// Package bootstrap wires the runner's components together from a Config:
// store, artifact layout, provisioner, executor backends, retrying manager,
// registry, and the HTTP/RPC servers.
package bootstrap

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/operato/runner/pkg/api"
	"github.com/operato/runner/pkg/artifact"
	"github.com/operato/runner/pkg/config"
	"github.com/operato/runner/pkg/domain/module"
	"github.com/operato/runner/pkg/executor"
	"github.com/operato/runner/pkg/provision"
	"github.com/operato/runner/pkg/registry"
	"github.com/operato/runner/pkg/rpc"
	"github.com/operato/runner/pkg/runner"
	"github.com/operato/runner/pkg/store"
	"github.com/operato/runner/pkg/validate"
)

// App holds the wired components and owns their shutdown order.
type App struct {
	Config   *config.Config
	Store    *store.BoltStore
	Registry *registry.Registry
	Exec     *executor.RetryableManager
	HTTP     *api.Server
	RPC      *rpc.Server
	logger   zerolog.Logger
}

// New builds the full component graph. Nothing is started; the caller runs
// the servers and calls Close when done.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	repo, err := store.NewBoltStore(cfg.StorePath, logger)
	if err != nil {
		return nil, err
	}

	arts := artifact.NewStore(cfg.ModulesDir(), cfg.EnvsDir(), logger)
	run := runner.New(logger)
	tools := provision.Tools{Python: cfg.PythonBin, Conda: cfg.CondaBin, Docker: cfg.DockerBin}
	prov := provision.New(arts, run, repo, tools, logger)
	pipeline := validate.NewPipeline(repo, logger)

	reg := registry.New(repo, arts, prov, logger)

	manager := executor.NewManager(reg, logger)
	manager.Register(module.EnvInline,
		executor.NewInlineExecutor(reg, run, cfg.PythonBin, cfg.ExecTimeout, logger))
	manager.Register(module.EnvSubprocess,
		executor.NewSubprocessExecutor(arts, run, cfg.ExecTimeout, logger))
	manager.Register(module.EnvNamedEnv,
		executor.NewNamedEnvExecutor(arts, run, cfg.CondaBin, cfg.ExecTimeout, logger))
	manager.Register(module.EnvContainer,
		executor.NewContainerExecutor(reg, run, cfg.DockerBin,
			executor.ContainerLimits{Memory: cfg.ContainerMem, CPUs: cfg.ContainerCPUs},
			cfg.ExecTimeout, logger))

	exec := executor.NewRetryableManager(manager, executor.RetryPolicy{
		MaxRetries:    cfg.MaxRetries,
		InitialDelay:  cfg.RetryDelay,
		BackoffFactor: cfg.BackoffFactor,
	}, logger)

	verifier := api.NewStaticTokenVerifier()
	if cfg.AdminToken != "" {
		verifier.AddAdmin(cfg.AdminToken)
	}
	if cfg.TokensFile != "" {
		if err := loadTokens(verifier, cfg.TokensFile); err != nil {
			repo.Close()
			return nil, err
		}
	}

	httpServer := api.NewServer(reg, repo, exec, pipeline, api.Options{
		Port:     cfg.HTTPPort,
		Verifier: verifier,
		Logger:   logger,
	})

	var rpcServer *rpc.Server
	if cfg.RPCEnabled {
		rpcServer = rpc.NewServer(reg, repo, exec, cfg.ServiceName, cfg.ServiceVersion, logger)
	}

	return &App{
		Config:   cfg,
		Store:    repo,
		Registry: reg,
		Exec:     exec,
		HTTP:     httpServer,
		RPC:      rpcServer,
		logger:   logger.With().Str("component", "bootstrap").Logger(),
	}, nil
}

// loadTokens reads a JSON map of bearer token to principal and registers
// each with the verifier.
func loadTokens(verifier *api.StaticTokenVerifier, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tokens file: %w", err)
	}
	tokens := make(map[string]module.Principal)
	if err := json.Unmarshal(data, &tokens); err != nil {
		return fmt.Errorf("failed to parse tokens file: %w", err)
	}
	for token, principal := range tokens {
		verifier.Add(token, principal)
	}
	return nil
}

// Close releases resources in reverse dependency order.
func (a *App) Close() error {
	if err := a.Store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close store")
		return err
	}
	return nil
}
