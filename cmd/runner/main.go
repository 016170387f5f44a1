// Command runner is the Operato Runner service: module registry, runtime
// provisioning, and handler execution behind REST and RPC surfaces.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/operato/runner/pkg/bootstrap"
	"github.com/operato/runner/pkg/config"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

type serveFlags struct {
	envFile     string
	dataDir     string
	storePath   string
	httpPort    int
	logLevel    string
	execTimeout time.Duration
	adminToken  string
}

func main() {
	root := &cobra.Command{
		Use:           "runner",
		Short:         "Operato Runner: register, provision, and execute code modules",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd(), newRPCCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, logger, err := buildApp(flags)
			if err != nil {
				return err
			}
			defer app.Close()
			return runWithShutdown(logger, app.HTTP.Serve)
		},
	}
	bindServeFlags(cmd, flags)
	return cmd
}

func newRPCCmd() *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "rpc",
		Short: "Serve the RPC API over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, logger, err := buildApp(flags)
			if err != nil {
				return err
			}
			defer app.Close()
			if app.RPC == nil {
				return fmt.Errorf("rpc is disabled in the configuration")
			}
			return runWithShutdown(logger, app.RPC.Serve)
		},
	}
	bindServeFlags(cmd, flags)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("runner %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		},
	}
}

func bindServeFlags(cmd *cobra.Command, flags *serveFlags) {
	cmd.Flags().StringVar(&flags.envFile, "config", "", "path to a .env configuration file")
	cmd.Flags().StringVar(&flags.dataDir, "data-dir", "", "parent directory of modules/ and module_envs/")
	cmd.Flags().StringVar(&flags.storePath, "store-path", "", "path to the bolt database file")
	cmd.Flags().IntVar(&flags.httpPort, "http-port", 0, "HTTP listen port")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().DurationVar(&flags.execTimeout, "exec-timeout", 0, "wall-clock execution timeout")
	cmd.Flags().StringVar(&flags.adminToken, "admin-token", "", "static admin bearer token")
}

func buildApp(flags *serveFlags) (*bootstrap.App, zerolog.Logger, error) {
	cfg, err := config.Load(flags.envFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	applyFlagOverrides(cfg, flags)
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}

	logger := setupLogging(cfg.LogLevel)
	logger.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Int("http_port", cfg.HTTPPort).
		Msg("starting Operato Runner")

	if cfg.ServiceVersion == "dev" {
		cfg.ServiceVersion = Version
	}

	app, err := bootstrap.New(cfg, logger)
	if err != nil {
		return nil, logger, err
	}
	return app, logger, nil
}

func applyFlagOverrides(cfg *config.Config, flags *serveFlags) {
	if flags.dataDir != "" {
		cfg.DataDir = flags.dataDir
	}
	if flags.storePath != "" {
		cfg.StorePath = flags.storePath
	}
	if flags.httpPort > 0 {
		cfg.HTTPPort = flags.httpPort
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.execTimeout > 0 {
		cfg.ExecTimeout = flags.execTimeout
	}
	if flags.adminToken != "" {
		cfg.AdminToken = flags.adminToken
	}
}

func setupLogging(level string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// runWithShutdown runs serve until SIGINT/SIGTERM, then cancels and gives
// the server its shutdown window.
func runWithShutdown(logger zerolog.Logger, serve func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
		select {
		case err := <-serverErr:
			return err
		case <-time.After(35 * time.Second):
			return fmt.Errorf("shutdown timed out")
		}
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("server failed")
		}
		return err
	}
}
