// Package config carries the runner's startup configuration. Values come from
// defaults, an optional .env file, and OPERATO_* environment variables, in
// that order; command-line flags override last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// On-disk layout roots
	DataDir   string        `env:"OPERATO_DATA_DIR"`   // parent of modules/ and module_envs/
	StorePath string        `env:"OPERATO_STORE_PATH"` // bolt database file

	// Serving
	HTTPPort    int  `env:"OPERATO_HTTP_PORT"`
	RPCEnabled  bool `env:"OPERATO_RPC_ENABLED"`
	MetricsPort int  `env:"OPERATO_METRICS_PORT"`

	// Execution
	ExecTimeout   time.Duration `env:"OPERATO_EXEC_TIMEOUT"`
	PythonBin     string        `env:"OPERATO_PYTHON_BIN"`
	CondaBin      string        `env:"OPERATO_CONDA_BIN"`
	DockerBin     string        `env:"OPERATO_DOCKER_BIN"`
	ContainerMem  string        `env:"OPERATO_CONTAINER_MEM"`
	ContainerCPUs string        `env:"OPERATO_CONTAINER_CPUS"`

	// Retry policy around execution
	MaxRetries    int           `env:"OPERATO_MAX_RETRIES"`
	RetryDelay    time.Duration `env:"OPERATO_RETRY_DELAY"`
	BackoffFactor float64       `env:"OPERATO_BACKOFF_FACTOR"`

	// Logging
	LogLevel string `env:"OPERATO_LOG_LEVEL"`

	// Static bearer tokens for the single-host deployment. AdminToken gets
	// the admin role and every scope; TokensFile points at a JSON map of
	// token -> principal. Real authentication lives outside the core.
	AdminToken string `env:"OPERATO_ADMIN_TOKEN"`
	TokensFile string `env:"OPERATO_TOKENS_FILE"`

	ServiceName    string `env:"OPERATO_SERVICE_NAME"`
	ServiceVersion string `env:"OPERATO_SERVICE_VERSION"`
}

// Load builds the configuration from defaults, the optional env file, and
// environment variables. The env file is read into the config directly;
// the process environment is never modified.
func Load(envFile string) (*Config, error) {
	cfg := Default()

	if envFile != "" {
		vals, err := godotenv.Read(envFile)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
		apply(cfg, func(key string) string { return vals[key] })
	}

	apply(cfg, os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func Default() *Config {
	dataDir := filepath.Join(os.TempDir(), "operato")

	return &Config{
		DataDir:        dataDir,
		StorePath:      filepath.Join(dataDir, "runner.db"),
		HTTPPort:       8000,
		RPCEnabled:     true,
		MetricsPort:    9090,
		ExecTimeout:    60 * time.Second,
		PythonBin:      "python3",
		CondaBin:       "conda",
		DockerBin:      "docker",
		ContainerMem:   "512m",
		ContainerCPUs:  "0.5",
		MaxRetries:     3,
		RetryDelay:     time.Second,
		BackoffFactor:  2.0,
		LogLevel:       "info",
		ServiceName:    "operato-runner",
		ServiceVersion: "dev",
	}
}

func apply(cfg *Config, get func(string) string) {
	if v := get("OPERATO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := get("OPERATO_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := get("OPERATO_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = n
		}
	}
	if v := get("OPERATO_RPC_ENABLED"); v != "" {
		cfg.RPCEnabled = v == "true" || v == "1"
	}
	if v := get("OPERATO_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MetricsPort = n
		}
	}
	if v := get("OPERATO_EXEC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ExecTimeout = d
		}
	}
	if v := get("OPERATO_PYTHON_BIN"); v != "" {
		cfg.PythonBin = v
	}
	if v := get("OPERATO_CONDA_BIN"); v != "" {
		cfg.CondaBin = v
	}
	if v := get("OPERATO_DOCKER_BIN"); v != "" {
		cfg.DockerBin = v
	}
	if v := get("OPERATO_CONTAINER_MEM"); v != "" {
		cfg.ContainerMem = v
	}
	if v := get("OPERATO_CONTAINER_CPUS"); v != "" {
		cfg.ContainerCPUs = v
	}
	if v := get("OPERATO_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := get("OPERATO_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RetryDelay = d
		}
	}
	if v := get("OPERATO_BACKOFF_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.BackoffFactor = f
		}
	}
	if v := get("OPERATO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := get("OPERATO_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := get("OPERATO_TOKENS_FILE"); v != "" {
		cfg.TokensFile = v
	}
	if v := get("OPERATO_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := get("OPERATO_SERVICE_VERSION"); v != "" {
		cfg.ServiceVersion = v
	}
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path is required")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be in (0, 65535]")
	}
	if c.ExecTimeout <= 0 {
		return fmt.Errorf("exec_timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("backoff_factor must be >= 1")
	}
	validLogLevels := []string{"debug", "info", "warn", "error"}
	valid := false
	for _, level := range validLogLevels {
		if c.LogLevel == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	return nil
}

// ModulesDir is the root of immutable per-version source trees.
func (c *Config) ModulesDir() string {
	return filepath.Join(c.DataDir, "modules")
}

// EnvsDir is the root of staged, provisioned per-module environments.
func (c *Config) EnvsDir() string {
	return filepath.Join(c.DataDir, "module_envs")
}

// EnsureDirs creates the on-disk roots the runner needs.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.ModulesDir(), c.EnvsDir(), filepath.Dir(c.StorePath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
