// Package executor runs module handlers. Four backends share one contract:
// inline, subprocess, named_env, and container. The manager routes each
// request to the backend matching the module's declared environment kind,
// and a retry policy can wrap the whole path.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/operato/runner/pkg/domain/module"
)

// DefaultTimeout is the hard wall-clock bound on one handler invocation.
const DefaultTimeout = 60 * time.Second

// Executor is the contract every backend satisfies.
type Executor interface {
	// Execute runs the module's handler with the request input. Handler
	// faults (non-zero exit, timeout) are reported inside the ExecResult;
	// the error return is reserved for platform failures.
	Execute(ctx context.Context, req module.ExecRequest) (module.ExecResult, error)
	// Validate reports whether the backend can serve the module right now.
	Validate(ctx context.Context, moduleName string) bool
	// Cleanup releases any persistent resources the backend holds.
	Cleanup(ctx context.Context) error
	// Kind is the environment kind this backend serves.
	Kind() module.EnvKind
}

// Resolver maps a module name onto its identity and the version bound by the
// active deployment. The registry implements it.
type Resolver interface {
	ResolveActive(ctx context.Context, name string) (module.Module, module.Version, error)
}

// scratch owns the per-execution files: input, output, and the generated
// driver. Everything is deleted on every exit path.
type scratch struct {
	dir string
}

func newScratch(input json.RawMessage) (*scratch, error) {
	dir, err := os.MkdirTemp("", "operato-exec-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := os.WriteFile(filepath.Join(dir, "input.json"), input, 0o644); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write input file: %w", err)
	}
	return &scratch{dir: dir}, nil
}

func (s *scratch) inputPath() string  { return filepath.Join(s.dir, "input.json") }
func (s *scratch) outputPath() string { return filepath.Join(s.dir, "output.json") }
func (s *scratch) driverPath() string { return filepath.Join(s.dir, "driver.py") }

func (s *scratch) writeDriver(src string) error {
	return os.WriteFile(s.driverPath(), []byte(src), 0o644)
}

// result reads the driver's output file, defaulting to an empty object when
// the handler never produced one.
func (s *scratch) result() json.RawMessage {
	data, err := os.ReadFile(s.outputPath())
	if err != nil || len(data) == 0 || !json.Valid(data) {
		return json.RawMessage("{}")
	}
	return data
}

func (s *scratch) close() {
	os.RemoveAll(s.dir)
}

// driverScript generates the program that bridges a source tree to the
// handler contract: load input, call handler(input), dump the return value.
// Paths are rendered as Python string literals via %q, which shares escape
// syntax for the characters temp paths can contain.
func driverScript(sourceDir, inputPath, outputPath string) string {
	var b strings.Builder
	b.WriteString("import json\n")
	b.WriteString("import sys\n")
	fmt.Fprintf(&b, "sys.path.insert(0, %q)\n", sourceDir)
	b.WriteString("from handler import handler\n")
	fmt.Fprintf(&b, "with open(%q) as f:\n    payload = json.load(f)\n", inputPath)
	b.WriteString("result = handler(payload)\n")
	fmt.Fprintf(&b, "with open(%q, \"w\") as f:\n    json.dump(result, f)\n", outputPath)
	return b.String()
}

// inlineScript wraps an inline code body into a handler definition: each
// line is indented one level under def handler(input). Non-dict returns are
// wrapped as {"result": value}.
func inlineScript(code, inputPath, outputPath string) string {
	var b strings.Builder
	b.WriteString("import json\n")
	b.WriteString("import sys\n")
	b.WriteString("def handler(input):\n")
	lines := strings.Split(code, "\n")
	if len(lines) == 1 && strings.TrimSpace(code) == "" {
		lines = []string{"pass"}
	}
	for _, line := range lines {
		b.WriteString("    " + line + "\n")
	}
	fmt.Fprintf(&b, "with open(%q) as f:\n    payload = json.load(f)\n", inputPath)
	b.WriteString("result = handler(payload)\n")
	b.WriteString("if not isinstance(result, dict):\n    result = {\"result\": result}\n")
	fmt.Fprintf(&b, "with open(%q, \"w\") as f:\n    json.dump(result, f)\n", outputPath)
	return b.String()
}

func timeoutMessage(timeout time.Duration) string {
	return fmt.Sprintf("Execution timed out after %d seconds", int(timeout.Seconds()))
}
