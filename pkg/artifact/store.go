// Package artifact owns the on-disk layout of module sources and staged
// execution environments:
//
//	modules/<name>/<version>/   immutable extracted source per version
//	module_envs/<name>/         files staged from the active version
//	module_envs/<name>/.venv/   provisioned runtime, never touched by staging
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/operato/runner/pkg/domain/errors"
)

// RuntimeDir is the name of the per-module runtime subdirectory inside the
// staged environment. Staging preserves it; the provisioner owns it.
const RuntimeDir = ".venv"

// Store lays out module sources and environments under a root directory.
// Writers hold a per-module lock; readers only check that the expected
// runtime exists.
type Store struct {
	modulesRoot string
	envsRoot    string
	logger      zerolog.Logger
	rename      func(oldpath, newpath string) error

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(modulesRoot, envsRoot string, logger zerolog.Logger) *Store {
	return &Store{
		modulesRoot: modulesRoot,
		envsRoot:    envsRoot,
		logger:      logger.With().Str("component", "artifact").Logger(),
		rename:      os.Rename,
		locks:       make(map[string]*sync.Mutex),
	}
}

// SourceDir is where the given version's immutable source tree lives.
func (s *Store) SourceDir(name, version string) string {
	return filepath.Join(s.modulesRoot, name, version)
}

// EnvDir is the staged execution environment for the module.
func (s *Store) EnvDir(name string) string {
	return filepath.Join(s.envsRoot, name)
}

// RuntimePath is the provisioned runtime directory inside the environment.
func (s *Store) RuntimePath(name string) string {
	return filepath.Join(s.EnvDir(name), RuntimeDir)
}

func (s *Store) moduleLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[name] = lock
	}
	return lock
}

// StoreSource copies the staged upload at tmpDir into the immutable source
// slot for (name, version). When tmpDir holds exactly one top-level
// directory, its contents (not the directory itself) become the source root.
func (s *Store) StoreSource(name, version, tmpDir string) error {
	lock := s.moduleLock(name)
	lock.Lock()
	defer lock.Unlock()

	root, err := sourceRoot(tmpDir)
	if err != nil {
		return err
	}

	dest := s.SourceDir(name, version)
	if err := os.RemoveAll(dest); err != nil {
		return errors.New(errors.CodeIoError, "artifact", fmt.Sprintf("failed to clear %s", dest), err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.New(errors.CodeIoError, "artifact", "failed to create source parent", err)
	}
	if err := copyTree(root, dest); err != nil {
		return errors.New(errors.CodeIoError, "artifact", fmt.Sprintf("failed to store source for %s@%s", name, version), err)
	}
	s.logger.Debug().Str("module", name).Str("version", version).Msg("stored source tree")
	return nil
}

// StageActive replaces the module's environment with the given version's
// sources using stage-then-swap: the new tree is assembled in a sibling
// directory and renamed into place, carrying the runtime directory over so
// in-flight executions never observe a partially staged tree.
func (s *Store) StageActive(name, version string) error {
	lock := s.moduleLock(name)
	lock.Lock()
	defer lock.Unlock()

	src := s.SourceDir(name, version)
	if _, err := os.Stat(src); err != nil {
		return errors.New(errors.CodeIoError, "artifact",
			fmt.Sprintf("source for %s@%s is missing", name, version), err)
	}

	envDir := s.EnvDir(name)
	staging := filepath.Join(s.envsRoot, fmt.Sprintf(".%s-staging-%s", name, uuid.NewString()))
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return errors.New(errors.CodeIoError, "artifact", "failed to create staging dir", err)
	}
	defer os.RemoveAll(staging)

	if err := copyTree(src, staging); err != nil {
		return errors.New(errors.CodeIoError, "artifact", fmt.Sprintf("failed to stage %s@%s", name, version), err)
	}

	// Carry the provisioned runtime into the staged tree before the swap.
	// If the swap fails below, the runtime is moved back so a provisioned
	// interpreter survives a failed staging.
	runtime := filepath.Join(envDir, RuntimeDir)
	carried := false
	if _, err := os.Stat(runtime); err == nil {
		if err := s.rename(runtime, filepath.Join(staging, RuntimeDir)); err != nil {
			return errors.New(errors.CodeIoError, "artifact", "failed to carry runtime into staging", err)
		}
		carried = true
	}
	restoreRuntime := func() {
		if !carried {
			return
		}
		if err := os.Rename(filepath.Join(staging, RuntimeDir), runtime); err != nil {
			s.logger.Warn().Err(err).Str("module", name).Msg("failed to restore runtime after staging failure")
		}
	}

	trash := filepath.Join(s.envsRoot, fmt.Sprintf(".%s-trash-%s", name, uuid.NewString()))
	retired := false
	if _, err := os.Stat(envDir); err == nil {
		if err := s.rename(envDir, trash); err != nil {
			restoreRuntime()
			return errors.New(errors.CodeIoError, "artifact", "failed to retire previous environment", err)
		}
		retired = true
	}
	if err := s.rename(staging, envDir); err != nil {
		if retired {
			if rbErr := os.Rename(trash, envDir); rbErr != nil {
				s.logger.Warn().Err(rbErr).Str("module", name).Msg("failed to restore retired environment")
			}
		}
		restoreRuntime()
		return errors.New(errors.CodeIoError, "artifact", "failed to swap staged environment", err)
	}
	if err := os.RemoveAll(trash); err != nil {
		s.logger.Warn().Err(err).Str("module", name).Msg("failed to remove retired environment")
	}
	s.logger.Info().Str("module", name).Str("version", version).Msg("staged active version")
	return nil
}

// RemoveEnv deletes the module's environment directory.
func (s *Store) RemoveEnv(name string) error {
	lock := s.moduleLock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.EnvDir(name)); err != nil {
		return errors.New(errors.CodeIoError, "artifact", fmt.Sprintf("failed to remove environment of %s", name), err)
	}
	return nil
}

// RemoveSource deletes one version's source tree, or every version of the
// module when version is empty.
func (s *Store) RemoveSource(name, version string) error {
	lock := s.moduleLock(name)
	lock.Lock()
	defer lock.Unlock()

	target := filepath.Join(s.modulesRoot, name)
	if version != "" {
		target = filepath.Join(target, version)
	}
	if err := os.RemoveAll(target); err != nil {
		return errors.New(errors.CodeIoError, "artifact", fmt.Sprintf("failed to remove %s", target), err)
	}
	return nil
}

// HasRuntime reports whether the module's provisioned runtime exists.
func (s *Store) HasRuntime(name string) bool {
	info, err := os.Stat(s.RuntimePath(name))
	return err == nil && info.IsDir()
}

// HasEnv reports whether the module has a staged environment at all.
func (s *Store) HasEnv(name string) bool {
	info, err := os.Stat(s.EnvDir(name))
	return err == nil && info.IsDir()
}

// sourceRoot applies the single-top-level-directory rule to an upload.
func sourceRoot(tmpDir string) (string, error) {
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return "", errors.New(errors.CodeIoError, "artifact", fmt.Sprintf("failed to read %s", tmpDir), err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(tmpDir, entries[0].Name()), nil
	}
	return tmpDir, nil
}

// copyTree copies src into dst (created if missing), skipping the runtime
// directory so source copies can never clobber a provisioned interpreter.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0o755)
		}
		if info.IsDir() {
			if info.Name() == RuntimeDir {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), info.Mode().Perm())
		}
		return copyFile(path, filepath.Join(dst, rel), info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
