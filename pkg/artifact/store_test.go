package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	return NewStore(filepath.Join(root, "modules"), filepath.Join(root, "module_envs"), logger)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestStoreSource(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, tmp string)
	}{
		{
			name: "flat upload",
			prepare: func(t *testing.T, tmp string) {
				writeFile(t, filepath.Join(tmp, "handler.py"), "def handler(input): return input")
				writeFile(t, filepath.Join(tmp, "requirements.txt"), "")
			},
		},
		{
			name: "single top-level directory is unwrapped",
			prepare: func(t *testing.T, tmp string) {
				writeFile(t, filepath.Join(tmp, "bundle", "handler.py"), "def handler(input): return input")
				writeFile(t, filepath.Join(tmp, "bundle", "requirements.txt"), "")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			tmp := t.TempDir()
			tt.prepare(t, tmp)

			require.NoError(t, s.StoreSource("add", "1.0", tmp))

			assert.FileExists(t, filepath.Join(s.SourceDir("add", "1.0"), "handler.py"))
			assert.FileExists(t, filepath.Join(s.SourceDir("add", "1.0"), "requirements.txt"))
		})
	}
}

func TestStoreSource_Overwrites(t *testing.T) {
	s := newTestStore(t)

	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "handler.py"), "v1")
	writeFile(t, filepath.Join(tmp, "stale.py"), "old")
	require.NoError(t, s.StoreSource("add", "1.0", tmp))

	tmp2 := t.TempDir()
	writeFile(t, filepath.Join(tmp2, "handler.py"), "v2")
	require.NoError(t, s.StoreSource("add", "1.0", tmp2))

	data, err := os.ReadFile(filepath.Join(s.SourceDir("add", "1.0"), "handler.py"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	assert.NoFileExists(t, filepath.Join(s.SourceDir("add", "1.0"), "stale.py"))
}

func TestStageActive(t *testing.T) {
	s := newTestStore(t)
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "handler.py"), "def handler(input): return 1")
	require.NoError(t, s.StoreSource("add", "1.0", tmp))

	require.NoError(t, s.StageActive("add", "1.0"))

	assert.True(t, s.HasEnv("add"))
	assert.FileExists(t, filepath.Join(s.EnvDir("add"), "handler.py"))
	assert.False(t, s.HasRuntime("add"))
}

func TestStageActive_CarriesRuntime(t *testing.T) {
	s := newTestStore(t)

	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "handler.py"), "v1")
	require.NoError(t, s.StoreSource("add", "1.0", tmp))
	require.NoError(t, s.StageActive("add", "1.0"))

	// simulate a provisioned interpreter inside the live environment
	writeFile(t, filepath.Join(s.RuntimePath("add"), "bin", "python"), "#!/bin/sh")
	require.True(t, s.HasRuntime("add"))

	tmp2 := t.TempDir()
	writeFile(t, filepath.Join(tmp2, "handler.py"), "v2")
	require.NoError(t, s.StoreSource("add", "2.0", tmp2))
	require.NoError(t, s.StageActive("add", "2.0"))

	data, err := os.ReadFile(filepath.Join(s.EnvDir("add"), "handler.py"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	assert.True(t, s.HasRuntime("add"), "runtime survives the swap")
	assert.FileExists(t, filepath.Join(s.RuntimePath("add"), "bin", "python"))
}

func TestStageActive_FailedSwapKeepsRuntime(t *testing.T) {
	tests := []struct {
		name string
		fail func(s *Store) func(oldpath, newpath string) error
	}{
		{
			name: "retire of previous environment fails",
			fail: func(s *Store) func(string, string) error {
				return func(oldpath, newpath string) error {
					if strings.Contains(newpath, "-trash-") {
						return errors.New("device busy")
					}
					return os.Rename(oldpath, newpath)
				}
			},
		},
		{
			name: "swap into place fails",
			fail: func(s *Store) func(string, string) error {
				return func(oldpath, newpath string) error {
					if newpath == s.EnvDir("add") {
						return errors.New("device busy")
					}
					return os.Rename(oldpath, newpath)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			tmp := t.TempDir()
			writeFile(t, filepath.Join(tmp, "handler.py"), "v1")
			require.NoError(t, s.StoreSource("add", "1.0", tmp))
			require.NoError(t, s.StageActive("add", "1.0"))
			writeFile(t, filepath.Join(s.RuntimePath("add"), "bin", "python"), "#!/bin/sh")

			tmp2 := t.TempDir()
			writeFile(t, filepath.Join(tmp2, "handler.py"), "v2")
			require.NoError(t, s.StoreSource("add", "2.0", tmp2))

			s.rename = tt.fail(s)
			require.Error(t, s.StageActive("add", "2.0"))

			assert.True(t, s.HasRuntime("add"), "provisioned runtime survives a failed staging")
			assert.FileExists(t, filepath.Join(s.RuntimePath("add"), "bin", "python"))
			data, err := os.ReadFile(filepath.Join(s.EnvDir("add"), "handler.py"))
			require.NoError(t, err)
			assert.Equal(t, "v1", string(data), "previous environment stays in place")
		})
	}
}

func TestStageActive_MissingSource(t *testing.T) {
	s := newTestStore(t)
	err := s.StageActive("ghost", "1.0")
	require.Error(t, err)
}

func TestCopyTreeSkipsRuntime(t *testing.T) {
	s := newTestStore(t)

	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "handler.py"), "x")
	writeFile(t, filepath.Join(tmp, RuntimeDir, "lib", "junk"), "should not copy")
	require.NoError(t, s.StoreSource("add", "1.0", tmp))

	assert.NoDirExists(t, filepath.Join(s.SourceDir("add", "1.0"), RuntimeDir))
}

func TestRemoveSource(t *testing.T) {
	s := newTestStore(t)

	for _, v := range []string{"1.0", "2.0"} {
		tmp := t.TempDir()
		writeFile(t, filepath.Join(tmp, "handler.py"), v)
		require.NoError(t, s.StoreSource("add", v, tmp))
	}

	require.NoError(t, s.RemoveSource("add", "1.0"))
	assert.NoDirExists(t, s.SourceDir("add", "1.0"))
	assert.DirExists(t, s.SourceDir("add", "2.0"))

	require.NoError(t, s.RemoveSource("add", ""))
	assert.NoDirExists(t, filepath.Join(s.SourceDir("add", "2.0")))
}

func TestRemoveEnv(t *testing.T) {
	s := newTestStore(t)
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "handler.py"), "x")
	require.NoError(t, s.StoreSource("add", "1.0", tmp))
	require.NoError(t, s.StageActive("add", "1.0"))

	require.NoError(t, s.RemoveEnv("add"))
	assert.False(t, s.HasEnv("add"))
}
