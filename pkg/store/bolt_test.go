package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/operato/runner/pkg/domain/errors"
	"github.com/operato/runner/pkg/domain/module"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "runner.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestModule(t *testing.T, s *BoltStore, name string) {
	t.Helper()
	err := s.CreateModule(context.Background(),
		module.Module{Name: name, EnvKind: module.EnvInline},
		module.Version{Module: name, Label: "1.0", Code: "return input"},
		"tester")
	require.NoError(t, err)
}

func TestCreateModule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestModule(t, s, "add")

	mod, err := s.GetModule(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, module.ModuleActive, mod.Status)
	assert.Equal(t, "1.0", mod.CurrentVersion)
	assert.False(t, mod.CreatedAt.IsZero())

	dep, err := s.ActiveDeployment(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, "1.0", dep.Version)

	history, err := s.History(ctx, "add")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, module.ActionUpload, history[0].Action)
	assert.Equal(t, "tester", history[0].Operator)
}

func TestCreateModule_NameConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestModule(t, s, "add")

	err := s.CreateModule(ctx,
		module.Module{Name: "add", EnvKind: module.EnvInline},
		module.Version{Module: "add", Label: "2.0", Code: "return 1"},
		"tester")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNameConflict))

	// the conflicting call must leave no new rows behind
	vers, err := s.ListVersions(ctx, "add")
	require.NoError(t, err)
	assert.Len(t, vers, 1)
}

func TestCreateModule_ReuseDeletedName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestModule(t, s, "add")
	require.NoError(t, s.MarkDeleted(ctx, "add"))

	err := s.CreateModule(ctx,
		module.Module{Name: "add", EnvKind: module.EnvInline},
		module.Version{Module: "add", Label: "1.0", Code: "return 2"},
		"tester")
	require.NoError(t, err)

	mod, err := s.GetModule(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, module.ModuleActive, mod.Status)
}

func TestInsertVersion_ActivatesAndDeactivatesOld(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestModule(t, s, "add")
	err := s.InsertVersion(ctx, module.Version{Module: "add", Label: "2.0", Code: "return 2"}, "tester")
	require.NoError(t, err)

	dep, err := s.ActiveDeployment(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, "2.0", dep.Version)

	deps, err := s.ListDeployments(ctx, "add")
	require.NoError(t, err)
	active := 0
	for _, d := range deps {
		if d.Status == module.DeployActive {
			active++
		}
	}
	assert.Equal(t, 1, active, "exactly one deployment may be active")

	mod, err := s.GetModule(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, "2.0", mod.CurrentVersion)
}

func TestInsertVersion_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestModule(t, s, "add")
	err := s.InsertVersion(ctx, module.Version{Module: "add", Label: "1.0", Code: "x"}, "tester")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeDuplicateVersion))
}

func TestInsertVersion_UnknownModule(t *testing.T) {
	s := newTestStore(t)
	err := s.InsertVersion(context.Background(), module.Version{Module: "ghost", Label: "1.0"}, "tester")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeModuleNotFound))
}

func TestSetActive_Rollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestModule(t, s, "add")
	require.NoError(t, s.InsertVersion(ctx, module.Version{Module: "add", Label: "2.0", Code: "y"}, "tester"))

	err := s.SetActive(ctx, "add", "1.0", module.ActionRollback, "tester")
	require.NoError(t, err)

	dep, err := s.ActiveDeployment(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, "1.0", dep.Version)

	history, err := s.History(ctx, "add")
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, module.ActionRollback, history[0].Action, "history is newest first")

	rollbacks := 0
	for _, h := range history {
		if h.Action == module.ActionRollback {
			rollbacks++
		}
	}
	assert.Equal(t, 1, rollbacks)
}

func TestSetActive_UnknownVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestModule(t, s, "add")
	err := s.SetActive(ctx, "add", "9.9", module.ActionActivate, "tester")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeVersionNotFound))
}

func TestDeactivate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestModule(t, s, "add")
	require.NoError(t, s.Deactivate(ctx, "add", "1.0", "tester"))

	_, err := s.ActiveDeployment(ctx, "add")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNoActiveDeployment))

	mod, err := s.GetModule(ctx, "add")
	require.NoError(t, err)
	assert.Empty(t, mod.CurrentVersion)
}

func TestDeactivate_InactiveVersionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestModule(t, s, "add")
	require.NoError(t, s.InsertVersion(ctx, module.Version{Module: "add", Label: "2.0", Code: "y"}, "tester"))

	err := s.Deactivate(ctx, "add", "1.0", "tester")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidState))

	dep, err := s.ActiveDeployment(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, "2.0", dep.Version)

	mod, err := s.GetModule(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, "2.0", mod.CurrentVersion)
}

func TestMarkDeleted_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestModule(t, s, "add")
	require.NoError(t, s.InsertVersion(ctx, module.Version{Module: "add", Label: "2.0", Code: "y"}, "tester"))
	require.NoError(t, s.MarkDeleted(ctx, "add"))

	_, err := s.GetModule(ctx, "add")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeModuleNotFound))

	vers, err := s.ListVersions(ctx, "add")
	require.NoError(t, err)
	assert.Empty(t, vers)

	deps, err := s.ListDeployments(ctx, "add")
	require.NoError(t, err)
	assert.Empty(t, deps)

	mods, err := s.ListModules(ctx)
	require.NoError(t, err)
	assert.Empty(t, mods)
}

func TestUpdateModuleInfo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestModule(t, s, "add")
	desc := "adds numbers"
	tags := []string{"math", "demo"}
	require.NoError(t, s.UpdateModuleInfo(ctx, "add", &desc, &tags))

	mod, err := s.GetModule(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, "adds numbers", mod.Description)
	assert.Equal(t, []string{"math", "demo"}, mod.Tags)

	// nil fields leave values alone
	require.NoError(t, s.UpdateModuleInfo(ctx, "add", nil, nil))
	mod, err = s.GetModule(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, "adds numbers", mod.Description)
}

func TestVersionKeysDoNotCollideAcrossModules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestModule(t, s, "add")
	createTestModule(t, s, "add2")

	vers, err := s.ListVersions(ctx, "add")
	require.NoError(t, err)
	assert.Len(t, vers, 1)
	assert.Equal(t, "add", vers[0].Module)
}

func TestQueryErrorLogs_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []module.ErrorLog{
		{Code: "INTERNAL_ERROR", Message: "boom", User: "alice"},
		{Code: "IO_ERROR", Message: "disk full", User: "bob"},
		{Code: "INTERNAL_ERROR", Message: "panic in handler", User: "bob"},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendErrorLog(ctx, e))
	}

	tests := []struct {
		name   string
		filter ErrorLogFilter
		want   int
	}{
		{"all", ErrorLogFilter{}, 3},
		{"by code", ErrorLogFilter{Code: "INTERNAL_ERROR"}, 2},
		{"by user", ErrorLogFilter{User: "bob"}, 2},
		{"by keyword", ErrorLogFilter{Keyword: "panic"}, 1},
		{"code and user", ErrorLogFilter{Code: "INTERNAL_ERROR", User: "bob"}, 1},
		{"limit", ErrorLogFilter{Limit: 2}, 2},
		{"offset past end", ErrorLogFilter{Offset: 5}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs, err := s.QueryErrorLogs(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, logs, tt.want)
		})
	}
}

func TestQueryErrorLogs_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendErrorLog(ctx, module.ErrorLog{Code: "A", Message: "first"}))
	require.NoError(t, s.AppendErrorLog(ctx, module.ErrorLog{Code: "B", Message: "second"}))

	logs, err := s.QueryErrorLogs(ctx, ErrorLogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "B", logs[0].Code)
}

func TestValidationLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendValidationLog(ctx, module.ValidationLog{Filename: "a.zip", Status: "success"}))
	require.NoError(t, s.AppendValidationLog(ctx, module.ValidationLog{Filename: "b.zip", Status: "fail", Message: "not a valid archive"}))

	logs, err := s.ListValidationLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "b.zip", logs[0].Filename, "newest first")
	assert.False(t, logs[0].CreatedAt.IsZero())
}
