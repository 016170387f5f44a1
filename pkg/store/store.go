// Package store persists modules, versions, deployments, lifecycle history,
// and the validation/error logs. Lifecycle transitions are exposed as single
// transactions so the single-active-deployment invariant can never be
// observed broken.
package store

import (
	"context"
	"time"

	"github.com/operato/runner/pkg/domain/module"
)

// ErrorLogFilter narrows an error-log query. Zero fields match everything.
type ErrorLogFilter struct {
	Code    string
	User    string
	Keyword string
	From    time.Time
	To      time.Time
	Offset  int
	Limit   int
}

// Repository is the persistence contract consumed by the registry and the
// API layer. Implementations must make each method atomic.
type Repository interface {
	// Lookups
	GetModule(ctx context.Context, name string) (module.Module, error)
	ListModules(ctx context.Context) ([]module.Module, error)
	GetVersion(ctx context.Context, name, label string) (module.Version, error)
	ListVersions(ctx context.Context, name string) ([]module.Version, error)
	ListDeployments(ctx context.Context, name string) ([]module.Deployment, error)
	ActiveDeployment(ctx context.Context, name string) (module.Deployment, error)
	History(ctx context.Context, name string) ([]module.HistoryEntry, error)

	// Lifecycle transactions
	CreateModule(ctx context.Context, mod module.Module, ver module.Version, operator string) error
	InsertVersion(ctx context.Context, ver module.Version, operator string) error
	SetActive(ctx context.Context, name, label string, action module.HistoryAction, operator string) error
	Deactivate(ctx context.Context, name, label string, operator string) error
	UpdateModuleInfo(ctx context.Context, name string, description *string, tags *[]string) error
	MarkDeleted(ctx context.Context, name string) error

	// Logs
	AppendValidationLog(ctx context.Context, rec module.ValidationLog) error
	ListValidationLogs(ctx context.Context, limit int) ([]module.ValidationLog, error)
	AppendErrorLog(ctx context.Context, rec module.ErrorLog) error
	QueryErrorLogs(ctx context.Context, f ErrorLogFilter) ([]module.ErrorLog, error)

	Close() error
}
