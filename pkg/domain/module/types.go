// Package module defines the persistent and transient types shared by the
// registry, the artifact store, and the executor backends.
package module

import (
	"encoding/json"
	"time"
)

// EnvKind selects the executor backend a module runs under.
type EnvKind string

const (
	EnvInline     EnvKind = "inline"
	EnvSubprocess EnvKind = "subprocess"
	EnvNamedEnv   EnvKind = "named_env"
	EnvContainer  EnvKind = "container"
)

// Kinds lists every supported environment kind.
func Kinds() []EnvKind {
	return []EnvKind{EnvInline, EnvSubprocess, EnvNamedEnv, EnvContainer}
}

// Valid reports whether k is one of the supported kinds.
func (k EnvKind) Valid() bool {
	switch k {
	case EnvInline, EnvSubprocess, EnvNamedEnv, EnvContainer:
		return true
	}
	return false
}

// ModuleStatus is the lifecycle state of a module. Deleted is terminal.
type ModuleStatus string

const (
	ModuleActive   ModuleStatus = "active"
	ModuleInactive ModuleStatus = "inactive"
	ModuleDeleted  ModuleStatus = "deleted"
)

// DeployStatus is the state of a (module, version) binding.
type DeployStatus string

const (
	DeployActive   DeployStatus = "active"
	DeployInactive DeployStatus = "inactive"
)

// HistoryAction names a lifecycle transition recorded in module history.
type HistoryAction string

const (
	ActionUpload     HistoryAction = "upload"
	ActionActivate   HistoryAction = "activate"
	ActionDeactivate HistoryAction = "deactivate"
	ActionRollback   HistoryAction = "rollback"
)

// Module is the identity of a registered unit of user code.
type Module struct {
	Name           string       `json:"name"`
	EnvKind        EnvKind      `json:"env"`
	Description    string       `json:"description,omitempty"`
	Tags           []string     `json:"tags,omitempty"`
	Owner          string       `json:"owner,omitempty"`
	CurrentVersion string       `json:"current_version,omitempty"`
	ImageTag       string       `json:"image_tag,omitempty"`
	Status         ModuleStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Version is an immutable revision of a module's payload.
// Code is set iff the module's env kind is inline.
type Version struct {
	Module      string    `json:"module"`
	Label       string    `json:"version"`
	Code        string    `json:"code,omitempty"`
	Description string    `json:"description,omitempty"`
	Changelog   string    `json:"changelog,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Deployment binds a module to one of its versions with a status.
// At most one deployment per module is active at any time.
type Deployment struct {
	Module     string       `json:"module"`
	Version    string       `json:"version"`
	Status     DeployStatus `json:"status"`
	DeployedAt time.Time    `json:"deployed_at"`
}

// HistoryEntry is one row of the append-only lifecycle audit.
type HistoryEntry struct {
	Module    string        `json:"module"`
	Version   string        `json:"version"`
	Action    HistoryAction `json:"action"`
	Operator  string        `json:"operator,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ValidationLog records the outcome of a single artifact structural check.
type ValidationLog struct {
	Filename  string    `json:"filename"`
	Status    string    `json:"status"` // success | fail
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorLog captures an internal failure for the admin log viewer.
type ErrorLog struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	DevMessage string    `json:"dev_message,omitempty"`
	Path       string    `json:"path,omitempty"`
	Stack      string    `json:"stack,omitempty"`
	User       string    `json:"user,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ExecRequest asks for one invocation of a module's handler.
type ExecRequest struct {
	Module string          `json:"module"`
	Input  json.RawMessage `json:"input"`
}

// ExecResult is the outcome of one invocation. A non-zero exit code is the
// module's own fault, not a platform error.
type ExecResult struct {
	Result   json.RawMessage `json:"result"`
	ExitCode int             `json:"exit_code"`
	Stderr   string          `json:"stderr"`
	Stdout   string          `json:"stdout"`
	Duration float64         `json:"duration"`
}

// Failure builds an ExecResult for a request the platform could not route.
func Failure(stderr string) ExecResult {
	return ExecResult{
		Result:   json.RawMessage("{}"),
		ExitCode: 1,
		Stderr:   stderr,
	}
}

// Principal is an already-authenticated caller with its granted scopes.
// Authentication itself happens outside the core.
type Principal struct {
	Username string   `json:"username"`
	Role     string   `json:"role,omitempty"`
	Scopes   []string `json:"scopes"`
}

// HasScope reports whether the principal carries the named scope.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
