// Package registry owns module identity and the version/deployment
// lifecycle: register, upload, activate, deactivate, rollback, deploy, and
// delete. Row-side transitions are single repository transactions; disk-side
// effects are ordered so a failure never corrupts the logical state.
package registry

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/operato/runner/pkg/artifact"
	"github.com/operato/runner/pkg/domain/errors"
	"github.com/operato/runner/pkg/domain/module"
	"github.com/operato/runner/pkg/metrics"
	"github.com/operato/runner/pkg/provision"
	"github.com/operato/runner/pkg/store"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Registry coordinates the repository, the artifact store, and the
// provisioner.
type Registry struct {
	repo   store.Repository
	arts   *artifact.Store
	prov   *provision.Provisioner
	logger zerolog.Logger
}

func New(repo store.Repository, arts *artifact.Store, prov *provision.Provisioner, logger zerolog.Logger) *Registry {
	return &Registry{
		repo:   repo,
		arts:   arts,
		prov:   prov,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// RegisterRequest carries everything needed to register a module with its
// first version. Exactly one of Code (inline) or ArtifactDir (a validated,
// extracted source tree) must be set, matched to the environment kind.
type RegisterRequest struct {
	Name        string
	EnvKind     module.EnvKind
	Version     string
	Code        string
	ArtifactDir string
	Description string
	Changelog   string
	Tags        []string
	Owner       string
	Operator    string
}

// Register creates the module, its first version, and an active deployment.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (err error) {
	defer func() { metrics.ObserveLifecycle("register", err) }()

	name := strings.TrimSpace(req.Name)
	if err := validateName(name); err != nil {
		return err
	}
	if !req.EnvKind.Valid() {
		return errors.New(errors.CodeBadInput, "registry", fmt.Sprintf("unknown env kind %q", req.EnvKind), nil)
	}
	version := strings.TrimSpace(req.Version)
	if version == "" {
		version = "0.1.0"
	}
	if err := validateLabel(version); err != nil {
		return err
	}
	if err := checkPayload(req.EnvKind, req.Code, req.ArtifactDir); err != nil {
		return err
	}

	if req.ArtifactDir != "" {
		if err := r.arts.StoreSource(name, version, req.ArtifactDir); err != nil {
			return err
		}
	}

	mod := module.Module{
		Name:        name,
		EnvKind:     req.EnvKind,
		Description: req.Description,
		Tags:        req.Tags,
		Owner:       req.Owner,
	}
	if req.EnvKind == module.EnvContainer {
		mod.ImageTag = provision.ImageTag(name)
	}
	ver := module.Version{Module: name, Label: version, Code: req.Code, Description: req.Description, Changelog: req.Changelog}

	if err := r.repo.CreateModule(ctx, mod, ver, req.Operator); err != nil {
		// Compensate the disk write so a name conflict leaves no trace.
		if req.ArtifactDir != "" {
			if rmErr := r.arts.RemoveSource(name, version); rmErr != nil {
				r.logger.Warn().Err(rmErr).Str("module", name).Msg("failed to remove orphaned source")
			}
		}
		return err
	}

	r.logger.Info().Str("module", name).Str("version", version).Str("env", string(req.EnvKind)).Msg("registered module")
	return nil
}

// UploadRequest carries a new version of an existing module.
type UploadRequest struct {
	Name        string
	Version     string
	Code        string
	ArtifactDir string
	Description string
	Changelog   string
	Operator    string
}

// UploadVersion inserts the version and activates it; every other
// deployment of the module goes inactive in the same transaction. When the
// module already has a staged environment, the new sources are re-staged.
func (r *Registry) UploadVersion(ctx context.Context, req UploadRequest) (err error) {
	defer func() { metrics.ObserveLifecycle("upload", err) }()

	mod, err := r.repo.GetModule(ctx, req.Name)
	if err != nil {
		return err
	}
	version := strings.TrimSpace(req.Version)
	if err := validateLabel(version); err != nil {
		return err
	}
	if err := checkPayload(mod.EnvKind, req.Code, req.ArtifactDir); err != nil {
		return err
	}

	if req.ArtifactDir != "" {
		if err := r.arts.StoreSource(mod.Name, version, req.ArtifactDir); err != nil {
			return err
		}
	}

	ver := module.Version{Module: mod.Name, Label: version, Code: req.Code, Description: req.Description, Changelog: req.Changelog}
	if err := r.repo.InsertVersion(ctx, ver, req.Operator); err != nil {
		if req.ArtifactDir != "" {
			if rmErr := r.arts.RemoveSource(mod.Name, version); rmErr != nil {
				r.logger.Warn().Err(rmErr).Str("module", mod.Name).Msg("failed to remove orphaned source")
			}
		}
		return err
	}

	r.restageIfDeployed(mod, version)
	r.logger.Info().Str("module", mod.Name).Str("version", version).Msg("uploaded version")
	return nil
}

// Activate makes the named version the module's single active deployment.
func (r *Registry) Activate(ctx context.Context, name, version, operator string) (err error) {
	defer func() { metrics.ObserveLifecycle("activate", err) }()
	return r.setActive(ctx, name, version, module.ActionActivate, operator)
}

// Rollback is activate of an older label; only the history action differs.
func (r *Registry) Rollback(ctx context.Context, name, version, operator string) (err error) {
	defer func() { metrics.ObserveLifecycle("rollback", err) }()
	return r.setActive(ctx, name, version, module.ActionRollback, operator)
}

func (r *Registry) setActive(ctx context.Context, name, version string, action module.HistoryAction, operator string) error {
	if err := r.repo.SetActive(ctx, name, version, action, operator); err != nil {
		return err
	}
	if mod, err := r.repo.GetModule(ctx, name); err == nil {
		r.restageIfDeployed(mod, version)
	}
	return nil
}

// Deactivate retires the named deployment, leaving the module with no
// active version.
func (r *Registry) Deactivate(ctx context.Context, name, version, operator string) (err error) {
	defer func() { metrics.ObserveLifecycle("deactivate", err) }()
	return r.repo.Deactivate(ctx, name, version, operator)
}

// Deploy stages the active version's sources into the module's environment
// and provisions its runtime.
func (r *Registry) Deploy(ctx context.Context, name string) (err error) {
	defer func() { metrics.ObserveLifecycle("deploy", err) }()

	mod, ver, err := r.ResolveActive(ctx, name)
	if err != nil {
		return err
	}
	if mod.EnvKind != module.EnvInline {
		if err := r.arts.StageActive(mod.Name, ver.Label); err != nil {
			return err
		}
	}
	return r.prov.Provision(ctx, mod)
}

// Undeploy destroys the module's provisioned environment.
func (r *Registry) Undeploy(ctx context.Context, name string) (err error) {
	defer func() { metrics.ObserveLifecycle("undeploy", err) }()

	mod, err := r.repo.GetModule(ctx, name)
	if err != nil {
		return err
	}
	return r.prov.Destroy(ctx, mod)
}

// Delete marks the module deleted and purges its disk state best-effort, in
// dependency order: live runtime first, then the environment, then the
// sources. Purge failures are logged, not surfaced; the logical state is
// already deleted.
func (r *Registry) Delete(ctx context.Context, name string) (err error) {
	defer func() { metrics.ObserveLifecycle("delete", err) }()

	mod, err := r.repo.GetModule(ctx, name)
	if err != nil {
		return err
	}
	if err := r.repo.MarkDeleted(ctx, name); err != nil {
		return err
	}

	if destroyErr := r.prov.Destroy(ctx, mod); destroyErr != nil {
		r.logger.Warn().Err(destroyErr).Str("module", name).Msg("best-effort environment purge failed")
	}
	if rmErr := r.arts.RemoveSource(name, ""); rmErr != nil {
		r.logger.Warn().Err(rmErr).Str("module", name).Msg("best-effort source purge failed")
	}

	r.logger.Info().Str("module", name).Msg("deleted module")
	return nil
}

// ResolveActive returns the module and the version bound by its active
// deployment.
func (r *Registry) ResolveActive(ctx context.Context, name string) (module.Module, module.Version, error) {
	mod, err := r.repo.GetModule(ctx, name)
	if err != nil {
		return module.Module{}, module.Version{}, err
	}
	dep, err := r.repo.ActiveDeployment(ctx, name)
	if err != nil {
		return module.Module{}, module.Version{}, err
	}
	ver, err := r.repo.GetVersion(ctx, name, dep.Version)
	if err != nil {
		return module.Module{}, module.Version{}, err
	}
	return mod, ver, nil
}

// IsDeployed reports whether the module has a staged environment on disk.
func (r *Registry) IsDeployed(name string) bool {
	return r.arts.HasEnv(name)
}

// UpdateInfo edits the module's description and tags.
func (r *Registry) UpdateInfo(ctx context.Context, name string, description *string, tags *[]string) error {
	return r.repo.UpdateModuleInfo(ctx, name, description, tags)
}

// restageIfDeployed refreshes an already-staged environment after the
// active version changed, so executions see the sources they deploy-ed.
func (r *Registry) restageIfDeployed(mod module.Module, version string) {
	if mod.EnvKind == module.EnvInline || !r.arts.HasEnv(mod.Name) {
		return
	}
	if err := r.arts.StageActive(mod.Name, version); err != nil {
		r.logger.Warn().Err(err).Str("module", mod.Name).Str("version", version).Msg("failed to re-stage environment")
	}
}

func validateName(name string) error {
	if name == "" {
		return errors.New(errors.CodeBadInput, "registry", "module name is required", nil)
	}
	if !namePattern.MatchString(name) {
		return errors.New(errors.CodeBadInput, "registry",
			fmt.Sprintf("module name %q may only contain letters, digits, '_', '.' and '-'", name), nil)
	}
	return nil
}

func validateLabel(label string) error {
	if label == "" {
		return errors.New(errors.CodeBadInput, "registry", "version label is required", nil)
	}
	if strings.ContainsAny(label, "/\\") {
		return errors.New(errors.CodeBadInput, "registry", "version label must not contain path separators", nil)
	}
	return nil
}

// checkPayload enforces the inline invariant: inline modules carry code and
// never a source tree; every other kind carries a source tree and no code.
func checkPayload(kind module.EnvKind, code, artifactDir string) error {
	if kind == module.EnvInline {
		if strings.TrimSpace(code) == "" {
			return errors.New(errors.CodeBadInput, "registry", "inline modules require a code payload", nil)
		}
		if artifactDir != "" {
			return errors.New(errors.CodeBadInput, "registry", "inline modules must not carry a source tree", nil)
		}
		return nil
	}
	if artifactDir == "" {
		return errors.New(errors.CodeBadInput, "registry", fmt.Sprintf("%s modules require an uploaded artifact", kind), nil)
	}
	if code != "" {
		return errors.New(errors.CodeBadInput, "registry", fmt.Sprintf("%s modules must not carry inline code", kind), nil)
	}
	return nil
}
