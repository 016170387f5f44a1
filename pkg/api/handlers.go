package api

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/operato/runner/pkg/domain/errors"
	"github.com/operato/runner/pkg/domain/module"
	"github.com/operato/runner/pkg/registry"
)

const maxUploadBytes = 64 << 20

// moduleView is the list/detail representation of a module.
type moduleView struct {
	module.Module
	IsDeployed bool `json:"isDeployed"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEnvironments(w http.ResponseWriter, r *http.Request) {
	kinds := s.exec.AvailableKinds()
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, string(k))
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"environments": names})
}

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	mods, err := s.repo.ListModules(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]moduleView, 0, len(mods))
	for _, m := range mods {
		views = append(views, moduleView{Module: m, IsDeployed: s.registry.IsDeployed(m.Name)})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	mod, ver, err := s.registry.ResolveActive(r.Context(), name)
	if err != nil {
		if errors.HasCode(err, errors.CodeNoActiveDeployment) {
			mod, err = s.repo.GetModule(r.Context(), name)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusOK, map[string]interface{}{
				"module": moduleView{Module: mod, IsDeployed: s.registry.IsDeployed(name)},
				"active": nil,
			})
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"module": moduleView{Module: mod, IsDeployed: s.registry.IsDeployed(name)},
		"active": ver,
	})
}

type registerBody struct {
	Name        string   `json:"name"`
	Env         string   `json:"env"`
	Version     string   `json:"version"`
	Code        string   `json:"code"`
	Description string   `json:"description"`
	Changelog   string   `json:"changelog"`
	Tags        []string `json:"tags"`
}

func (s *Server) handleRegisterModule(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	var body registerBody
	var artifactDir string
	var err error

	if isMultipart(r) {
		body, artifactDir, err = s.readMultipartUpload(r)
		if artifactDir != "" {
			defer os.RemoveAll(artifactDir)
		}
	} else {
		err = decodeJSON(r, &body)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	err = s.registry.Register(r.Context(), registry.RegisterRequest{
		Name:        body.Name,
		EnvKind:     module.EnvKind(body.Env),
		Version:     body.Version,
		Code:        body.Code,
		ArtifactDir: artifactDir,
		Description: body.Description,
		Changelog:   body.Changelog,
		Tags:        body.Tags,
		Owner:       principal.Username,
		Operator:    principal.Username,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"name": strings.TrimSpace(body.Name)})
}

func (s *Server) handleUploadVersion(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	principal, _ := PrincipalFrom(r.Context())

	var body registerBody
	var artifactDir string
	var err error

	if isMultipart(r) {
		body, artifactDir, err = s.readMultipartUpload(r)
		if artifactDir != "" {
			defer os.RemoveAll(artifactDir)
		}
	} else {
		err = decodeJSON(r, &body)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	err = s.registry.UploadVersion(r.Context(), registry.UploadRequest{
		Name:        name,
		Version:     body.Version,
		Code:        body.Code,
		ArtifactDir: artifactDir,
		Description: body.Description,
		Changelog:   body.Changelog,
		Operator:    principal.Username,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"name": name, "version": body.Version})
}

type updateBody struct {
	Description *string   `json:"description"`
	Tags        *[]string `json:"tags"`
}

func (s *Server) handleUpdateModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var body updateBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.registry.UpdateInfo(r.Context(), name, body.Description, body.Tags); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

func (s *Server) handleDeleteModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.registry.Delete(r.Context(), name); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	vers, err := s.repo.ListVersions(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	deps, err := s.repo.ListDeployments(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	statuses := make(map[string]module.DeployStatus, len(deps))
	for _, d := range deps {
		statuses[d.Version] = d.Status
	}

	type versionView struct {
		module.Version
		Status module.DeployStatus `json:"status"`
	}
	views := make([]versionView, 0, len(vers))
	for _, v := range vers {
		status := statuses[v.Label]
		if status == "" {
			status = module.DeployInactive
		}
		views = append(views, versionView{Version: v, Status: status})
	}
	s.writeJSON(w, http.StatusOK, views)
}

type versionBody struct {
	Version string `json:"version"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.lifecycleTransition(w, r, s.registry.Activate)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	s.lifecycleTransition(w, r, s.registry.Deactivate)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	s.lifecycleTransition(w, r, s.registry.Rollback)
}

func (s *Server) lifecycleTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, name, version, operator string) error) {
	name := chi.URLParam(r, "name")
	principal, _ := PrincipalFrom(r.Context())
	var body versionBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := op(r.Context(), name, body.Version, principal.Username); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"name": name, "version": body.Version})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.registry.Deploy(r.Context(), name); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "deployed"})
}

func (s *Server) handleUndeploy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.registry.Undeploy(r.Context(), name); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	entries, err := s.repo.History(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type runBody struct {
	Input json.RawMessage `json:"input"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	principal, _ := PrincipalFrom(r.Context())

	if !principal.HasScope(ScopeExecuteAll) && !principal.HasScope(ScopeExecuteLimited) {
		s.writeError(w, r, errors.New(errors.CodePermissionDenied, "auth", "execute scope required", nil))
		return
	}
	if !principal.HasScope(ScopeExecuteAll) {
		mod, err := s.repo.GetModule(r.Context(), name)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if mod.Owner != principal.Username {
			s.writeError(w, r, errors.New(errors.CodePermissionDenied, "auth",
				"execute:limited permits only modules you own", nil))
			return
		}
	}

	var body runBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(body.Input) == 0 {
		body.Input = json.RawMessage("{}")
	}

	result, err := s.exec.Execute(r.Context(), module.ExecRequest{Module: name, Input: body.Input})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes))
	if err := dec.Decode(v); err != nil {
		return errors.New(errors.CodeBadInput, "api", "malformed JSON body", err)
	}
	return nil
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

// readMultipartUpload stages the uploaded archive into a temp dir, runs the
// validation pipeline over it, and returns the form fields plus the
// extracted source directory. The caller removes the temp dir's parent.
func (s *Server) readMultipartUpload(r *http.Request) (registerBody, string, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return registerBody{}, "", errors.New(errors.CodeBadInput, "api", "malformed multipart body", err)
	}
	body := registerBody{
		Name:        r.FormValue("name"),
		Env:         r.FormValue("env"),
		Version:     r.FormValue("version"),
		Description: r.FormValue("description"),
		Changelog:   r.FormValue("changelog"),
	}
	if tags := r.FormValue("tags"); tags != "" {
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				body.Tags = append(body.Tags, t)
			}
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return body, "", errors.New(errors.CodeBadInput, "api", "archive file part is required", err)
	}
	defer file.Close()

	uploadDir, err := os.MkdirTemp("", "operato-upload-")
	if err != nil {
		return body, "", errors.New(errors.CodeIoError, "api", "failed to create upload dir", err)
	}

	if err := saveUpload(file, filepath.Join(uploadDir, filepath.Base(header.Filename))); err != nil {
		os.RemoveAll(uploadDir)
		return body, "", err
	}

	extracted, err := s.pipeline.Run(r.Context(), uploadDir)
	os.RemoveAll(uploadDir)
	if err != nil {
		return body, "", err
	}
	return body, extracted, nil
}

func saveUpload(src multipart.File, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return errors.New(errors.CodeIoError, "api", "failed to store upload", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return errors.New(errors.CodeIoError, "api", "failed to store upload", err)
	}
	return nil
}
