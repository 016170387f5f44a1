package api

import (
	"encoding/json"
	"net/http"

	"github.com/operato/runner/pkg/domain/errors"
	"github.com/operato/runner/pkg/domain/module"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.logger.Error().Err(err).Msg("failed to encode response")
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)

	if status >= http.StatusInternalServerError {
		s.recordErrorLog(r, string(code), err)
	}

	msg := err.Error()
	var domainErr *errors.Error
	if errors.As(err, &domainErr) {
		msg = domainErr.Message
	}
	s.writeJSON(w, status, errorBody{Code: string(code), Message: msg})
}

func statusFor(code errors.Code) int {
	switch code {
	case errors.CodeModuleNotFound, errors.CodeVersionNotFound:
		return http.StatusNotFound
	case errors.CodeBadInput, errors.CodeValidationFailed, errors.CodeNameConflict, errors.CodeDuplicateVersion:
		return http.StatusBadRequest
	case errors.CodeNoActiveDeployment, errors.CodeInvalidState:
		return http.StatusConflict
	case errors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case errors.CodePermissionDenied:
		return http.StatusForbidden
	case errors.CodeTimeoutError:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// recordErrorLog persists a server-side failure for the admin log viewer.
// Best-effort: a failing log write must not mask the original error.
func (s *Server) recordErrorLog(r *http.Request, code string, err error) {
	rec := module.ErrorLog{
		Code:    code,
		Message: "Internal server error",
		Path:    r.URL.Path,
	}
	if err != nil {
		rec.DevMessage = err.Error()
	}
	if p, ok := PrincipalFrom(r.Context()); ok {
		rec.User = p.Username
	}
	if logErr := s.repo.AppendErrorLog(r.Context(), rec); logErr != nil {
		s.logger.Warn().Err(logErr).Msg("failed to persist error log")
	}
}
