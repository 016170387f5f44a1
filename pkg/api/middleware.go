package api

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/operato/runner/pkg/domain/module"
)

// recoverMiddleware turns panics into 500 responses and persists the stack
// to the error log so the admin viewer can show it.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				stack := string(debug.Stack())
				s.logger.Error().
					Str("path", r.URL.Path).
					Interface("panic", rec).
					Msg("panic in handler")

				entry := module.ErrorLog{
					Code:       "INTERNAL_ERROR",
					Message:    "Internal server error",
					DevMessage: fmt.Sprintf("panic: %v", rec),
					Path:       r.URL.Path,
					Stack:      stack,
				}
				if p, ok := PrincipalFrom(r.Context()); ok {
					entry.User = p.Username
				}
				if err := s.repo.AppendErrorLog(r.Context(), entry); err != nil {
					s.logger.Warn().Err(err).Msg("failed to persist error log")
				}

				s.writeJSON(w, http.StatusInternalServerError,
					errorBody{Code: "INTERNAL_ERROR", Message: "Internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		event := s.logger.Info()
		if ww.Status() >= http.StatusInternalServerError {
			event = s.logger.Error()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
