package api

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/operato/runner/pkg/store"
)

const defaultLogPageSize = 50

func errorLogFilterFrom(r *http.Request) store.ErrorLogFilter {
	q := r.URL.Query()
	f := store.ErrorLogFilter{
		Code:    q.Get("code"),
		User:    q.Get("user"),
		Keyword: q.Get("keyword"),
		Limit:   defaultLogPageSize,
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = t
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	return f
}

func (s *Server) handleErrorLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.repo.QueryErrorLogs(r.Context(), errorLogFilterFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleErrorLogsCSV(w http.ResponseWriter, r *http.Request) {
	f := errorLogFilterFrom(r)
	f.Offset = 0
	f.Limit = 0 // full export
	logs, err := s.repo.QueryErrorLogs(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="error_logs.csv"`)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"created_at", "code", "message", "dev_message", "path", "user"})
	for _, entry := range logs {
		_ = cw.Write([]string{
			entry.CreatedAt.Format(time.RFC3339),
			entry.Code,
			entry.Message,
			entry.DevMessage,
			entry.Path,
			entry.User,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Error().Err(err).Msg("failed to stream CSV")
	}
}
