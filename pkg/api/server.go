// Package api serves the REST surface: module lifecycle, execution, logs,
// and templates, behind bearer-token auth with scoped principals.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/operato/runner/pkg/domain/module"
	"github.com/operato/runner/pkg/registry"
	"github.com/operato/runner/pkg/store"
	"github.com/operato/runner/pkg/validate"
)

const (
	httpTimeout     = 90 * time.Second
	httpIdleTimeout = 120 * time.Second
)

// Execer is the execution entry point the API delegates /run requests to.
type Execer interface {
	Execute(ctx context.Context, req module.ExecRequest) (module.ExecResult, error)
	AvailableKinds() []module.EnvKind
}

// Options configures the HTTP server.
type Options struct {
	Port        int
	CORSOrigins []string
	Verifier    TokenVerifier
	Logger      zerolog.Logger
}

// Server is the REST transport over the registry and the executor manager.
type Server struct {
	router   chi.Router
	server   *http.Server
	registry *registry.Registry
	repo     store.Repository
	exec     Execer
	pipeline *validate.Pipeline
	verifier TokenVerifier
	logger   zerolog.Logger
	port     int
}

func NewServer(reg *registry.Registry, repo store.Repository, exec Execer, pipeline *validate.Pipeline, opts Options) *Server {
	s := &Server{
		registry: reg,
		repo:     repo,
		exec:     exec,
		pipeline: pipeline,
		verifier: opts.Verifier,
		logger:   opts.Logger.With().Str("component", "http").Logger(),
		port:     opts.Port,
	}
	s.setupRouter(opts.CORSOrigins)
	return s
}

func (s *Server) setupRouter(corsOrigins []string) {
	s.router = chi.NewRouter()

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.setupCORS(corsOrigins))
	s.router.Use(s.recoverMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(httpTimeout))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/api", func(r chi.Router) {
			r.Route("/modules", func(r chi.Router) {
				r.With(s.requireScope(ScopeModulesRead)).Get("/", s.handleListModules)
				r.With(s.requireScope(ScopeModulesWrite)).Post("/", s.handleRegisterModule)
				r.Route("/{name}", func(r chi.Router) {
					r.With(s.requireScope(ScopeModulesRead)).Get("/", s.handleGetModule)
					r.With(s.requireScope(ScopeModulesWrite)).Patch("/", s.handleUpdateModule)
					r.With(s.requireScope(ScopeModulesWrite)).Delete("/", s.handleDeleteModule)
					r.With(s.requireScope(ScopeModulesRead)).Get("/versions", s.handleListVersions)
					r.With(s.requireScope(ScopeModulesWrite)).Post("/versions", s.handleUploadVersion)
					r.With(s.requireScope(ScopeModulesWrite)).Post("/activate", s.handleActivate)
					r.With(s.requireScope(ScopeModulesWrite)).Post("/deactivate", s.handleDeactivate)
					r.With(s.requireScope(ScopeModulesWrite)).Post("/rollback", s.handleRollback)
					r.With(s.requireScope(ScopeModulesWrite)).Post("/deploy", s.handleDeploy)
					r.With(s.requireScope(ScopeModulesWrite)).Delete("/deploy", s.handleUndeploy)
					r.With(s.requireScope(ScopeModulesRead)).Get("/history", s.handleHistory)
				})
			})

			r.Route("/logs", func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Get("/errors", s.handleErrorLogs)
				r.Get("/errors/download", s.handleErrorLogsCSV)
			})

			r.Get("/templates/module", s.handleModuleTemplate)
		})

		r.Post("/run/{name}", s.handleRun)
		r.Get("/environments", s.handleEnvironments)
	})
}

func (s *Server) setupCORS(origins []string) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
		opts.AllowCredentials = false
	}
	return cors.Handler(opts)
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  httpTimeout,
		WriteTimeout: httpTimeout,
		IdleTimeout:  httpIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Int("port", s.port).Msg("starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Close()
	case err := <-errCh:
		return err
	}
}

// Close gracefully shuts the server down.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.logger.Info().Msg("stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
