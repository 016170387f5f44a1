package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/operato/runner/pkg/domain/errors"
	"github.com/operato/runner/pkg/domain/module"
)

// Scopes referenced by the route table.
const (
	ScopeModulesRead    = "modules:read"
	ScopeModulesWrite   = "modules:write"
	ScopeExecuteAll     = "execute:all"
	ScopeExecuteLimited = "execute:limited"

	RoleAdmin = "admin"
)

// TokenVerifier resolves a bearer token to an authenticated principal.
// The real authenticator lives outside this service; implementations here
// adapt whatever that boundary provides.
type TokenVerifier interface {
	Verify(token string) (module.Principal, bool)
}

// StaticTokenVerifier maps fixed tokens to principals. Suitable for
// single-host deployments where tokens are issued out of band.
type StaticTokenVerifier struct {
	tokens map[string]module.Principal
}

func NewStaticTokenVerifier() *StaticTokenVerifier {
	return &StaticTokenVerifier{tokens: make(map[string]module.Principal)}
}

// Add registers a token for the given principal.
func (v *StaticTokenVerifier) Add(token string, p module.Principal) *StaticTokenVerifier {
	v.tokens[token] = p
	return v
}

// AddAdmin registers a token with the admin role and every scope.
func (v *StaticTokenVerifier) AddAdmin(token string) *StaticTokenVerifier {
	return v.Add(token, module.Principal{
		Username: "admin",
		Role:     RoleAdmin,
		Scopes:   []string{ScopeModulesRead, ScopeModulesWrite, ScopeExecuteAll},
	})
}

func (v *StaticTokenVerifier) Verify(token string) (module.Principal, bool) {
	p, ok := v.tokens[token]
	return p, ok
}

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFrom returns the authenticated principal attached to the request
// context, if any.
func PrincipalFrom(ctx context.Context) (module.Principal, bool) {
	p, ok := ctx.Value(principalKey).(module.Principal)
	return p, ok
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.writeError(w, r, errors.New(errors.CodeUnauthenticated, "auth", "missing bearer token", nil))
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		principal, ok := s.verifier.Verify(token)
		if !ok {
			s.writeError(w, r, errors.New(errors.CodeUnauthenticated, "auth", "invalid token", nil))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, principal)))
	})
}

func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok || !p.HasScope(scope) {
				s.writeError(w, r, errors.New(errors.CodePermissionDenied, "auth",
					"scope "+scope+" required", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || p.Role != RoleAdmin {
			s.writeError(w, r, errors.New(errors.CodePermissionDenied, "auth", "admin role required", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
