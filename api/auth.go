package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gurre/courseshop/identity"
	"github.com/gurre/courseshop/users"
	"go.uber.org/zap"
)

// caller is the verified principal and its profile.
type caller struct {
	principal identity.Principal
	profile   users.User
}

func callerFrom(ctx context.Context) caller {
	c, _ := ctx.Value(callerKey).(caller)
	return c
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// requireAuth verifies the bearer token and loads the caller's profile.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.fail(w, r, errUnauthorized)
			return
		}
		p, err := s.deps.Identity.Verify(r.Context(), token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		profile, err := s.profile(r, p)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey, caller{principal: p, profile: profile})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// profile loads the caller's row, creating a student profile when the
// account exists in Cognito without one.
func (s *Server) profile(r *http.Request, p identity.Principal) (users.User, error) {
	ctx := r.Context()
	u, err := s.deps.Profiles.Get(ctx, p.Subject)
	if !errors.Is(err, users.ErrNotFound) {
		return u, err
	}

	u, err = s.deps.Profiles.Create(ctx, p.Subject, p.Email, "")
	if errors.Is(err, users.ErrExists) {
		return s.deps.Profiles.Get(ctx, p.Subject)
	}
	if err != nil {
		return users.User{}, err
	}
	s.infoFor(r).log.Warn("created missing profile", zap.String("user_id", p.Subject))
	return u, nil
}

// requireAdmin must run after requireAuth.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !callerFrom(r.Context()).profile.IsAdmin() {
			s.fail(w, r, errForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
