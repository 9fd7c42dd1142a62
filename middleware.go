package gatekit

import (
	"context"
	"net/http"
)

type contextKey string

const sessionContextKey contextKey = "gatekit.session"

// SessionFromContext returns the session attached by WithSession or
// RequireSession, or nil.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey).(*Session)
	return sess
}

// UserIDFromContext returns the authenticated user id, or "".
func UserIDFromContext(ctx context.Context) string {
	if sess := SessionFromContext(ctx); sess != nil {
		return sess.UserID
	}
	return ""
}

// WithSession resolves the request's session, if any, and makes it available
// downstream. Anonymous requests pass through untouched; no redirects happen
// here.
func (s *Service) WithSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sess := s.Sessions.Resolve(r); sess != nil {
			r = r.WithContext(context.WithValue(r.Context(), sessionContextKey, sess))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSession rejects anonymous requests with 401 before they reach the
// wrapped handler. Host applications protect their own routes with this.
func (s *Service) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := s.Sessions.Resolve(r)
		if sess == nil {
			s.writeError(w, NewAuthError(ErrCodeNotAuthenticated, "Sign in required", ""))
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), sessionContextKey, sess))
		next.ServeHTTP(w, r)
	})
}
