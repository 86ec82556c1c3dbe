package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// NewMiddleware returns an HTTP middleware that authenticates every request
// with the given authenticators, in order. The first one to succeed wins; the
// user it returns is stored in the request context. Requests no authenticator
// accepts are rejected with 401.
func NewMiddleware(authenticators ...Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var errs []error
			for _, a := range authenticators {
				user, err := a.Authenticate(r)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
					return
				}
				errs = append(errs, err)
			}
			err := errors.Join(errs...)
			if err == nil {
				err = ErrUnauthenticated
			}
			slog.With(
				"remote", r.RemoteAddr,
				"path", r.URL.Path,
				"error", err,
			).Warn("rejected unauthenticated request")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="supercut"`)
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthenticated"})
		})
	}
}
