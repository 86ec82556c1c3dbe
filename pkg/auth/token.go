package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// NewTokenAuthenticator authenticates requests carrying an
// "Authorization: Bearer <token>" header. tokens maps user names to their
// token.
func NewTokenAuthenticator(tokens map[string]string) Authenticator {
	a := &tokenAuthenticator{}
	for user, token := range tokens {
		if token == "" {
			continue
		}
		a.entries = append(a.entries, tokenEntry{user: AuthenticatedUser(user), token: []byte(token)})
	}
	return a
}

type tokenEntry struct {
	user  AuthenticatedUser
	token []byte
}

type tokenAuthenticator struct {
	entries []tokenEntry
}

// Authenticate implements Authenticator.
func (a *tokenAuthenticator) Authenticate(r *http.Request) (AuthenticatedUser, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	var user AuthenticatedUser
	for _, e := range a.entries {
		// compare against every entry so timing does not depend on position
		if subtle.ConstantTimeCompare(e.token, []byte(token)) == 1 {
			user = e.user
		}
	}
	if user == "" {
		return "", fmt.Errorf("%w: invalid bearer token", ErrUnauthenticated)
	}
	return user, nil
}
