package auth

import (
	"context"
	"errors"
	"net/http"
)

type Authenticator interface {
	Authenticate(r *http.Request) (AuthenticatedUser, error)
}

// ErrUnauthenticated is matched by every error returned from an
// Authenticator when the request carries no valid credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

type authnUserKeyType struct{}

var authnUserKey authnUserKeyType

type AuthenticatedUser string

func ContextWithUser(ctx context.Context, user AuthenticatedUser) context.Context {
	return context.WithValue(ctx, authnUserKey, user)
}

// Returns the authenticated user name from the context. ok is false if the
// request did not pass through an authentication middleware, which is the
// case when the server runs without authentication.
func AuthenticatedUserFromContext(ctx context.Context) (user AuthenticatedUser, ok bool) {
	user, ok = ctx.Value(authnUserKey).(AuthenticatedUser)
	return
}
