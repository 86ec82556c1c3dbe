package auth

import (
	"fmt"
	"net/http"
)

func NewMTLSAuthenticator() Authenticator {
	return &mtlsAuthenticator{}
}

type mtlsAuthenticator struct{}

// Authenticate implements Authenticator. The user is the subject common name
// of the first verified client certificate chain that has one.
func (*mtlsAuthenticator) Authenticate(r *http.Request) (AuthenticatedUser, error) {
	if r.TLS == nil {
		return "", fmt.Errorf("%w: not a TLS connection", ErrUnauthenticated)
	}
	var subject string
	for _, vc := range r.TLS.VerifiedChains {
		if len(vc) == 0 {
			continue
		}
		leaf := vc[0]
		cn := leaf.Subject.CommonName
		if cn == "" {
			continue
		}
		subject = cn
		break
	}
	if subject == "" {
		return "", fmt.Errorf("%w: no subject common name found in any verified chains", ErrUnauthenticated)
	}
	return AuthenticatedUser(subject), nil
}
