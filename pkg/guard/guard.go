// Package guard implements the session guard that protects console
// navigation: every request into a protected area is checked against the
// Session Oracle and either allowed through or redirected to sign-in with
// the originally requested URL preserved.
package guard

import (
	"context"
	"net/url"

	"github.com/tenantgate/tenantgate/pkg/identity"
)

// SignInPath is the sign-in route unauthenticated navigations are sent to.
const SignInPath = "/sign-in"

// Decision is the outcome of a guard check. Either Allow is true and
// Identity is set, or RedirectURL carries the sign-in redirect with the
// requested URL preserved in its returnUrl parameter.
type Decision struct {
	Allow       bool
	Identity    *identity.Identity
	RedirectURL string
}

// Guard checks navigation against a Session Oracle. It holds no state and
// never mutates the session; the caller performs the redirect.
type Guard struct {
	oracle identity.Oracle
}

// New creates a Guard backed by the given oracle.
func New(oracle identity.Oracle) *Guard {
	return &Guard{oracle: oracle}
}

// Check resolves the credential and decides whether the navigation to
// requestedURL may proceed. ANY oracle failure, transport included, is
// treated as unauthenticated. The requested URL, query string and all, is
// preserved verbatim inside returnUrl so SSO parameters nested in it are
// not lost.
func (g *Guard) Check(ctx context.Context, credential, requestedURL string) Decision {
	id, err := g.oracle.CurrentIdentity(ctx, credential)
	if err != nil {
		return Decision{RedirectURL: SignInRedirect(requestedURL)}
	}
	return Decision{Allow: true, Identity: id}
}

// SignInRedirect builds the sign-in URL carrying returnUrl.
func SignInRedirect(requestedURL string) string {
	v := url.Values{}
	v.Set("returnUrl", requestedURL)
	return SignInPath + "?" + v.Encode()
}
