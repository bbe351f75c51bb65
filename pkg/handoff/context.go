// Package handoff implements the app-initiated login handoff: an external
// application sends the user here with SSO query parameters, the user
// signs in and picks a tenant, and the browser is sent back to the
// application's callback with a one-shot authorization grant.
package handoff

import (
	"net/url"
)

// maxReturnURLDepth bounds how far nested returnUrl parameters are
// unwrapped. Each guard redirect wraps the previous URL once, so a small
// bound covers every legitimate chain.
const maxReturnURLDepth = 5

// SSOContext carries the handoff parameters. It lives only in query
// strings and controller memory; it is never persisted.
type SSOContext struct {
	AppID       string
	RedirectURI string
	TenantID    string
	ReturnURL   string
	Prefill     string // nit query param, cosmetic sign-in prefill
}

// AppInitiated reports whether the context describes an app-initiated
// login rather than a direct console visit.
func (c SSOContext) AppInitiated() bool {
	return c.AppID != "" && c.RedirectURI != ""
}

// QueryValues renders the SSO parameters back into query values, used
// when the flow must be suspended and resumed (second-factor challenge).
func (c SSOContext) QueryValues() url.Values {
	v := url.Values{}
	if c.AppID != "" {
		v.Set("app_id", c.AppID)
	}
	if c.RedirectURI != "" {
		v.Set("redirect_uri", c.RedirectURI)
	}
	if c.TenantID != "" {
		v.Set("tenant_id", c.TenantID)
	}
	return v
}

// ParseContext extracts the SSO context from query parameters. Direct
// parameters win; missing ones are recovered by decoding the returnUrl
// parameter as a nested URL and reading its query, repeatedly, so a
// guard-redirected sign-in URL still yields the original app_id and
// redirect_uri.
func ParseContext(q url.Values) SSOContext {
	c := SSOContext{
		AppID:       q.Get("app_id"),
		RedirectURI: q.Get("redirect_uri"),
		TenantID:    q.Get("tenant_id"),
		ReturnURL:   q.Get("returnUrl"),
		Prefill:     q.Get("nit"),
	}

	next := c.ReturnURL
	for depth := 0; depth < maxReturnURLDepth && next != "" && !(c.AppID != "" && c.RedirectURI != ""); depth++ {
		nested, err := url.Parse(next)
		if err != nil {
			break
		}
		nq := nested.Query()
		if c.AppID == "" {
			c.AppID = nq.Get("app_id")
		}
		if c.RedirectURI == "" {
			c.RedirectURI = nq.Get("redirect_uri")
		}
		if c.TenantID == "" {
			c.TenantID = nq.Get("tenant_id")
		}
		next = nq.Get("returnUrl")
	}

	return c
}
