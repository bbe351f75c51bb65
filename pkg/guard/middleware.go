package guard

import (
	"context"
	"net/http"

	"github.com/tenantgate/tenantgate/pkg/contextkeys"
	"github.com/tenantgate/tenantgate/pkg/identity"
)

// SessionCookieName is the cookie the console stores its session id in.
const SessionCookieName = "tg_session"

// Middleware applies the guard decision to incoming requests. Allowed
// requests continue with the identity stashed in the request context;
// everything else is redirected to sign-in.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := ""
		if c, err := r.Cookie(SessionCookieName); err == nil {
			credential = c.Value
		}

		decision := g.Check(r.Context(), credential, r.URL.RequestURI())
		if !decision.Allow {
			http.Redirect(w, r, decision.RedirectURL, http.StatusFound)
			return
		}

		ctx := context.WithValue(r.Context(), contextkeys.IdentityKey, decision.Identity)
		if credential != "" {
			ctx = context.WithValue(ctx, contextkeys.SessionIDKey, credential)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFromContext extracts the identity placed by Middleware.
func IdentityFromContext(ctx context.Context) *identity.Identity {
	id, _ := ctx.Value(contextkeys.IdentityKey).(*identity.Identity)
	return id
}
