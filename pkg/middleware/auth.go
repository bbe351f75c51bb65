package middleware

import (
	"net/http"

	"github.com/tenantgate/tenantgate/pkg/contextkeys"
	"github.com/tenantgate/tenantgate/pkg/guard"
	"github.com/tenantgate/tenantgate/pkg/httputil"
	"github.com/tenantgate/tenantgate/pkg/identity"
)

// APIAuth resolves the session cookie to an identity for API routes.
// Unlike the browser guard it answers 401 instead of redirecting.
func APIAuth(oracle identity.Oracle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(guard.SessionCookieName)
			if err != nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			id, err := oracle.CurrentIdentity(r.Context(), cookie.Value)
			if err != nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			ctx := contextkeys.WithValue(r.Context(), contextkeys.IdentityKey, id)
			ctx = contextkeys.WithValue(ctx, contextkeys.SessionIDKey, cookie.Value)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSystemAdmin rejects requests from identities without a system
// admin role.
func RequireSystemAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := contextkeys.Value(r.Context(), contextkeys.IdentityKey).(*identity.Identity)
		if !ok || !id.IsSystemAdmin() {
			httputil.WriteForbidden(w, "insufficient privileges")
			return
		}
		next.ServeHTTP(w, r)
	})
}
