package middleware

import "net/http"

// RequireScope returns middleware that checks the authenticated token carries
// at least one of scopes. It must be chained after Auth.
//
// Returns 401 Unauthorized when no claims are found in context and 403
// Forbidden when none of the scopes was granted.
func RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				http.Error(w, `{"title":"Unauthorized","status":401,"detail":"authentication required"}`, http.StatusUnauthorized)
				return
			}

			for _, s := range scopes {
				if claims.HasScope(s) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, `{"title":"Forbidden","status":403,"detail":"insufficient scope"}`, http.StatusForbidden)
		})
	}
}
