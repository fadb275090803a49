package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gosuda/salient/internal/auth"
	"github.com/gosuda/salient/internal/server/middleware"
)

// okHandler is a simple handler that writes 200 OK.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// withClaims injects claims into the request context the way Auth does.
func withClaims(r *http.Request, claims *auth.Claims) *http.Request {
	return r.WithContext(middleware.WithClaims(r.Context(), claims))
}

func TestRequireScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		required []string
		granted  []string
		want     int
	}{
		{name: "exact scope", required: []string{auth.ScopeCommands}, granted: []string{auth.ScopeCommands}, want: http.StatusOK},
		{name: "any of", required: []string{auth.ScopeCommands, auth.ScopeSessions}, granted: []string{auth.ScopeSessions}, want: http.StatusOK},
		{name: "missing scope", required: []string{auth.ScopeCommands}, granted: []string{auth.ScopeSessions}, want: http.StatusForbidden},
		{name: "no scopes", required: []string{auth.ScopeCommands}, granted: nil, want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handler := middleware.RequireScope(tt.required...)(okHandler)
			req := withClaims(httptest.NewRequest(http.MethodGet, "/", http.NoBody), &auth.Claims{Scopes: tt.granted})
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequireScope_NoClaims_Returns401(t *testing.T) {
	t.Parallel()

	handler := middleware.RequireScope(auth.ScopeCommands)(okHandler)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication required")
}
