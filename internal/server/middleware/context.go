package middleware

import (
	"context"

	"github.com/gosuda/salient/internal/auth"
)

type contextKey string

const ContextKeyClaims contextKey = "claims"

// WithClaims returns ctx carrying the authenticated token claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, ContextKeyClaims, claims)
}

func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	v, ok := ctx.Value(ContextKeyClaims).(*auth.Claims)
	return v, ok && v != nil
}
