package v1_test

import (
	"context"

	"github.com/gosuda/salient/internal/auth"
	"github.com/gosuda/salient/internal/domain"
	"github.com/gosuda/salient/internal/server/middleware"
	"github.com/gosuda/salient/internal/session"
)

// ---------------------------------------------------------------------------
// Context helpers: inject token claims into context for DoCtx
// ---------------------------------------------------------------------------

func tokenCtx(accountID string, scopes ...string) context.Context {
	return middleware.WithClaims(context.Background(), &auth.Claims{AccountID: accountID, Scopes: scopes})
}

// ---------------------------------------------------------------------------
// Mock Dispatcher
// ---------------------------------------------------------------------------

type mockDispatcher struct {
	executeFunc func(ctx context.Context, cmds []*domain.Command) error
	statusFunc  func(id string) (session.Status, bool)
}

func (m *mockDispatcher) Execute(ctx context.Context, cmds []*domain.Command) error {
	return m.executeFunc(ctx, cmds)
}

func (m *mockDispatcher) Status(id string) (session.Status, bool) {
	return m.statusFunc(id)
}
