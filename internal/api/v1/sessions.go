package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/salient/internal/auth"
	"github.com/gosuda/salient/internal/server/middleware"
	"github.com/gosuda/salient/internal/session"
)

type GetSessionInput struct {
	ID string `path:"id" minLength:"1" doc:"Session ID"`
}

type GetSessionOutput struct {
	Body session.Status
}

func RegisterSessionRoutes(api huma.API, dispatcher Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get the status of a loaded session",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *GetSessionInput) (*GetSessionOutput, error) {
		claims, ok := middleware.ClaimsFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("authentication required")
		}
		if !claims.HasScope(auth.ScopeSessions) {
			return nil, huma.Error403Forbidden("token may not read sessions")
		}

		st, ok := dispatcher.Status(input.ID)
		// Sessions of other accounts are reported as absent.
		if !ok || !claims.CanActFor(st.AccountID) {
			return nil, huma.Error404NotFound("session not loaded")
		}
		return &GetSessionOutput{Body: st}, nil
	})
}
