package v1

import (
	"context"

	"github.com/gosuda/salient/internal/domain"
	"github.com/gosuda/salient/internal/session"
)

// Dispatcher abstracts the session dispatcher for handler testing.
// *session.Sessions satisfies this interface.
type Dispatcher interface {
	Execute(ctx context.Context, cmds []*domain.Command) error
	Status(id string) (session.Status, bool)
}
