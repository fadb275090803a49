package v1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/salient/internal/auth"
	"github.com/gosuda/salient/internal/domain"
	"github.com/gosuda/salient/internal/knowledge"
	"github.com/gosuda/salient/internal/server/middleware"
	"github.com/gosuda/salient/internal/session"
)

// CommandBody is the wire form of one command. Each object is a single-key
// map of fact type to value.
type CommandBody struct {
	Command         string           `json:"command" enum:"insert,completeTask,abortTask,taskFailed,profileChanged" doc:"Command kind"`
	AccountID       string           `json:"accountId,omitempty" doc:"Account; defaults to the token's account"`
	SessionID       string           `json:"sessionId,omitempty" doc:"Target session"`
	KnowledgeBaseID string           `json:"knowledgeBaseId,omitempty" doc:"Knowledge base id or alias"`
	Profiles        []string         `json:"profiles,omitempty" doc:"Profiles applied on top of the active ones"`
	Objects         []map[string]any `json:"objects,omitempty" doc:"Facts to insert"`
	TaskID          int64            `json:"taskId,omitempty" doc:"Task addressed by task commands"`
	Result          map[string]any   `json:"result,omitempty" doc:"Task result"`
	Failure         string           `json:"failure,omitempty" doc:"Task failure message"`
}

type ExecuteCommandsInput struct {
	Body struct {
		Commands []CommandBody `json:"commands" minItems:"1" maxItems:"500" doc:"Commands, applied in order"`
	}
}

type ExecuteCommandsOutput struct {
	Body struct {
		RequestID string `json:"requestId" doc:"Id of this batch in the server logs"`
		Commands  int    `json:"commands" doc:"Number of commands applied"`
	}
}

func RegisterCommandRoutes(api huma.API, dispatcher Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-commands",
		Method:      http.MethodPost,
		Path:        "/commands",
		Summary:     "Execute a batch of commands",
		Tags:        []string{"Commands"},
	}, func(ctx context.Context, input *ExecuteCommandsInput) (*ExecuteCommandsOutput, error) {
		claims, ok := middleware.ClaimsFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("authentication required")
		}
		if !claims.HasScope(auth.ScopeCommands) {
			return nil, huma.Error403Forbidden("token may not submit commands")
		}

		cmds := make([]*domain.Command, len(input.Body.Commands))
		for i, body := range input.Body.Commands {
			cmd, err := toCommand(body, claims)
			if err != nil {
				if errors.Is(err, auth.ErrForbidden) {
					return nil, huma.Error403Forbidden(fmt.Sprintf("commands[%d]: %s", i, err))
				}
				return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("commands[%d]: %s", i, err))
			}
			cmds[i] = cmd
		}

		requestID := uuid.NewString()
		if err := dispatcher.Execute(ctx, cmds); err != nil {
			log.Error().Err(err).Str("request_id", requestID).Int("count", len(cmds)).Msg("batch failed")
			return nil, executeError(err)
		}

		out := &ExecuteCommandsOutput{}
		out.Body.RequestID = requestID
		out.Body.Commands = len(cmds)
		return out, nil
	})
}

func toCommand(body CommandBody, claims *auth.Claims) (*domain.Command, error) {
	accountID := body.AccountID
	if accountID == "" {
		accountID = claims.AccountID
	}
	if !claims.CanActFor(accountID) {
		return nil, fmt.Errorf("account %q: %w", accountID, auth.ErrForbidden)
	}

	cmd := &domain.Command{
		Kind:            domain.CommandKind(body.Command),
		AccountID:       accountID,
		SessionID:       body.SessionID,
		KnowledgeBaseID: body.KnowledgeBaseID,
		Profiles:        body.Profiles,
		TaskID:          body.TaskID,
		Result:          body.Result,
		Failure:         body.Failure,
	}
	for j, obj := range body.Objects {
		if len(obj) != 1 {
			return nil, fmt.Errorf("objects[%d]: want exactly one type key, got %d", j, len(obj))
		}
		for typ, value := range obj {
			raw, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("objects[%d]: %w", j, err)
			}
			cmd.Facts = append(cmd.Facts, domain.Fact{Type: typ, Value: raw})
		}
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func executeError(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidCommand),
		errors.Is(err, session.ErrNoKnowledgeBase),
		errors.Is(err, knowledge.ErrUnresolvable):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		return huma.Error403Forbidden("session belongs to another account")
	case errors.Is(err, session.ErrClosed):
		return huma.Error503ServiceUnavailable("shutting down")
	default:
		return huma.Error500InternalServerError("failed to execute commands", err)
	}
}
