package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrMalformedInvalidation is returned for payloads that are not
// "<origin>:<account id>".
var ErrMalformedInvalidation = errors.New("redis: malformed invalidation") //nolint:gochecknoglobals // sentinel error

// Publisher is the subset of PubSub invalidations are sent through.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Invalidations broadcasts "account settings changed" notices between
// processes. Each instance tags what it sends with its own origin id and
// skips those notices when they come back.
type Invalidations struct {
	ps      Publisher
	channel string
	origin  uuid.UUID
}

func NewInvalidations(ps Publisher, namespace string) *Invalidations {
	return &Invalidations{
		ps:      ps,
		channel: ProfileChannel(namespace),
		origin:  uuid.New(),
	}
}

// Publish announces that the settings of accountID changed.
func (i *Invalidations) Publish(ctx context.Context, accountID string) error {
	if err := i.ps.Publish(ctx, i.channel, EncodeInvalidation(i.origin, accountID)); err != nil {
		return fmt.Errorf("redis.Invalidations.Publish: %w", err)
	}
	return nil
}

// Subscribe delivers the account ids invalidated by other processes.
func (i *Invalidations) Subscribe(ctx context.Context) (<-chan string, func(), error) {
	raw, cleanup, err := i.ps.Subscribe(ctx, i.channel)
	if err != nil {
		return nil, nil, fmt.Errorf("redis.Invalidations.Subscribe: %w", err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		for payload := range raw {
			origin, accountID, err := DecodeInvalidation(payload)
			if err != nil {
				log.Warn().Err(err).Str("channel", i.channel).Msg("dropping invalidation")
				continue
			}
			if origin == i.origin {
				continue
			}
			select {
			case out <- accountID:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cleanup, nil
}

func EncodeInvalidation(origin uuid.UUID, accountID string) []byte {
	return []byte(origin.String() + ":" + accountID)
}

func DecodeInvalidation(payload []byte) (uuid.UUID, string, error) {
	rawOrigin, accountID, ok := strings.Cut(string(payload), ":")
	if !ok || accountID == "" {
		return uuid.Nil, "", ErrMalformedInvalidation
	}
	origin, err := uuid.Parse(rawOrigin)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: %w", ErrMalformedInvalidation, err)
	}
	return origin, accountID, nil
}
