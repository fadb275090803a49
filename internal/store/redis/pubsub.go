// Package redis fans settings invalidations out to every salient instance
// sharing a Redis deployment.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// deliveryBuffer bounds the messages held for a slow subscriber.
const deliveryBuffer = 64

// PubSub is a thin publish/subscribe client over one Redis database.
type PubSub struct {
	client *redis.Client
}

// New connects and pings Redis before returning.
func New(ctx context.Context, addr, password string, db int) (*PubSub, error) {
	ps := &PubSub{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}

	if err := ps.client.Ping(ctx).Err(); err != nil {
		_ = ps.client.Close()
		return nil, fmt.Errorf("redis.New: ping %s: %w", addr, err)
	}
	return ps, nil
}

func (ps *PubSub) Close() error {
	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("redis.PubSub.Close: %w", err)
	}
	return nil
}

func (ps *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ps.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis.PubSub.Publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers the payloads published on channel until ctx is done or
// cancel is called. The returned channel is closed when delivery stops.
// go-redis resubscribes on its own after a dropped connection; notices
// published while it is down are lost.
func (ps *PubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := ps.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.PubSub.Subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, deliveryBuffer)
	messages := sub.Channel(redis.WithChannelSize(deliveryBuffer))
	go forward(ctx, messages, out)

	return out, func() { _ = sub.Close() }, nil
}

func forward(ctx context.Context, in <-chan *redis.Message, out chan<- []byte) {
	defer close(out)
	for {
		var msg *redis.Message
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			msg = m
		}

		select {
		case out <- []byte(msg.Payload):
		case <-ctx.Done():
			return
		}
	}
}

// ProfileChannel returns the Redis channel profile invalidations of a
// deployment are broadcast on.
func ProfileChannel(namespace string) string {
	if namespace == "" {
		namespace = "default"
	}
	return "salient:" + namespace + ":profiles"
}
