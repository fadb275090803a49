package redis

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestForward(t *testing.T) {
	t.Parallel()

	t.Run("delivers until input closes", func(t *testing.T) {
		t.Parallel()

		in := make(chan *redis.Message, 2)
		out := make(chan []byte, 2)
		in <- &redis.Message{Payload: "a"}
		in <- &redis.Message{Payload: "b"}
		close(in)

		forward(t.Context(), in, out)

		var got []string
		for p := range out {
			got = append(got, string(p))
		}
		assert.Equal(t, []string{"a", "b"}, got)
	})

	t.Run("stops on cancel", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		out := make(chan []byte)
		forward(ctx, make(chan *redis.Message), out)

		_, ok := <-out
		assert.False(t, ok)
	})
}
