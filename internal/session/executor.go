package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrExecutorClosed is returned when work is submitted after Shutdown.
var ErrExecutorClosed = errors.New("session: executor closed") //nolint:gochecknoglobals // sentinel error

// Executor bounds how many units of work run at once.
type Executor struct {
	name string
	sem  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewExecutor returns an executor running at most parallelism units of work
// concurrently. parallelism < 1 is treated as 1.
func NewExecutor(name string, parallelism int) *Executor {
	if parallelism < 1 {
		parallelism = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		name:   name,
		sem:    make(chan struct{}, parallelism),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Do runs fn on the calling goroutine once a slot is free.
func (e *Executor) Do(ctx context.Context, fn func() error) error {
	if !e.enter() {
		return ErrExecutorClosed
	}
	defer e.wg.Done()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	return fn()
}

// Go schedules fn and returns immediately. fn receives a context that is
// cancelled when Shutdown gives up waiting.
func (e *Executor) Go(fn func(ctx context.Context)) error {
	if !e.enter() {
		return ErrExecutorClosed
	}

	go func() {
		defer e.wg.Done()

		select {
		case e.sem <- struct{}{}:
		case <-e.ctx.Done():
			return
		}
		defer func() { <-e.sem }()

		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("executor", e.name).Interface("panic", r).Msg("executor: recovered panic")
			}
		}()

		fn(e.ctx)
	}()
	return nil
}

func (e *Executor) enter() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

// Shutdown stops intake and waits for scheduled work until ctx is done.
// Work still running at that point sees its context cancelled.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		return fmt.Errorf("session.Executor(%s).Shutdown: %w", e.name, ctx.Err())
	}
}
