package knowledge_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/salient/internal/domain"
	"github.com/gosuda/salient/internal/engine"
	"github.com/gosuda/salient/internal/knowledge"
)

const echoModule = `
name: echo
version: "2.0"
rules:
  - {name: r, when: Ping, start: p}
processes:
  - id: p
    steps:
      - insert: {type: Pong, value: 1}
`

type mockRemotes struct {
	remotesFn func(ctx context.Context) ([]domain.Remote, error)
}

func (m *mockRemotes) Remotes(ctx context.Context) ([]domain.Remote, error) {
	return m.remotesFn(ctx)
}

type countingRepo struct {
	calls atomic.Int32
	inner knowledge.Repository
	seen  []domain.Remote
	mu    sync.Mutex
}

type funcRepo struct {
	resolveFn func(ctx context.Context, id string, remotes []domain.Remote) (*knowledge.KnowledgeBase, error)
}

func (f *funcRepo) Resolve(ctx context.Context, id string, remotes []domain.Remote) (*knowledge.KnowledgeBase, error) {
	return f.resolveFn(ctx, id, remotes)
}

func (c *countingRepo) Resolve(ctx context.Context, id string, remotes []domain.Remote) (*knowledge.KnowledgeBase, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.seen = remotes
	c.mu.Unlock()
	return c.inner.Resolve(ctx, id, remotes)
}

func TestKnowledgeBase_Equal(t *testing.T) {
	t.Parallel()

	a := knowledge.New("chat@1.0", nil, nil)
	b := knowledge.New("chat@1.0", nil, nil)
	c := knowledge.New("chat@1.1", nil, nil)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
	assert.True(t, (*knowledge.KnowledgeBase)(nil).Equal(nil))
}

func TestKnowledgeBase_Worker(t *testing.T) {
	t.Parallel()

	t.Run("factory gets properties", func(t *testing.T) {
		t.Parallel()

		var got domain.Properties
		kb := knowledge.New("x@1", nil, map[string]knowledge.WorkerFactory{
			"Send": func(props domain.Properties) (knowledge.Worker, error) {
				got = props
				return knowledge.FunctionWorker(), nil
			},
		})

		w, err := kb.Worker("Send", domain.Properties{"smtp.host": "mail"})
		require.NoError(t, err)
		assert.NotNil(t, w)
		assert.Equal(t, "mail", got["smtp.host"])
		assert.Equal(t, []string{"Send"}, kb.Workers())
	})

	t.Run("unknown worker", func(t *testing.T) {
		t.Parallel()

		kb := knowledge.New("x@1", nil, nil)
		_, err := kb.Worker("Nope", nil)
		assert.ErrorIs(t, err, knowledge.ErrUnknownWorker)
	})

	t.Run("factory error propagated", func(t *testing.T) {
		t.Parallel()

		kb := knowledge.New("x@1", nil, map[string]knowledge.WorkerFactory{
			"Bad": func(domain.Properties) (knowledge.Worker, error) { return nil, errors.New("missing property") },
		})
		_, err := kb.Worker("Bad", nil)
		assert.ErrorContains(t, err, "missing property")
	})
}

func TestRegistry_Resolve(t *testing.T) {
	t.Parallel()

	reg := knowledge.NewRegistry()
	first := knowledge.New("mod@1", nil, nil)
	second := knowledge.New("mod@1", nil, map[string]knowledge.WorkerFactory{"W": knowledge.Static(knowledge.FunctionWorker())})
	reg.Register("a", first)
	reg.Register("b", second)

	tests := []struct {
		name    string
		remotes []domain.Remote
		want    *knowledge.KnowledgeBase
		wantErr error
	}{
		{name: "first remote wins", remotes: []domain.Remote{{ID: "a"}, {ID: "b"}}, want: first},
		{name: "order matters", remotes: []domain.Remote{{ID: "b"}, {ID: "a"}}, want: second},
		{name: "skips unknown remote", remotes: []domain.Remote{{ID: "zzz"}, {ID: "b"}}, want: second},
		{name: "not published", remotes: []domain.Remote{{ID: "zzz"}}, wantErr: knowledge.ErrUnresolvable},
		{name: "no remotes", wantErr: knowledge.ErrUnresolvable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			kb, err := reg.Resolve(context.Background(), "mod@1", tt.remotes)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Same(t, tt.want, kb)
		})
	}
}

func TestRegistry_RegisterFlow(t *testing.T) {
	t.Parallel()

	reg := knowledge.NewRegistry()
	kb, err := reg.RegisterFlow("local", []byte(echoModule), nil)
	require.NoError(t, err)
	assert.Equal(t, "echo@2.0", kb.ID)
	assert.Equal(t, []string{"echo@2.0"}, reg.Available("local"))

	_, err = reg.RegisterFlow("local", []byte("name: broken\n"), nil)
	require.Error(t, err)
}

func TestRegistry_LoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.yaml"), []byte(echoModule), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	reg := knowledge.NewRegistry()
	n, err := reg.LoadDir("local", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"echo@2.0"}, reg.Available("local"))
}

func TestRegisterBuiltins_Chat(t *testing.T) {
	t.Parallel()

	reg := knowledge.NewRegistry()
	require.NoError(t, knowledge.RegisterBuiltins(reg))

	kb, err := reg.Resolve(context.Background(), "chat@1.0", []domain.Remote{domain.DefaultRemote})
	require.NoError(t, err)
	assert.Equal(t, []string{"Function"}, kb.Template.TaskNodes())

	w, err := kb.Worker("Function", nil)
	require.NoError(t, err)

	m := &recordingManager{}
	require.NoError(t, w.ExecuteTask(context.Background(), engine.Task{ID: 1, Name: "Function"}, m))
	assert.Equal(t, map[string]any{"success": true}, m.result)
}

type recordingManager struct {
	result map[string]any
	cause  error
}

func (m *recordingManager) Complete(_ context.Context, result map[string]any) error {
	m.result = result
	return nil
}

func (m *recordingManager) Fail(_ context.Context, cause error) error {
	m.cause = cause
	return nil
}

func TestCache_Get(t *testing.T) {
	t.Parallel()

	reg := knowledge.NewRegistry()
	require.NoError(t, knowledge.RegisterBuiltins(reg))
	_, err := reg.RegisterFlow("team", []byte(echoModule), nil)
	require.NoError(t, err)

	t.Run("default remote is always consulted", func(t *testing.T) {
		t.Parallel()

		repo := &countingRepo{inner: reg}
		cache := knowledge.NewCache(repo, &mockRemotes{
			remotesFn: func(context.Context) ([]domain.Remote, error) {
				return []domain.Remote{{ID: "team", URL: "https://modules.example.com"}}, nil
			},
		})

		kb, err := cache.Get(context.Background(), "chat@1.0")
		require.NoError(t, err)
		assert.Equal(t, "chat@1.0", kb.ID)
		assert.Equal(t, []domain.Remote{domain.DefaultRemote, {ID: "team", URL: "https://modules.example.com"}}, repo.seen)

		kb2, err := cache.Get(context.Background(), "echo@2.0")
		require.NoError(t, err)
		assert.Equal(t, "echo@2.0", kb2.ID)
	})

	t.Run("memoized and collapsed", func(t *testing.T) {
		t.Parallel()

		repo := &countingRepo{inner: reg}
		cache := knowledge.NewCache(repo, nil)

		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = cache.Get(context.Background(), "chat@1.0")
			}()
		}
		wg.Wait()

		_, err := cache.Get(context.Background(), "chat@1.0")
		require.NoError(t, err)
		assert.LessOrEqual(t, repo.calls.Load(), int32(16))
		calls := repo.calls.Load()

		_, err = cache.Get(context.Background(), "chat@1.0")
		require.NoError(t, err)
		assert.Equal(t, calls, repo.calls.Load())
		assert.Equal(t, 1, cache.Len())
	})

	t.Run("unresolvable", func(t *testing.T) {
		t.Parallel()

		cache := knowledge.NewCache(reg, nil)
		_, err := cache.Get(context.Background(), "missing@9")
		assert.ErrorIs(t, err, knowledge.ErrUnresolvable)
		assert.Equal(t, 0, cache.Len())
	})

	t.Run("shared lookup ignores caller cancellation", func(t *testing.T) {
		t.Parallel()

		started := make(chan struct{})
		release := make(chan struct{})
		repo := &funcRepo{resolveFn: func(ctx context.Context, id string, remotes []domain.Remote) (*knowledge.KnowledgeBase, error) {
			close(started)
			<-release
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return reg.Resolve(ctx, id, remotes)
		}}
		cache := knowledge.NewCache(repo, nil)

		first, cancel := context.WithCancel(context.Background())
		firstErr := make(chan error, 1)
		go func() {
			_, err := cache.Get(first, "chat@1.0")
			firstErr <- err
		}()
		<-started
		cancel()
		close(release)

		require.NoError(t, <-firstErr)
		kb, err := cache.Get(context.Background(), "chat@1.0")
		require.NoError(t, err)
		assert.Equal(t, "chat@1.0", kb.ID)
	})

	t.Run("remote lookup failure", func(t *testing.T) {
		t.Parallel()

		cache := knowledge.NewCache(reg, &mockRemotes{
			remotesFn: func(context.Context) ([]domain.Remote, error) { return nil, errors.New("db down") },
		})
		_, err := cache.Get(context.Background(), "chat@1.0")
		assert.ErrorContains(t, err, "db down")
	})
}
