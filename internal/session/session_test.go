package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/salient/internal/domain"
	"github.com/gosuda/salient/internal/engine"
	"github.com/gosuda/salient/internal/engine/flow"
	"github.com/gosuda/salient/internal/knowledge"
)

// fakeRuntime records scheduled task functions instead of running them.
type fakeRuntime struct {
	ExecuteFunc func(ctx context.Context, cmds []*domain.Command) error

	mu    sync.Mutex
	tasks []func(ctx context.Context)
}

func (f *fakeRuntime) Execute(ctx context.Context, cmds []*domain.Command) error {
	if f.ExecuteFunc != nil {
		return f.ExecuteFunc(ctx, cmds)
	}
	return nil
}

func (f *fakeRuntime) RunTask(fn func(ctx context.Context)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, fn)
	return nil
}

func (f *fakeRuntime) scheduled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) //nolint:gochecknoglobals // test fixture

func notesKB(t *testing.T, src string) *knowledge.KnowledgeBase {
	t.Helper()
	tpl := flow.MustCompile([]byte(src))
	return knowledge.New(tpl.ID(), tpl, nil)
}

func askKB(t *testing.T, w knowledge.Worker) *knowledge.KnowledgeBase {
	t.Helper()
	tpl := flow.MustCompile([]byte(askModule))
	return knowledge.New(tpl.ID(), tpl, map[string]knowledge.WorkerFactory{"Lookup": knowledge.Static(w)})
}

func noteAt(ts time.Time) *domain.Command {
	cmd := insert("s1", "", "Note", `{}`)
	cmd.Timestamp = ts
	return cmd
}

func TestSession_AcceptBeforeInit(t *testing.T) {
	t.Parallel()

	s := New("s1", "acct-1", &fakeRuntime{})
	require.ErrorIs(t, s.Accept(noteAt(t0)), ErrNotInitialized)

	_, err := s.SnapshotBlob()
	require.ErrorIs(t, err, ErrNotInitialized)
	require.ErrorIs(t, s.Init(nil, nil, t0, nil), ErrNoKnowledgeBase)
}

func TestSession_AcceptAndStatus(t *testing.T) {
	t.Parallel()

	s := New("s1", "acct-1", &fakeRuntime{})
	require.NoError(t, s.Init(notesKB(t, notesModule), domain.Properties{"k": "v"}, t0, nil))
	require.NoError(t, s.Accept(noteAt(t0.Add(time.Second))))
	require.NoError(t, s.Accept(noteAt(t0.Add(2*time.Second))))

	st := s.Status()
	assert.Equal(t, "s1", st.ID)
	assert.Equal(t, "acct-1", st.AccountID)
	assert.Equal(t, "notes@1", st.KnowledgeBaseID)
	assert.Equal(t, t0.Add(2*time.Second), st.Clock)
	assert.Equal(t, t0.Add(2*time.Second), st.LastActive)
	assert.Equal(t, map[string]int64{"Note": 2}, st.FactCount)
}

func TestSession_ClockRegression(t *testing.T) {
	t.Parallel()

	s := New("s1", "acct-1", &fakeRuntime{})
	require.NoError(t, s.Init(notesKB(t, notesModule), nil, t0, nil))
	require.NoError(t, s.Accept(noteAt(t0.Add(time.Minute))))

	err := s.Accept(noteAt(t0))
	require.ErrorIs(t, err, engine.ErrClockRegression)
}

func TestSession_UnknownTaskIsIgnored(t *testing.T) {
	t.Parallel()

	s := New("s1", "acct-1", &fakeRuntime{})
	require.NoError(t, s.Init(notesKB(t, notesModule), nil, t0, nil))

	for _, cmd := range []*domain.Command{
		domain.NewCompleteTask("acct-1", "s1", 99, map[string]any{"x": 1}),
		{Kind: domain.CommandAbortTask, AccountID: "acct-1", SessionID: "s1", TaskID: 99},
		domain.NewTaskFailed("acct-1", "s1", 99, nil),
	} {
		cmd.Timestamp = t0
		require.NoError(t, s.Accept(cmd), cmd.Kind)
	}
}

func TestSession_TaskStartIsScheduled(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{}
	s := New("s1", "acct-1", rt)
	require.NoError(t, s.Init(askKB(t, knowledge.WorkerFunc(func(context.Context, engine.Task, knowledge.TaskManager) error {
		return nil
	})), nil, t0, nil))

	cmd := insert("s1", "", "Question", `{}`)
	cmd.Timestamp = t0
	require.NoError(t, s.Accept(cmd))

	assert.Equal(t, 1, rt.scheduled())
	assert.Equal(t, 1, s.ProcessCount())
}

func TestSession_SeededTasksAreSkipped(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{}
	s := New("s1", "acct-1", rt)
	require.NoError(t, s.Init(askKB(t, knowledge.WorkerFunc(func(context.Context, engine.Task, knowledge.TaskManager) error {
		return nil
	})), nil, t0, nil))

	s.SeedCompleted([]int64{1})
	cmd := insert("s1", "", "Question", `{}`)
	cmd.Timestamp = t0
	require.NoError(t, s.Accept(cmd))
	assert.Zero(t, rt.scheduled())

	s.ClearCompleted()
	cmd = insert("s1", "", "Question", `{}`)
	cmd.Timestamp = t0
	require.NoError(t, s.Accept(cmd))
	assert.Equal(t, 1, rt.scheduled())
}

func TestSession_TaskManagerReportsOnce(t *testing.T) {
	t.Parallel()

	var got []*domain.Command
	rt := &fakeRuntime{ExecuteFunc: func(_ context.Context, cmds []*domain.Command) error {
		got = append(got, cmds...)
		return nil
	}}
	m := &TaskManager{rt: rt, accountID: "acct-1", sessionID: "s1", taskID: 7}

	require.NoError(t, m.Complete(context.Background(), map[string]any{"answer": "yes"}))
	require.ErrorIs(t, m.Fail(context.Background(), assert.AnError), ErrTaskReported)

	require.Len(t, got, 1)
	assert.Equal(t, domain.CommandCompleteTask, got[0].Kind)
	assert.Equal(t, int64(7), got[0].TaskID)
	assert.Equal(t, "s1", got[0].SessionID)
}

func TestSession_ShouldSnapshot(t *testing.T) {
	t.Parallel()

	now := t0.Add(time.Hour)
	s := New("s1", "acct-1", &fakeRuntime{})
	require.NoError(t, s.Init(notesKB(t, notesModule), nil, now, nil))

	// The first insert after Init always snapshots.
	first := noteAt(now)
	require.NoError(t, s.Accept(first))
	require.True(t, s.ShouldSnapshot(first, now))

	for i := 1; i < SnapshotEvents; i++ {
		cmd := noteAt(now)
		require.NoError(t, s.Accept(cmd))
		require.False(t, s.ShouldSnapshot(cmd, now), "event %d", i)
	}
	cmd := noteAt(now)
	require.NoError(t, s.Accept(cmd))
	assert.True(t, s.ShouldSnapshot(cmd, now))

	abort := &domain.Command{Kind: domain.CommandAbortTask, AccountID: "acct-1", SessionID: "s1", TaskID: 1, Timestamp: now}
	assert.False(t, s.ShouldSnapshot(abort, now))

	old := noteAt(now.Add(-SnapshotAge - time.Second))
	assert.True(t, s.ShouldSnapshot(old, now))
}

func TestSession_UpdateResetsSnapshotCounter(t *testing.T) {
	t.Parallel()

	s := New("s1", "acct-1", &fakeRuntime{})
	require.NoError(t, s.Init(notesKB(t, notesModule), nil, t0, nil))

	cmd := noteAt(t0)
	require.NoError(t, s.Accept(cmd))
	require.True(t, s.ShouldSnapshot(cmd, t0))

	v2 := notesKB(t, notesModuleV2)
	require.True(t, s.HasChanged(v2, nil))
	require.NoError(t, s.Update(v2, nil, t0))
	assert.False(t, s.HasChanged(v2, nil))
	assert.Equal(t, int64(1), s.FactCount()["Note"])

	cmd = noteAt(t0)
	require.NoError(t, s.Accept(cmd))
	assert.True(t, s.ShouldSnapshot(cmd, t0))
}

func TestSession_HasChanged(t *testing.T) {
	t.Parallel()

	kb := notesKB(t, notesModule)
	s := New("s1", "acct-1", &fakeRuntime{})
	require.NoError(t, s.Init(kb, domain.Properties{"a": "1"}, t0, nil))

	tests := []struct {
		name  string
		kb    *knowledge.KnowledgeBase
		props domain.Properties
		want  bool
	}{
		{name: "same", kb: kb, props: domain.Properties{"a": "1"}, want: false},
		{name: "same id other instance", kb: notesKB(t, notesModule), props: domain.Properties{"a": "1"}, want: false},
		{name: "properties differ", kb: kb, props: domain.Properties{"a": "2"}, want: true},
		{name: "knowledge base differs", kb: notesKB(t, notesModuleV2), props: domain.Properties{"a": "1"}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, s.HasChanged(tt.kb, tt.props))
		})
	}
}

func TestSession_SnapshotRestore(t *testing.T) {
	t.Parallel()

	kb := notesKB(t, notesModule)
	s := New("s1", "acct-1", &fakeRuntime{})
	require.NoError(t, s.Init(kb, nil, t0, nil))
	require.NoError(t, s.Accept(noteAt(t0.Add(time.Second))))

	blob, err := s.SnapshotBlob()
	require.NoError(t, err)

	restored := New("s1", "acct-1", &fakeRuntime{})
	require.NoError(t, restored.Init(kb, nil, t0, &Snapshot{Codec: engine.CodecBinary, State: blob}))
	assert.Equal(t, int64(1), restored.FactCount()["Note"])
	assert.Equal(t, t0.Add(time.Second), restored.Status().Clock)

	other := notesKB(t, notesModuleV2)
	err = New("s1", "acct-1", nil).Init(other, nil, t0, &Snapshot{Codec: engine.CodecBinary, State: blob})
	require.ErrorIs(t, err, engine.ErrIncompatibleState)
}

func TestSession_Dispose(t *testing.T) {
	t.Parallel()

	s := New("s1", "acct-1", &fakeRuntime{})
	require.NoError(t, s.Init(notesKB(t, notesModule), nil, t0, nil))
	s.Dispose()

	assert.True(t, s.Disposed())
	require.ErrorIs(t, s.Accept(noteAt(t0)), ErrSessionDisposed)
}

func TestSession_Idle(t *testing.T) {
	t.Parallel()

	s := New("s1", "acct-1", &fakeRuntime{})
	s.Touch(t0)

	assert.False(t, s.Idle(t0.Add(DefaultIdleTimeout), DefaultIdleTimeout))
	assert.True(t, s.Idle(t0.Add(DefaultIdleTimeout+time.Nanosecond), DefaultIdleTimeout))

	s.Touch(t0.Add(-time.Hour))
	assert.False(t, s.Idle(t0.Add(time.Minute), DefaultIdleTimeout))
}
