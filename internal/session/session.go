// Package session keeps long-lived engine sessions in memory, applies
// command batches to them in order and hands them to a Store for durable,
// replayable persistence.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/salient/internal/domain"
	"github.com/gosuda/salient/internal/engine"
	"github.com/gosuda/salient/internal/knowledge"
)

//nolint:gochecknoglobals // sentinel errors
var (
	ErrNotInitialized  = errors.New("session: not initialized")
	ErrNoKnowledgeBase = errors.New("session: no knowledge base")
	ErrSessionDisposed = errors.New("session: disposed")
	ErrClosed          = errors.New("session: dispatcher is shut down")
)

const (
	// SnapshotEvents is the number of events after which an insert forces a
	// new snapshot.
	SnapshotEvents = 30
	// SnapshotAge forces a snapshot for inserts stamped this long before now.
	SnapshotAge = 15 * time.Minute
)

// Runtime is the dispatcher as seen from a session: task outcomes re-enter
// Execute, task workers run through RunTask.
type Runtime interface {
	Execute(ctx context.Context, cmds []*domain.Command) error
	RunTask(fn func(ctx context.Context)) error
}

// Snapshot is serialized engine state together with the codec that
// produced it.
type Snapshot struct {
	Codec engine.Codec
	State []byte
}

// Status is a point-in-time view of a session for reporting.
type Status struct {
	ID              string           `json:"id"`
	AccountID       string           `json:"accountId"`
	KnowledgeBaseID string           `json:"knowledgeBaseId"`
	Clock           time.Time        `json:"clock"`
	LastActive      time.Time        `json:"lastActive"`
	ProcessCount    int              `json:"processCount"`
	FactCount       map[string]int64 `json:"factCount"`
}

// Session owns one engine instance. All mutation goes through Accept,
// Init and Update.
type Session struct {
	id        string
	accountID string
	rt        Runtime

	// seq is held by a dispatcher batch for its whole apply phase.
	seq sync.Mutex

	mu         sync.Mutex
	kb         *knowledge.KnowledgeBase
	props      domain.Properties
	eng        engine.Engine
	adapters   []*taskAdapter
	dataKey    []byte
	wrappedKey domain.WrappedKey
	counting   bool
	pending    int
	lastActive time.Time
	disposed   bool
}

// New returns an uninitialized session.
func New(id, accountID string, rt Runtime) *Session {
	return &Session{id: id, accountID: accountID, rt: rt}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) AccountID() string { return s.accountID }

// Init binds the session to kb and props. Without a snapshot a fresh engine
// starts at base; with one the engine is restored using the recorded codec.
// Either way the pending-event counter is unset until the next snapshot.
func (s *Session) Init(kb *knowledge.KnowledgeBase, props domain.Properties, base time.Time, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.init(kb, props, base, snap)
}

func (s *Session) init(kb *knowledge.KnowledgeBase, props domain.Properties, base time.Time, snap *Snapshot) error {
	if kb == nil {
		return ErrNoKnowledgeBase
	}

	var (
		eng engine.Engine
		err error
	)
	if snap == nil {
		eng, err = kb.Template.NewEngine()
	} else {
		eng, err = kb.Template.Restore(snap.Codec, snap.State)
	}
	if err != nil {
		return fmt.Errorf("session.Session.Init(%s): %w", s.id, err)
	}

	if base.After(eng.Clock()) {
		if err := eng.AdvanceClock(base); err != nil {
			eng.Dispose()
			return fmt.Errorf("session.Session.Init(%s): %w", s.id, err)
		}
	}

	adapters := make([]*taskAdapter, 0, len(kb.Template.TaskNodes()))
	for _, name := range kb.Template.TaskNodes() {
		w, err := kb.Worker(name, props)
		if err != nil {
			eng.Dispose()
			return fmt.Errorf("session.Session.Init(%s): %w", s.id, err)
		}
		a := newTaskAdapter(s, name, w)
		eng.RegisterTaskHandler(name, a)
		adapters = append(adapters, a)
	}

	if s.eng != nil {
		s.eng.Dispose()
	}
	s.kb = kb
	s.props = props.Clone()
	s.eng = eng
	s.adapters = adapters
	s.counting = false
	s.pending = 0
	s.disposed = false
	return nil
}

// Accept applies one command: the clock moves to the command timestamp,
// due timed work fires, then the payload is dispatched to the engine.
func (s *Session) Accept(cmd *domain.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrSessionDisposed
	}
	if s.eng == nil {
		return ErrNotInitialized
	}

	if err := s.eng.AdvanceClock(cmd.Timestamp); err != nil {
		return fmt.Errorf("session.Session.Accept(%s): %w", s.id, err)
	}
	if err := s.eng.Fire(); err != nil {
		return fmt.Errorf("session.Session.Accept(%s): fire: %w", s.id, err)
	}

	var err error
	switch cmd.Kind {
	case domain.CommandInsert:
		facts := make([]engine.Fact, len(cmd.Facts))
		for i, f := range cmd.Facts {
			facts[i] = engine.Fact{Type: f.Type, Value: f.Value}
		}
		err = s.eng.Insert(facts...)
	case domain.CommandCompleteTask:
		err = s.completeTask(cmd.TaskID, cmd.Result)
	case domain.CommandAbortTask:
		err = s.eng.AbortTask(cmd.TaskID)
	case domain.CommandTaskFailed:
		err = s.eng.FailTask(cmd.TaskID, &engine.TaskError{TaskID: cmd.TaskID, Cause: cmd.Failure})
	case domain.CommandProfileChanged:
	}
	if errors.Is(err, engine.ErrUnknownTask) {
		log.Warn().Err(err).Str("session_id", s.id).Str("command", string(cmd.Kind)).Msg("task not pending")
		err = nil
	}
	if err != nil {
		return fmt.Errorf("session.Session.Accept(%s): %s: %w", s.id, cmd.Kind, err)
	}

	if s.counting {
		s.pending++
	}
	if cmd.Timestamp.After(s.lastActive) {
		s.lastActive = cmd.Timestamp
	}
	return nil
}

// completeTask projects result onto the task's declared outputs. A result
// that cannot be projected, or that the engine rejects, aborts the task.
func (s *Session) completeTask(id int64, result map[string]any) error {
	outputs, err := s.eng.TaskOutputs(id)
	if err != nil {
		return err
	}

	projected, err := project(result, outputs)
	if err == nil {
		err = s.eng.CompleteTask(id, projected)
		if err == nil {
			return nil
		}
	}

	log.Error().Err(err).Str("session_id", s.id).Int64("task_id", id).Msg("complete task failed, aborting")
	if aerr := s.eng.AbortTask(id); aerr != nil && !errors.Is(aerr, engine.ErrUnknownTask) {
		return aerr
	}
	return nil
}

// SnapshotBlob serializes the engine with the binary codec.
func (s *Session) SnapshotBlob() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.eng == nil {
		return nil, ErrNotInitialized
	}
	b, err := s.eng.Marshal(engine.CodecBinary)
	if err != nil {
		return nil, fmt.Errorf("session.Session.SnapshotBlob(%s): %w", s.id, err)
	}
	return b, nil
}

// HasChanged reports whether kb or props differ from what the session runs.
func (s *Session) HasChanged(kb *knowledge.KnowledgeBase, props domain.Properties) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !kb.Equal(s.kb) || !props.Equal(s.props)
}

// Update carries the engine state over to kb and props. State moves with the
// binary codec when the knowledge base is unchanged and with the portable
// codec across versions.
func (s *Session) Update(kb *knowledge.KnowledgeBase, props domain.Properties, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.eng == nil {
		return ErrNotInitialized
	}

	codec := engine.CodecPortable
	if kb.Equal(s.kb) {
		codec = engine.CodecBinary
	}
	state, err := s.eng.Marshal(codec)
	if err != nil {
		return fmt.Errorf("session.Session.Update(%s): %w", s.id, err)
	}

	log.Info().Str("session_id", s.id).Str("kb_id", kb.ID).Str("codec", string(codec)).Msg("updating session")
	return s.init(kb, props, ts, &Snapshot{Codec: codec, State: state})
}

// ShouldSnapshot decides whether cmd is followed by a snapshot: only inserts
// qualify, and only when the command is older than SnapshotAge, no snapshot
// was taken since Init, or SnapshotEvents events are pending. A positive
// decision resets the counter.
func (s *Session) ShouldSnapshot(cmd *domain.Command, now time.Time) bool {
	if cmd.Kind != domain.CommandInsert {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	store := cmd.Timestamp.Before(now.Add(-SnapshotAge)) || !s.counting || s.pending >= SnapshotEvents
	if store {
		s.counting = true
		s.pending = 0
	}
	return store
}

// SeedCompleted marks task ids resolved in the event log so replayed task
// starts are not executed again.
func (s *Session) SeedCompleted(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.adapters {
		for _, id := range ids {
			a.completed[id] = struct{}{}
		}
	}
}

// ClearCompleted forgets the ids seeded by SeedCompleted.
func (s *Session) ClearCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.adapters {
		clear(a.completed)
	}
}

// Touch records activity at t.
func (s *Session) Touch(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.lastActive) {
		s.lastActive = t
	}
}

// Idle reports whether the last activity is more than ttl before now.
func (s *Session) Idle(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive.Before(now.Add(-ttl))
}

func (s *Session) ProcessCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng == nil {
		return 0
	}
	return s.eng.ActiveProcesses()
}

func (s *Session) FactCount() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng == nil {
		return map[string]int64{}
	}
	return s.eng.FactCount()
}

func (s *Session) KnowledgeBase() *knowledge.KnowledgeBase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kb
}

func (s *Session) Properties() domain.Properties {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props.Clone()
}

// DataKey returns the plaintext data key and its wrapped form. The key is
// nil until the store assigns one.
func (s *Session) DataKey() ([]byte, domain.WrappedKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataKey, s.wrappedKey
}

func (s *Session) SetDataKey(plain []byte, wrapped domain.WrappedKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataKey = plain
	s.wrappedKey = wrapped
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ID:         s.id,
		AccountID:  s.accountID,
		LastActive: s.lastActive,
		FactCount:  map[string]int64{},
	}
	if s.kb != nil {
		st.KnowledgeBaseID = s.kb.ID
	}
	if s.eng != nil && !s.disposed {
		st.Clock = s.eng.Clock()
		st.ProcessCount = s.eng.ActiveProcesses()
		st.FactCount = s.eng.FactCount()
	}
	return st
}

// Dispose releases the engine. A disposed session rejects further commands.
func (s *Session) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng != nil {
		s.eng.Dispose()
	}
	s.disposed = true
	s.adapters = nil
}

func (s *Session) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}
