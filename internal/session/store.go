package session

import (
	"context"
	"fmt"

	"github.com/gosuda/salient/internal/domain"
	"github.com/gosuda/salient/internal/knowledge"
)

// Store persists sessions. Put runs inside the apply phase and must not
// block on I/O; Get rehydrates synchronously.
type Store interface {
	// Put records cmd, already accepted by s, at position batchIndex of its
	// batch, and snapshots s when its policy says so.
	Put(ctx context.Context, s *Session, cmd *domain.Command, batchIndex int) error
	// Get loads the session cmd addresses, or creates it. props are the
	// resolved properties of cmd; they are nil when cmd names no knowledge
	// base.
	Get(ctx context.Context, rt Runtime, cmd *domain.Command, props domain.Properties) (*Session, error)
	Shutdown(ctx context.Context) error
}

// KnowledgeBases resolves knowledge bases by id.
type KnowledgeBases interface {
	Get(ctx context.Context, id string) (*knowledge.KnowledgeBase, error)
}

// MemoryStore keeps nothing: every Get starts a fresh session.
type MemoryStore struct {
	kbs KnowledgeBases
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(kbs KnowledgeBases) *MemoryStore {
	return &MemoryStore{kbs: kbs}
}

func (m *MemoryStore) Put(context.Context, *Session, *domain.Command, int) error { return nil }

func (m *MemoryStore) Get(ctx context.Context, rt Runtime, cmd *domain.Command, props domain.Properties) (*Session, error) {
	if cmd.KnowledgeBaseID == "" {
		return nil, fmt.Errorf("session.MemoryStore.Get(%s): %w", cmd.SessionID, ErrNoKnowledgeBase)
	}
	kb, err := m.kbs.Get(ctx, cmd.KnowledgeBaseID)
	if err != nil {
		return nil, fmt.Errorf("session.MemoryStore.Get(%s): %w", cmd.SessionID, err)
	}

	s := New(cmd.SessionID, cmd.AccountID, rt)
	if err := s.Init(kb, props, cmd.Timestamp, nil); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *MemoryStore) Shutdown(context.Context) error { return nil }
