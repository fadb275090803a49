package eventlog

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gosuda/salient/internal/domain"
)

// MemoryEvents is an in-process event table.
type MemoryEvents struct {
	mu     sync.RWMutex
	events map[string][]*domain.EventRecord // sorted by key
}

var _ domain.EventRepository = (*MemoryEvents)(nil)

func NewMemoryEvents() *MemoryEvents {
	return &MemoryEvents{events: make(map[string][]*domain.EventRecord)}
}

func (m *MemoryEvents) PutEvents(_ context.Context, records []*domain.EventRecord) ([]*domain.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		list := m.events[r.SessionID]
		i, found := slices.BinarySearchFunc(list, r.Key, func(e *domain.EventRecord, key int64) int {
			return cmp.Compare(e.Key, key)
		})
		if found {
			list[i] = r
			continue
		}
		m.events[r.SessionID] = slices.Insert(list, i, r)
	}
	return nil, nil
}

func (m *MemoryEvents) ListAfter(_ context.Context, sessionID string, after int64, limit int) ([]*domain.EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.events[sessionID]
	i, found := slices.BinarySearchFunc(list, after, func(e *domain.EventRecord, key int64) int {
		return cmp.Compare(e.Key, key)
	})
	if found {
		i++
	}
	end := min(i+limit, len(list))
	return slices.Clone(list[i:end]), nil
}

// Len returns the number of stored events of a session.
func (m *MemoryEvents) Len(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events[sessionID])
}

// MemorySnapshots is an in-process snapshot table keeping the latest
// snapshot per session.
type MemorySnapshots struct {
	mu        sync.RWMutex
	snapshots map[string]*domain.SnapshotRecord
}

var _ domain.SnapshotRepository = (*MemorySnapshots)(nil)

func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{snapshots: make(map[string]*domain.SnapshotRecord)}
}

func (m *MemorySnapshots) PutSnapshots(_ context.Context, records []*domain.SnapshotRecord) ([]*domain.SnapshotRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		if cur, ok := m.snapshots[r.SessionID]; ok && cur.Key > r.Key {
			continue
		}
		m.snapshots[r.SessionID] = r
	}
	return nil, nil
}

func (m *MemorySnapshots) Latest(_ context.Context, sessionID string) (*domain.SnapshotRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.snapshots[sessionID]
	if !ok {
		return nil, fmt.Errorf("eventlog.MemorySnapshots.Latest(%s): %w", sessionID, domain.ErrNotFound)
	}
	return r, nil
}
