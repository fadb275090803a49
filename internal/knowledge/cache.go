package knowledge

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/gosuda/salient/internal/domain"
)

// RemoteSource lists the remote repositories knowledge bases are resolved
// from, in lookup order.
type RemoteSource interface {
	Remotes(ctx context.Context) ([]domain.Remote, error)
}

// Cache memoizes knowledge bases for the process lifetime. Concurrent misses
// for one id share a single repository lookup.
type Cache struct {
	repo    Repository
	remotes RemoteSource

	mu    sync.RWMutex
	bases map[string]*KnowledgeBase
	group singleflight.Group
}

func NewCache(repo Repository, remotes RemoteSource) *Cache {
	return &Cache{
		repo:    repo,
		remotes: remotes,
		bases:   make(map[string]*KnowledgeBase),
	}
}

// Get returns the knowledge base for id, resolving it on first use.
func (c *Cache) Get(ctx context.Context, id string) (*KnowledgeBase, error) {
	c.mu.RLock()
	kb, ok := c.bases[id]
	c.mu.RUnlock()
	if ok {
		return kb, nil
	}

	// The shared lookup outlives any one caller's cancellation.
	ctx = context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(id, func() (any, error) {
		c.mu.RLock()
		kb, ok := c.bases[id]
		c.mu.RUnlock()
		if ok {
			return kb, nil
		}

		remotes, err := c.resolveRemotes(ctx)
		if err != nil {
			return nil, err
		}
		kb, err = c.repo.Resolve(ctx, id, remotes)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.bases[id] = kb
		c.mu.Unlock()

		log.Info().Str("kb_id", id).Msg("knowledge base loaded")
		return kb, nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge.Cache.Get(%q): %w", id, err)
	}
	return v.(*KnowledgeBase), nil
}

// Len returns the number of cached knowledge bases.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bases)
}

func (c *Cache) resolveRemotes(ctx context.Context) ([]domain.Remote, error) {
	if c.remotes == nil {
		return []domain.Remote{domain.DefaultRemote}, nil
	}
	remotes, err := c.remotes.Remotes(ctx)
	if err != nil {
		return nil, err
	}
	return withDefault(remotes), nil
}

// withDefault puts the default remote first unless remotes already
// overrides it by id.
func withDefault(remotes []domain.Remote) []domain.Remote {
	for _, r := range remotes {
		if r.ID == domain.DefaultRemote.ID {
			return remotes
		}
	}
	return append([]domain.Remote{domain.DefaultRemote}, remotes...)
}
