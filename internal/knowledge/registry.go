package knowledge

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/salient/internal/domain"
	"github.com/gosuda/salient/internal/engine/flow"
)

// Repository resolves knowledge bases from remote module repositories.
type Repository interface {
	Resolve(ctx context.Context, id string, remotes []domain.Remote) (*KnowledgeBase, error)
}

// Registry is an in-process module repository. Modules are registered under
// the id of the remote that publishes them.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]map[string]*KnowledgeBase // remote id -> kb id
}

var _ Repository = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]map[string]*KnowledgeBase),
	}
}

// Register publishes kb on the given remote.
func (r *Registry) Register(remoteID string, kb *KnowledgeBase) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.modules[remoteID] == nil {
		r.modules[remoteID] = make(map[string]*KnowledgeBase)
	}
	r.modules[remoteID][kb.ID] = kb
}

// RegisterFlow compiles a YAML flow module and publishes it on remoteID
// under its versioned id.
func (r *Registry) RegisterFlow(remoteID string, src []byte, workers map[string]WorkerFactory) (*KnowledgeBase, error) {
	def, err := flow.ParseBytes(src)
	if err != nil {
		return nil, fmt.Errorf("knowledge.Registry.RegisterFlow: %w", err)
	}
	tpl, err := flow.Compile(def)
	if err != nil {
		return nil, fmt.Errorf("knowledge.Registry.RegisterFlow(%q): %w", def.ID(), err)
	}

	kb := New(tpl.ID(), tpl, workers)
	r.Register(remoteID, kb)
	return kb, nil
}

// LoadDir registers every *.yaml and *.yml flow module in dir on remoteID.
func (r *Registry) LoadDir(remoteID, dir string, workers map[string]WorkerFactory) (int, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return 0, fmt.Errorf("knowledge.Registry.LoadDir: %w", err)
		}
		files = append(files, matches...)
	}
	slices.Sort(files)

	for _, path := range files {
		src, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("knowledge.Registry.LoadDir: %w", err)
		}
		kb, err := r.RegisterFlow(remoteID, src, workers)
		if err != nil {
			return 0, fmt.Errorf("knowledge.Registry.LoadDir(%s): %w", filepath.Base(path), err)
		}
		log.Info().Str("kb_id", kb.ID).Str("remote", remoteID).Msg("registered flow module")
	}
	return len(files), nil
}

// Resolve returns the first module registered under id on the given
// remotes, in order.
func (r *Registry) Resolve(_ context.Context, id string, remotes []domain.Remote) (*KnowledgeBase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, remote := range remotes {
		if kb, ok := r.modules[remote.ID][id]; ok {
			return kb, nil
		}
	}
	return nil, fmt.Errorf("knowledge.Registry.Resolve(%q): %w", id, ErrUnresolvable)
}

// Available returns the module ids published on a remote in sorted order.
func (r *Registry) Available(remoteID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.modules[remoteID]))
}
