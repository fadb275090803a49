// Package knowledge loads and caches knowledge bases: a compiled engine
// template plus the task workers its task nodes are resolved against.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/gosuda/salient/internal/domain"
	"github.com/gosuda/salient/internal/engine"
)

//nolint:gochecknoglobals // sentinel errors
var (
	// ErrUnresolvable is returned when no remote provides a knowledge base.
	ErrUnresolvable  = errors.New("knowledge: unresolvable knowledge base")
	ErrUnknownWorker = errors.New("knowledge: unknown task worker")
)

// TaskManager lets a worker report the outcome of its task. Each method
// re-enters command dispatch for the owning session.
type TaskManager interface {
	Complete(ctx context.Context, result map[string]any) error
	Fail(ctx context.Context, cause error) error
}

// Worker performs the external side effect of one task. A returned error is
// reported as a task failure when the worker has not reported already.
type Worker interface {
	ExecuteTask(ctx context.Context, task engine.Task, m TaskManager) error
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, task engine.Task, m TaskManager) error

func (f WorkerFunc) ExecuteTask(ctx context.Context, task engine.Task, m TaskManager) error {
	return f(ctx, task, m)
}

// WorkerFactory builds a worker for a session from its resolved properties.
type WorkerFactory func(props domain.Properties) (Worker, error)

// Static returns a factory that always hands out w.
func Static(w Worker) WorkerFactory {
	return func(domain.Properties) (Worker, error) { return w, nil }
}

// KnowledgeBase is immutable once built.
type KnowledgeBase struct {
	ID       string
	Template engine.Template
	workers  map[string]WorkerFactory
}

// New builds a knowledge base. workers is copied.
func New(id string, tpl engine.Template, workers map[string]WorkerFactory) *KnowledgeBase {
	return &KnowledgeBase{
		ID:       id,
		Template: tpl,
		workers:  maps.Clone(workers),
	}
}

// Equal reports whether kb and o denote the same versioned knowledge base.
func (kb *KnowledgeBase) Equal(o *KnowledgeBase) bool {
	if kb == nil || o == nil {
		return kb == o
	}
	return kb.ID == o.ID
}

// Worker resolves the handler of a task node by name.
func (kb *KnowledgeBase) Worker(name string, props domain.Properties) (Worker, error) {
	factory, ok := kb.workers[name]
	if !ok {
		return nil, fmt.Errorf("knowledge.KnowledgeBase.Worker(%q): %w", name, ErrUnknownWorker)
	}
	w, err := factory(props)
	if err != nil {
		return nil, fmt.Errorf("knowledge.KnowledgeBase.Worker(%q): %w", name, err)
	}
	return w, nil
}

// Workers returns the registered worker names in sorted order.
func (kb *KnowledgeBase) Workers() []string {
	return slices.Sorted(maps.Keys(kb.workers))
}
