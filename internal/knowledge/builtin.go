package knowledge

import (
	"context"
	"embed"
	"fmt"

	"github.com/gosuda/salient/internal/domain"
	"github.com/gosuda/salient/internal/engine"
)

//go:embed modules/*.yaml
var builtinModules embed.FS

// FunctionWorker completes every task it is given with {"success": true}.
// It backs the Function task node of the built-in chat module.
func FunctionWorker() Worker {
	return WorkerFunc(func(ctx context.Context, _ engine.Task, m TaskManager) error {
		return m.Complete(ctx, map[string]any{"success": true})
	})
}

// BuiltinWorkers are the workers available to every flow module.
func BuiltinWorkers() map[string]WorkerFactory {
	return map[string]WorkerFactory{
		"Function": Static(FunctionWorker()),
	}
}

// RegisterBuiltins publishes the modules embedded in the binary on the
// default remote.
func RegisterBuiltins(r *Registry) error {
	entries, err := builtinModules.ReadDir("modules")
	if err != nil {
		return fmt.Errorf("knowledge.RegisterBuiltins: %w", err)
	}
	for _, e := range entries {
		src, err := builtinModules.ReadFile("modules/" + e.Name())
		if err != nil {
			return fmt.Errorf("knowledge.RegisterBuiltins: %w", err)
		}
		if _, err := r.RegisterFlow(domain.DefaultRemote.ID, src, BuiltinWorkers()); err != nil {
			return fmt.Errorf("knowledge.RegisterBuiltins: %w", err)
		}
	}
	return nil
}
