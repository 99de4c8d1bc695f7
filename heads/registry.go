package heads

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/seg-lab/go-maskhead/events"
)

// Factory constructs a head variant from its configuration and the shape of
// the incoming region features.
type Factory func(cfg Config, shape ShapeSpec, storage *events.Storage) (Head, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a head factory under a unique name. Called from package
// init functions at startup; registering the same name twice is a
// programming error and is rejected.
//
// Arguments:
//   - name: The configuration name of the variant.
//   - f: The factory building it.
//
// Returns:
//   - error: An error when the name is empty, the factory nil, or the name taken.
func Register(name string, f Factory) error {
	if name == "" {
		return errors.New("registry: empty head name")
	}
	if f == nil {
		return errors.Errorf("registry: nil factory for %q", name)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		return errors.Errorf("registry: head %q already registered", name)
	}
	registry[name] = f
	return nil
}

// Build looks up cfg.Name and constructs the head. Queried once at
// model-build time; no dynamic dispatch happens per forward call.
//
// Arguments:
//   - cfg: The head configuration, including the variant name.
//   - shape: The region feature shape feeding the head.
//   - storage: The metrics sink the head publishes to.
//
// Returns:
//   - Head: The constructed head.
//   - error: An error for unknown names or failed construction.
func Build(cfg Config, shape ShapeSpec, storage *events.Storage) (Head, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("registry: unknown head %q", cfg.Name)
	}
	return f(cfg, shape, storage)
}

// Registered returns the names of all registered head variants.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
