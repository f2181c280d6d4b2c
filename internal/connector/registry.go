package connector

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/krawall/krawall/connector-runtime/internal/config"
	"github.com/krawall/krawall/connector-runtime/pkg/contracts"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

// Deps carries the shared collaborators a factory may need.
type Deps struct {
	KV        contracts.KV
	Bus       contracts.Bus
	Discovery contracts.DiscoveryService
	Timeouts  config.TimeoutConfig
	Namespace string
}

// Factory builds a connector for one target.
type Factory func(target *models.Target, deps Deps) (contracts.Connector, error)

// Registry maps connector kinds to factories. The built-in set is
// registered lazily on first Create, so construction stays cheap and
// hosts can pre-register overrides.
type Registry struct {
	mu        sync.Mutex
	factories map[models.ConnectorKind]Factory
	deps      Deps

	builtins     func(*Registry)
	builtinsOnce sync.Once
}

// NewRegistry creates a registry. builtins, if non-nil, is invoked once
// before the first Create to register the default factory set.
func NewRegistry(deps Deps, builtins func(*Registry)) *Registry {
	return &Registry{
		factories: make(map[models.ConnectorKind]Factory),
		deps:      deps,
		builtins:  builtins,
	}
}

// Register adds a factory for a kind. Registering a kind twice overwrites
// the previous factory with a warning.
func (r *Registry) Register(kind models.ConnectorKind, f Factory) {
	r.mu.Lock()
	_, existed := r.factories[kind]
	r.factories[kind] = f
	r.mu.Unlock()
	if existed {
		log.Warn().Str("kind", string(kind)).Msg("connector factory overwritten")
	} else {
		log.Info().Str("kind", string(kind)).Msg("connector factory registered")
	}
}

// Create instantiates a new connector for the target's kind.
func (r *Registry) Create(target *models.Target) (contracts.Connector, error) {
	r.ensureBuiltins()

	r.mu.Lock()
	f, ok := r.factories[target.Kind]
	r.mu.Unlock()
	if !ok {
		return nil, &UnknownKindError{Kind: string(target.Kind), Available: r.Kinds()}
	}
	return f(target, r.deps)
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.ensureBuiltins()

	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Registry) ensureBuiltins() {
	r.builtinsOnce.Do(func() {
		if r.builtins != nil {
			r.builtins(r)
		}
	})
}
