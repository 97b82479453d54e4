package commands

import (
	"sync"

	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
)

// Builder encodes a command request of a specific type into an
// access-layer payload.
type Builder interface {
	Build(req *domain.CommandRequest) ([]byte, error)
	CommandType() string
}

// Registry maps command types to their payload builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// DefaultRegistry returns a Registry with every built-in builder registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(OnOffBuilder{})
	r.Register(LevelBuilder{})
	r.Register(LightnessBuilder{})
	r.Register(ColorTemperatureBuilder{})
	r.Register(SceneRecallBuilder{})
	return r
}

// Register adds a builder. Safe to call concurrently.
func (r *Registry) Register(b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[b.CommandType()] = b
}

// Get returns the builder for the given command type.
// Returns UnknownCommandTypeError if not registered.
func (r *Registry) Get(commandType string) (Builder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[commandType]
	if !ok {
		return nil, &domain.UnknownCommandTypeError{CommandType: commandType}
	}
	return b, nil
}

// Build is a convenience that looks up the builder for req.Type and
// encodes the payload.
func (r *Registry) Build(req *domain.CommandRequest) ([]byte, error) {
	b, err := r.Get(req.Type)
	if err != nil {
		return nil, err
	}
	return b.Build(req)
}
