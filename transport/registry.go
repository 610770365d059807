package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/qz267/smockron/internal/runtime/errors"
)

// Registry maintains a mapping of connection-string schemes to their builders
// and capabilities. Transport packages register themselves using Register.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new transport registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a transport builder to the registry.
// The scheme should match the connection string prefix (e.g. "nats", "amqp").
func (r *Registry) Register(scheme string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[scheme] = builder
}

// RegisterWithCapabilities adds a transport builder and its capabilities to the registry.
func (r *Registry) RegisterWithCapabilities(scheme string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[scheme] = builder
	r.capabilities[scheme] = caps
}

// GetCapabilities returns the capabilities for a registered scheme.
func (r *Registry) GetCapabilities(scheme string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[scheme]; ok {
		return caps
	}
	return Capabilities{Name: scheme}
}

// Build creates a transport using the builder registered for target.Scheme.
func (r *Registry) Build(ctx context.Context, target Target, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errspkg.ErrConfigRequired
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	r.mu.RLock()
	builder, ok := r.builders[target.Scheme]
	r.mu.RUnlock()

	if !ok {
		return Transport{}, fmt.Errorf("%w: %q (registered: %v)", errspkg.ErrUnknownTransport, target.Scheme, r.Names())
	}

	t, err := builder(ctx, target, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build %s transport: %w", target.Scheme, err)
	}
	return t, nil
}

// Names returns the registered schemes in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if a transport is registered for the scheme.
func (r *Registry) Has(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[scheme]
	return ok
}

// Register adds a transport builder to the default registry.
func Register(scheme string, builder Builder) {
	DefaultRegistry.Register(scheme, builder)
}

// RegisterWithCapabilities adds a transport builder and its capabilities to the default registry.
func RegisterWithCapabilities(scheme string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(scheme, builder, caps)
}

// Build creates a transport using the default registry.
func Build(ctx context.Context, target Target, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, target, cfg, logger)
}
