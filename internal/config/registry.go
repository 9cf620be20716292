package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/voicestack/conductor/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested selector.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider selector strings to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]func(ProviderEntry) (llm.ModelProvider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		builders: make(map[string]func(ProviderEntry) (llm.ModelProvider, error)),
	}
}

// Register registers a ModelProvider factory under selector. Subsequent
// calls with the same selector overwrite the previous registration.
func (r *Registry) Register(selector string, factory func(ProviderEntry) (llm.ModelProvider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[selector] = factory
}

// Create instantiates a ModelProvider using the factory registered under
// entry.Selector's family (the part before a ":", for selectors like
// "anyllm:openrouter"). The full entry, including the unsplit Selector, is
// passed to the factory so it can recover the backend suffix itself.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that family.
func (r *Registry) Create(entry ProviderEntry) (llm.ModelProvider, error) {
	family, _, _ := strings.Cut(entry.Selector, ":")

	r.mu.RLock()
	factory, ok := r.builders[family]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, entry.Selector)
	}
	return factory(entry)
}
