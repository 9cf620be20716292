package app

import (
	"context"
	"sync/atomic"

	"github.com/voicestack/conductor/pkg/provider/llm"
)

// reloadableProvider lets the active [llm.ModelProvider] be swapped while
// the conductor is running, so a config reload (see [config.Watcher]) can
// pick up a new provider selector without restarting in-flight sessions.
// Swap is safe for concurrent use with Generate/Capabilities.
type reloadableProvider struct {
	current atomic.Pointer[llm.ModelProvider]
}

func newReloadableProvider(p llm.ModelProvider) *reloadableProvider {
	r := &reloadableProvider{}
	r.current.Store(&p)
	return r
}

func (r *reloadableProvider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return (*r.current.Load()).Generate(ctx, req)
}

func (r *reloadableProvider) Capabilities() llm.ModelCapabilities {
	return (*r.current.Load()).Capabilities()
}

// Swap replaces the delegate provider atomically.
func (r *reloadableProvider) Swap(p llm.ModelProvider) {
	r.current.Store(&p)
}
