package resilience

import (
	"context"

	"github.com/voicestack/conductor/pkg/provider/llm"
)

// LLMFallback implements [llm.ModelProvider] with automatic failover across
// multiple backends. Each backend has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.ModelProvider]
}

var _ llm.ModelProvider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.ModelProvider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional model provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.ModelProvider) {
	f.group.AddFallback(name, provider)
}

// Generate sends req to the first healthy provider. If the primary fails or
// its circuit is open, subsequent fallbacks are tried in registration order.
func (f *LLMFallback) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return ExecuteWithResult(f.group, func(p llm.ModelProvider) (*llm.Response, error) {
		return p.Generate(ctx, req)
	})
}

// Capabilities returns the capabilities of the primary entry. This does not
// participate in failover since capabilities are static metadata.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Capabilities()
	}
	return llm.ModelCapabilities{}
}
