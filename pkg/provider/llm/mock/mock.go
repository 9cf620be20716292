// Package mock provides a test double for the llm.ModelProvider interface.
//
// Use Provider in unit tests to verify that the conductor sends correct
// requests and to feed controlled responses without a live LLM backend.
// Queue multiple responses via Responses to drive a multi-round tool-use
// loop; each call to Generate pops the next one.
package mock

import (
	"context"
	"sync"

	"github.com/voicestack/conductor/pkg/provider/llm"
)

// Call records a single invocation of Generate.
type Call struct {
	Ctx context.Context
	Req llm.Request
}

// Provider is a mock implementation of llm.ModelProvider. Safe for
// concurrent use. Queue zero or more Responses; if the queue is exhausted,
// Generate returns Err (or a zero Response if Err is also nil).
type Provider struct {
	mu sync.Mutex

	// Responses is popped in order by Generate, one per call.
	Responses []*llm.Response

	// Err, if non-nil, is returned once Responses is exhausted.
	Err error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// Calls records every invocation of Generate in order.
	Calls []Call
}

// Generate records the call and pops the next queued response.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Calls = append(p.Calls, Call{Ctx: ctx, Req: req})

	if len(p.Responses) == 0 {
		if p.Err != nil {
			return nil, p.Err
		}
		return &llm.Response{}, nil
	}
	resp := p.Responses[0]
	p.Responses = p.Responses[1:]
	return resp, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Reset clears recorded calls and the response queue.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.Responses = nil
}

// ChunksOf builds a Chunks channel from the given fragments, useful when
// constructing a queued [llm.Response] in a test.
func ChunksOf(fragments ...string) <-chan string {
	ch := make(chan string, len(fragments))
	for _, f := range fragments {
		ch <- f
	}
	close(ch)
	return ch
}

var _ llm.ModelProvider = (*Provider)(nil)
