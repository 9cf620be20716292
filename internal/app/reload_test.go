package app

import (
	"context"
	"testing"

	"github.com/voicestack/conductor/pkg/provider/llm"
)

type fixedProvider struct {
	text string
	caps llm.ModelCapabilities
}

func (f *fixedProvider) Generate(_ context.Context, _ llm.Request) (*llm.Response, error) {
	return &llm.Response{FullText: f.text}, nil
}
func (f *fixedProvider) Capabilities() llm.ModelCapabilities { return f.caps }

func TestReloadableProviderSwap(t *testing.T) {
	r := newReloadableProvider(&fixedProvider{text: "first"})

	resp, err := r.Generate(context.Background(), llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.FullText != "first" {
		t.Fatalf("expected %q, got %q", "first", resp.FullText)
	}

	r.Swap(&fixedProvider{text: "second"})

	resp, err = r.Generate(context.Background(), llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.FullText != "second" {
		t.Fatalf("expected %q after swap, got %q", "second", resp.FullText)
	}
}

func TestReloadableProviderCapabilitiesReflectsCurrent(t *testing.T) {
	r := newReloadableProvider(&fixedProvider{caps: llm.ModelCapabilities{ContextWindow: 1}})
	r.Swap(&fixedProvider{caps: llm.ModelCapabilities{ContextWindow: 2}})

	if got := r.Capabilities().ContextWindow; got != 2 {
		t.Fatalf("expected capabilities from swapped provider, got %d", got)
	}
}
