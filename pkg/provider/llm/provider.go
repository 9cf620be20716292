// Package llm defines the ModelProvider abstraction over any large-language-
// model backend capable of the conductor's tool-use conversation grammar.
//
// A ModelProvider wraps a remote model API (Anthropic Claude, OpenAI chat
// completions, or a vendor-agnostic multi-backend client) and exposes a
// single uniform operation: turn a conversation history plus a set of tool
// definitions into either a streamed text reply or a set of requested tool
// calls. The conductor never imports a concrete provider package — only this
// interface.
//
// Implementations must be safe for concurrent use; a single instance is
// shared across every session the process serves.
package llm

import "context"

// Request carries everything a provider needs to produce one response.
type Request struct {
	// History is the ordered conversation so far, oldest first. A leading
	// RoleSystem turn, if present, is the fixed system directive.
	History []Turn

	// Tools is the set of tool definitions offered to the model. Empty means
	// the model may only respond with text.
	Tools []ToolDefinition

	// MaxTokens caps completion length. Zero means use the provider default.
	MaxTokens int
}

// Response is what a provider returns for one [Request]. Exactly one of
// {FullText non-empty, ToolCalls non-empty} is populated per the contract
// in the package doc — a response is either a text reply or a tool-use
// request, never a mix.
type Response struct {
	// FullText is the complete assistant reply. Empty when ToolCalls is set.
	FullText string

	// Chunks is a lazy, finite sequence of cumulative prefixes of the reply:
	// each value holds all the text so far, not just the newest fragment, so
	// the last value is the whole reply. May be empty even when FullText is
	// non-empty, in which case callers should fall back to FullText directly.
	Chunks <-chan string

	// ToolCalls lists the tool invocations the model chose to make, in order.
	ToolCalls []ToolCallRequest
}

// ModelProvider is the abstraction every conversation backend implements.
type ModelProvider interface {
	// Generate sends req to the model and returns its response. ctx governs
	// the provider's own network timeout; Generate should return promptly
	// when ctx is cancelled.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Capabilities returns static metadata about the backing model. The
	// result is assumed constant for the provider's lifetime.
	Capabilities() ModelCapabilities
}
