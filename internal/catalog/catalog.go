// Package catalog declares the static set of tools offered to the LLM on
// every conductor turn. Tools are declarations only: the conductor never
// executes one itself — execution happens entirely on the client, which
// owns the actual agent runtime these tools front.
package catalog

import "github.com/voicestack/conductor/pkg/provider/llm"

// SystemDirective is the fixed system-role instruction prepended to every
// conversation history.
const SystemDirective = "When the user asks you to work on code, create a PR, analyze a repository, or run any coding task, use agent.spawn. " +
	"By default set autoCreatePr and autoBranch to false unless the user explicitly asks. " +
	"Confirm the repository when unspecified; call repositories.list first if you don't know it."

// Tools returns the canonical agent-tool catalog offered to the model.
// The returned slice is a fresh copy; callers may freely mutate it.
func Tools() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, len(catalog))
	copy(defs, catalog)
	return defs
}

var catalog = []llm.ToolDefinition{
	{
		Name:        "agent.spawn",
		Description: "Launch a new coding agent against a repository or pull request, given a task prompt.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt":       map[string]any{"type": "string", "description": "Instructions for the agent."},
				"repository":   map[string]any{"type": "string", "description": "Owner/name of the target repository."},
				"autoCreatePr": map[string]any{"type": "boolean", "description": "Open a pull request automatically when the agent finishes."},
				"autoBranch":   map[string]any{"type": "boolean", "description": "Create a new branch automatically rather than committing to the default branch."},
			},
			"required": []any{"prompt"},
		},
	},
	{
		Name:        "agent.status",
		Description: "Query the current status of a previously spawned agent.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"id": map[string]any{"type": "string", "description": "Agent identifier returned by agent.spawn."}},
			"required":   []any{"id"},
		},
	},
	{
		Name:        "agent.cancel",
		Description: "Stop a running agent.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"id": map[string]any{"type": "string", "description": "Agent identifier."}},
			"required":   []any{"id"},
		},
	},
	{
		Name:        "agent.followup",
		Description: "Append follow-up instructions to a running agent.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":     map[string]any{"type": "string", "description": "Agent identifier."},
				"prompt": map[string]any{"type": "string", "description": "Additional instructions."},
			},
			"required": []any{"id", "prompt"},
		},
	},
	{
		Name:        "agent.list",
		Description: "List recently spawned agents and their statuses.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "repositories.list",
		Description: "List repositories the user has connected, to disambiguate names before agent.spawn.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
}
