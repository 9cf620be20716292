package llm

// Turn is a single entry in a conversation history. Exactly one of the
// variant-specific fields is meaningful at a time; which one is determined
// by Role.
//
//   - RoleUser: Text holds the utterance.
//   - RoleAssistant: either Text is set (a final reply) or ToolCalls is
//     non-empty (the model chose to invoke tools) — never both.
//   - RoleTool: ToolUseID names the assistant ToolCall this responds to,
//     Content carries the result or error text.
//   - RoleSystem: Text holds the fixed directive. Valid only as history[0].
type Turn struct {
	Role      Role
	Text      string
	ToolCalls []ToolCallRequest

	ToolUseID string
	ToolName  string
	Content   string
}

// Role enumerates the conversation-turn roles understood by the conductor
// and every concrete provider.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// UserTurn builds a user-role Turn.
func UserTurn(text string) Turn { return Turn{Role: RoleUser, Text: text} }

// AssistantTextTurn builds an assistant-role Turn carrying final text.
func AssistantTextTurn(text string) Turn { return Turn{Role: RoleAssistant, Text: text} }

// AssistantToolCallsTurn builds an assistant-role Turn carrying tool requests.
func AssistantToolCallsTurn(calls []ToolCallRequest) Turn {
	return Turn{Role: RoleAssistant, ToolCalls: calls}
}

// ToolResultTurn builds a tool-role Turn correlated to toolUseID.
func ToolResultTurn(toolUseID, toolName, content string) Turn {
	return Turn{Role: RoleTool, ToolUseID: toolUseID, ToolName: toolName, Content: content}
}

// SystemTurn builds a system-role Turn.
func SystemTurn(text string) Turn { return Turn{Role: RoleSystem, Text: text} }

// ToolCallRequest is a single tool invocation requested by the model.
// ID is provider-assigned and must be echoed back in the matching
// [ToolResultTurn] so the provider can correlate history entries.
type ToolCallRequest struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolDefinition describes a tool offered to the model. InputSchema is a
// JSON-schema-shaped object restricted to {type, properties, required}.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ModelCapabilities describes static metadata about a provider's backing model.
type ModelCapabilities struct {
	ContextWindow       int
	MaxOutputTokens     int
	SupportsToolCalling bool
	SupportsStreaming   bool
}
