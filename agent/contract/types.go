package contract

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a thread's append-only history.
// A tool message carries ToolCallID, correlating it with the assistant
// message whose ToolCall requested it.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a structured request from the model to invoke a named tool.
// Arguments holds the raw JSON object produced by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ModelResponse is the tagged outcome of one model invocation:
// either FinalText is set, or ToolCalls is non-empty. Never both.
type ModelResponse struct {
	FinalText string     `json:"final_text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// IsToolCall reports whether the model asked for tools instead of answering.
func (r ModelResponse) IsToolCall() bool {
	return len(r.ToolCalls) > 0
}

// ToolInfo describes one callable surfaced to the model boundary.
// Params is a JSON-schema object for the tool arguments.
type ToolInfo struct {
	Name   string         `json:"name"`
	Desc   string         `json:"description"`
	Params map[string]any `json:"parameters"`
}

// ToolResult is the outcome of executing one tool call. Failures are
// reported inside Content so the model can recover conversationally.
type ToolResult struct {
	Tool    string `json:"tool"`
	Content string `json:"content"`
}
