package contract

import "context"

// ModelClient is the chat-completion boundary. It receives the full message
// history plus the tool schemas and returns either a final answer or a set
// of tool calls to execute.
type ModelClient interface {
	Complete(ctx context.Context, messages []Message, tools []ToolInfo) (ModelResponse, error)
}
