package llm

import (
	"context"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	contractx "github.com/garage52/autoservice-agent/agent/contract"
)

// Client implements contract.ModelClient over the OpenAI chat-completions
// API. The boundary is a pure request/response black box: messages and tool
// schemas in, a final answer or tool calls out.
type Client struct {
	api         openaisdk.Client
	model       string
	maxTokens   int64
	temperature float64
}

var _ contractx.ModelClient = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
	}
	if trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); trimmed != "" {
		opts = append(opts, option.WithBaseURL(trimmed))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &Client{
		api:         openaisdk.NewClient(opts...),
		model:       strings.TrimSpace(cfg.Model),
		maxTokens:   int64(cfg.MaxCompletionToken),
		temperature: float64(cfg.Temperature),
	}, nil
}

func (c *Client) Complete(ctx context.Context, messages []contractx.Message, tools []contractx.ToolInfo) (contractx.ModelResponse, error) {
	params := openaisdk.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    toParamMessages(messages),
		Temperature: openaisdk.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openaisdk.Int(c.maxTokens)
	}
	if len(tools) > 0 {
		params.Tools = toParamTools(tools)
	}

	completion, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return contractx.ModelResponse{}, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}
	if len(completion.Choices) == 0 {
		return contractx.ModelResponse{}, fmt.Errorf("%w: completion has no choices", contractx.ErrModelInvoke)
	}

	message := completion.Choices[0].Message
	if len(message.ToolCalls) > 0 {
		calls := make([]contractx.ToolCall, 0, len(message.ToolCalls))
		for _, call := range message.ToolCalls {
			calls = append(calls, contractx.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
		return contractx.ModelResponse{ToolCalls: calls}, nil
	}

	text := strings.TrimSpace(message.Content)
	if text == "" {
		return contractx.ModelResponse{}, fmt.Errorf("%w: completion is empty", contractx.ErrModelInvoke)
	}
	return contractx.ModelResponse{FinalText: text}, nil
}

func toParamMessages(messages []contractx.Message) []openaisdk.ChatCompletionMessageParamUnion {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case contractx.RoleSystem:
			out = append(out, openaisdk.SystemMessage(msg.Content))
		case contractx.RoleAssistant:
			out = append(out, assistantParam(msg))
		case contractx.RoleTool:
			out = append(out, openaisdk.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openaisdk.UserMessage(msg.Content))
		}
	}
	return out
}

func assistantParam(msg contractx.Message) openaisdk.ChatCompletionMessageParamUnion {
	if len(msg.ToolCalls) == 0 {
		return openaisdk.AssistantMessage(msg.Content)
	}

	calls := make([]openaisdk.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
	for _, call := range msg.ToolCalls {
		calls = append(calls, openaisdk.ChatCompletionMessageToolCallParam{
			ID: call.ID,
			Function: openaisdk.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}

	assistant := openaisdk.ChatCompletionAssistantMessageParam{
		ToolCalls: calls,
	}
	if msg.Content != "" {
		assistant.Content = openaisdk.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openaisdk.String(msg.Content),
		}
	}
	return openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func toParamTools(tools []contractx.ToolInfo) []openaisdk.ChatCompletionToolParam {
	out := make([]openaisdk.ChatCompletionToolParam, 0, len(tools))
	for _, info := range tools {
		out = append(out, openaisdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        info.Name,
				Description: openaisdk.String(info.Desc),
				Parameters:  shared.FunctionParameters(info.Params),
			},
		})
	}
	return out
}
