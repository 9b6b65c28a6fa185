package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	contractx "github.com/garage52/autoservice-agent/agent/contract"
	statex "github.com/garage52/autoservice-agent/agent/state"
	toolx "github.com/garage52/autoservice-agent/agent/tool"
)

var (
	ErrInvalidThread  = errors.New("thread id is empty")
	ErrInvalidMessage = errors.New("user message is empty")
)

// DefaultMaxToolRounds bounds the model→tool cycle within one user turn.
const DefaultMaxToolRounds = 4

type Config struct {
	// MaxToolRounds overrides DefaultMaxToolRounds when positive.
	MaxToolRounds int
}

// Assistant drives the reason→act→observe cycle for one user turn: load the
// thread history, query the model, execute requested tools, and commit the
// whole turn to the store in a single atomic append.
type Assistant struct {
	store    statex.Store
	model    contractx.ModelClient
	tools    []contractx.ToolInfo
	executor toolx.Executor

	systemPrompt  string
	maxToolRounds int
}

func New(
	store statex.Store,
	model contractx.ModelClient,
	tools []contractx.ToolInfo,
	executor toolx.Executor,
	systemPrompt string,
	cfg Config,
) (*Assistant, error) {
	if store == nil {
		return nil, errors.New("conversation store is required")
	}
	if model == nil {
		return nil, errors.New("model client is required")
	}
	if executor == nil {
		return nil, errors.New("tool executor is required")
	}

	maxToolRounds := cfg.MaxToolRounds
	if maxToolRounds <= 0 {
		maxToolRounds = DefaultMaxToolRounds
	}

	return &Assistant{
		store:         store,
		model:         model,
		tools:         tools,
		executor:      executor,
		systemPrompt:  strings.TrimSpace(systemPrompt),
		maxToolRounds: maxToolRounds,
	}, nil
}

// turnState enumerates the loop's states. Only two branch types exist at the
// model boundary (final answer or tool call), so the cycle is a plain
// transition switch rather than a node graph.
type turnState int

const (
	stateAwaitingModel turnState = iota
	stateInvokingTool
	stateEmittingFinal
)

// turn is the in-memory working set of one user turn. Nothing here touches
// the store until the final commit.
type turn struct {
	conversation []contractx.Message // full history + this turn, model-visible
	delta        []contractx.Message // this turn only, committed at the end
	pendingCalls []contractx.ToolCall
	gathered     []contractx.ToolResult
	rounds       int
	finalText    string
}

func (t *turn) push(msg contractx.Message) {
	t.conversation = append(t.conversation, msg)
	t.delta = append(t.delta, msg)
}

// HandleTurn processes one user message and returns the final answer. The
// turn commits atomically: either the user message plus every assistant and
// tool message of the turn is persisted, or nothing is. Model or persistence
// failures therefore leave the committed history exactly as it was, and the
// caller may simply retry the turn.
func (a *Assistant) HandleTurn(ctx context.Context, threadID string, userText string) (string, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return "", ErrInvalidThread
	}
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return "", ErrInvalidMessage
	}

	history, err := a.store.Load(ctx, threadID)
	if err != nil {
		return "", err
	}

	t := &turn{
		conversation: append([]contractx.Message{}, history...),
	}
	t.push(contractx.Message{Role: contractx.RoleUser, Content: userText})

	state := stateAwaitingModel
	for {
		switch state {
		case stateAwaitingModel:
			state, err = a.awaitModel(ctx, t)
			if err != nil {
				return "", err
			}
		case stateInvokingTool:
			state = a.invokeTools(ctx, t)
		case stateEmittingFinal:
			t.push(contractx.Message{Role: contractx.RoleAssistant, Content: t.finalText})
			if err := a.store.Append(ctx, threadID, t.delta...); err != nil {
				return "", err
			}
			return t.finalText, nil
		}
	}
}

// awaitModel sends the conversation to the model and decides the next state.
// When the model keeps requesting tools past the round bound, the turn is
// forced into a synthesized final answer instead of executing more calls.
func (a *Assistant) awaitModel(ctx context.Context, t *turn) (turnState, error) {
	resp, err := a.model.Complete(ctx, a.modelView(t.conversation), a.tools)
	if err != nil {
		return stateAwaitingModel, err
	}

	if !resp.IsToolCall() {
		if strings.TrimSpace(resp.FinalText) == "" {
			return stateAwaitingModel, fmt.Errorf("%w: model returned neither answer nor tool calls", contractx.ErrModelInvoke)
		}
		t.finalText = strings.TrimSpace(resp.FinalText)
		return stateEmittingFinal, nil
	}

	if t.rounds >= a.maxToolRounds {
		t.finalText = synthesizeAnswer(t.gathered)
		return stateEmittingFinal, nil
	}

	t.pendingCalls = resp.ToolCalls
	t.push(contractx.Message{Role: contractx.RoleAssistant, ToolCalls: resp.ToolCalls})
	return stateInvokingTool, nil
}

// invokeTools executes every pending call and appends one tool-result
// message per call, correlated by the call id. Tool-level problems become
// textual results; the cycle itself never fails here.
func (a *Assistant) invokeTools(ctx context.Context, t *turn) turnState {
	for _, call := range t.pendingCalls {
		result := a.runCall(ctx, call)
		t.gathered = append(t.gathered, result)
		t.push(contractx.Message{
			Role:       contractx.RoleTool,
			Content:    result.Content,
			ToolCallID: call.ID,
		})
	}
	t.pendingCalls = nil
	t.rounds++
	return stateAwaitingModel
}

func (a *Assistant) runCall(ctx context.Context, call contractx.ToolCall) contractx.ToolResult {
	args := map[string]any{}
	if raw := strings.TrimSpace(call.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return contractx.ToolResult{
				Tool:    call.Name,
				Content: fmt.Sprintf("Ошибка: не удалось разобрать аргументы инструмента %q.", call.Name),
			}
		}
	}
	return a.executor(ctx, call.Name, args)
}

// modelView prepends the system prompt for the model boundary. The prompt is
// never part of the persisted history.
func (a *Assistant) modelView(conversation []contractx.Message) []contractx.Message {
	if a.systemPrompt == "" {
		return conversation
	}
	out := make([]contractx.Message, 0, len(conversation)+1)
	out = append(out, contractx.Message{Role: contractx.RoleSystem, Content: a.systemPrompt})
	return append(out, conversation...)
}

// synthesizeAnswer builds the forced final answer once the tool-round bound
// is hit, from whatever results were gathered during the turn.
func synthesizeAnswer(gathered []contractx.ToolResult) string {
	var b strings.Builder
	b.WriteString("Достигнут лимит обращений к прайс-листу за один вопрос, отвечаю по собранным данным.")
	for _, result := range gathered {
		content := strings.TrimSpace(result.Content)
		if content == "" {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(content)
	}
	if len(gathered) == 0 {
		b.WriteString(" Уточните, пожалуйста, вопрос.")
	}
	return b.String()
}
