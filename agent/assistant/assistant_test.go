package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	catalogx "github.com/garage52/autoservice-agent/agent/catalog"
	contractx "github.com/garage52/autoservice-agent/agent/contract"
	toolx "github.com/garage52/autoservice-agent/agent/tool"
)

type fakeStore struct {
	histories map[string][]contractx.Message
	loadErr   error
	appendErr error
	appends   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{histories: make(map[string][]contractx.Message)}
}

func (f *fakeStore) Load(ctx context.Context, threadID string) ([]contractx.Message, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return append([]contractx.Message(nil), f.histories[threadID]...), nil
}

func (f *fakeStore) Append(ctx context.Context, threadID string, msgs ...contractx.Message) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appends++
	f.histories[threadID] = append(f.histories[threadID], msgs...)
	return nil
}

type fakeModel struct {
	responses []contractx.ModelResponse
	errs      []error
	calls     int
	requests  [][]contractx.Message
}

func (f *fakeModel) Complete(ctx context.Context, messages []contractx.Message, tools []contractx.ToolInfo) (contractx.ModelResponse, error) {
	idx := f.calls
	f.calls++
	f.requests = append(f.requests, append([]contractx.Message(nil), messages...))
	if idx < len(f.errs) && f.errs[idx] != nil {
		return contractx.ModelResponse{}, f.errs[idx]
	}
	if idx >= len(f.responses) {
		return contractx.ModelResponse{}, fmt.Errorf("no model response left at call=%d", f.calls)
	}
	return f.responses[idx], nil
}

type fakeLoader struct {
	rows [][]string
}

func (f *fakeLoader) Fetch(ctx context.Context) ([][]string, error) {
	return f.rows, nil
}

func catalogExecutor(t *testing.T, rows [][]string) ([]contractx.ToolInfo, toolx.Executor) {
	t.Helper()
	store := catalogx.NewStore(&fakeLoader{rows: rows})
	if len(rows) > 0 {
		if err := store.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
	}
	return toolx.BuildTools(store)
}

func newTestAssistant(t *testing.T, store *fakeStore, model *fakeModel, rows [][]string, cfg Config) *Assistant {
	t.Helper()
	infos, executor := catalogExecutor(t, rows)
	a, err := New(store, model, infos, executor, "Ты ассистент автосервиса.", cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func TestHandleTurnInvalidInput(t *testing.T) {
	t.Parallel()

	a := newTestAssistant(t, newFakeStore(), &fakeModel{}, nil, Config{})

	if _, err := a.HandleTurn(context.Background(), "   ", "привет"); !errors.Is(err, ErrInvalidThread) {
		t.Fatalf("expected ErrInvalidThread, got %v", err)
	}
	if _, err := a.HandleTurn(context.Background(), "t1", "   "); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestHandleTurnDirectAnswer(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	model := &fakeModel{
		responses: []contractx.ModelResponse{
			{FinalText: "Здравствуйте! Чем могу помочь?"},
		},
	}
	a := newTestAssistant(t, store, model, nil, Config{})

	answer, err := a.HandleTurn(context.Background(), "t1", "Привет!")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if answer != "Здравствуйте! Чем могу помочь?" {
		t.Fatalf("unexpected answer: %q", answer)
	}

	history := store.histories["t1"]
	if len(history) != 2 {
		t.Fatalf("committed %d messages, want 2", len(history))
	}
	if history[0].Role != contractx.RoleUser || history[1].Role != contractx.RoleAssistant {
		t.Fatalf("unexpected roles: %s, %s", history[0].Role, history[1].Role)
	}
	if store.appends != 1 {
		t.Fatalf("expected one atomic append, got %d", store.appends)
	}
}

func TestHandleTurnToolCallScenario(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	model := &fakeModel{
		responses: []contractx.ModelResponse{
			{ToolCalls: []contractx.ToolCall{
				{ID: "call-1", Name: toolx.ToolFindServices, Arguments: `{"query":"диагностика двигателя"}`},
			}},
			{FinalText: "Диагностика двигателя стоит 1000 руб."},
		},
	}
	rows := [][]string{
		{"Двигатель", "Диагностика двигателя", "1000", ""},
	}
	a := newTestAssistant(t, store, model, rows, Config{})

	answer, err := a.HandleTurn(context.Background(), "t1", "Сколько стоит диагностика двигателя?")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if !strings.Contains(answer, "1000") {
		t.Fatalf("answer does not reference the price: %q", answer)
	}

	history := store.histories["t1"]
	if len(history) != 4 {
		t.Fatalf("committed %d messages, want 4 (user, tool call, tool result, final)", len(history))
	}
	wantRoles := []contractx.Role{contractx.RoleUser, contractx.RoleAssistant, contractx.RoleTool, contractx.RoleAssistant}
	for i, want := range wantRoles {
		if history[i].Role != want {
			t.Fatalf("message %d role = %s, want %s", i, history[i].Role, want)
		}
	}
	if history[1].ToolCalls[0].ID != "call-1" {
		t.Fatalf("tool call id = %q, want call-1", history[1].ToolCalls[0].ID)
	}
	if history[2].ToolCallID != "call-1" {
		t.Fatalf("tool result correlation id = %q, want call-1", history[2].ToolCallID)
	}
	if !strings.Contains(history[2].Content, "1000") {
		t.Fatalf("tool result does not carry the price: %q", history[2].Content)
	}
	if store.appends != 1 {
		t.Fatalf("turn must commit in one append, got %d", store.appends)
	}
}

func TestHandleTurnSystemPromptNotPersisted(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	model := &fakeModel{
		responses: []contractx.ModelResponse{
			{FinalText: "ok"},
		},
	}
	a := newTestAssistant(t, store, model, nil, Config{})

	if _, err := a.HandleTurn(context.Background(), "t1", "привет"); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	seen := model.requests[0]
	if seen[0].Role != contractx.RoleSystem {
		t.Fatalf("model must see the system prompt first, got role %s", seen[0].Role)
	}
	for _, msg := range store.histories["t1"] {
		if msg.Role == contractx.RoleSystem {
			t.Fatal("system prompt must not be persisted")
		}
	}
}

func TestHandleTurnUnknownToolRecovers(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	model := &fakeModel{
		responses: []contractx.ModelResponse{
			{ToolCalls: []contractx.ToolCall{
				{ID: "call-9", Name: "weather.today", Arguments: `{"city":"Москва"}`},
			}},
			{FinalText: "Такой информации у меня нет."},
		},
	}
	a := newTestAssistant(t, store, model, nil, Config{})

	answer, err := a.HandleTurn(context.Background(), "t1", "Какая погода?")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if answer == "" {
		t.Fatal("turn must still complete with an answer")
	}

	history := store.histories["t1"]
	if len(history) != 4 {
		t.Fatalf("committed %d messages, want 4", len(history))
	}
	if !strings.Contains(history[2].Content, "не существует") {
		t.Fatalf("unknown tool must be reported in the tool result: %q", history[2].Content)
	}
	if history[2].ToolCallID != "call-9" {
		t.Fatalf("correlation id = %q, want call-9", history[2].ToolCallID)
	}
}

func TestHandleTurnMalformedArgumentsRecovers(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	model := &fakeModel{
		responses: []contractx.ModelResponse{
			{ToolCalls: []contractx.ToolCall{
				{ID: "call-2", Name: toolx.ToolFindServices, Arguments: `{"query": `},
			}},
			{FinalText: "Уточните, пожалуйста, услугу."},
		},
	}
	a := newTestAssistant(t, store, model, nil, Config{})

	if _, err := a.HandleTurn(context.Background(), "t1", "масло"); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	history := store.histories["t1"]
	if !strings.Contains(history[2].Content, "аргументы") {
		t.Fatalf("malformed arguments must be reported textually: %q", history[2].Content)
	}
}

func TestHandleTurnToolRoundBound(t *testing.T) {
	t.Parallel()

	toolCall := contractx.ModelResponse{ToolCalls: []contractx.ToolCall{
		{ID: "call-n", Name: toolx.ToolFindServices, Arguments: `{"query":"масло"}`},
	}}

	store := newFakeStore()
	model := &fakeModel{
		// Always asks for tools; never produces a final answer.
		responses: []contractx.ModelResponse{toolCall, toolCall, toolCall, toolCall, toolCall},
	}
	rows := [][]string{
		{"Двигатель", "Замена масла", "1500", ""},
	}
	a := newTestAssistant(t, store, model, rows, Config{MaxToolRounds: 4})

	answer, err := a.HandleTurn(context.Background(), "t1", "Замена масла?")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if !strings.Contains(answer, "лимит") {
		t.Fatalf("forced answer must mention the limit: %q", answer)
	}
	if !strings.Contains(answer, "1500") {
		t.Fatalf("forced answer must carry gathered results: %q", answer)
	}

	history := store.histories["t1"]
	// user + 4 tool-call/tool-result pairs + final answer
	if len(history) != 10 {
		t.Fatalf("committed %d messages, want 10", len(history))
	}
	pairs := 0
	for _, msg := range history {
		if msg.Role == contractx.RoleTool {
			pairs++
		}
	}
	if pairs != 4 {
		t.Fatalf("history holds %d tool rounds, want exactly the bound (4)", pairs)
	}
	if model.calls != 5 {
		t.Fatalf("model called %d times, want 5 (bound check happens on the fifth)", model.calls)
	}
}

func TestHandleTurnModelErrorCommitsNothing(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	model := &fakeModel{
		errs: []error{fmt.Errorf("%w: upstream timeout", contractx.ErrModelInvoke)},
	}
	a := newTestAssistant(t, store, model, nil, Config{})

	_, err := a.HandleTurn(context.Background(), "t1", "привет")
	if !errors.Is(err, contractx.ErrModelInvoke) {
		t.Fatalf("expected ErrModelInvoke, got %v", err)
	}
	if len(store.histories["t1"]) != 0 {
		t.Fatalf("failed turn must commit nothing, got %d messages", len(store.histories["t1"]))
	}
}

func TestHandleTurnPersistenceErrorFailsTurn(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.appendErr = fmt.Errorf("%w: disk full", contractx.ErrPersistence)
	model := &fakeModel{
		responses: []contractx.ModelResponse{
			{FinalText: "Ответ готов."},
		},
	}
	a := newTestAssistant(t, store, model, nil, Config{})

	_, err := a.HandleTurn(context.Background(), "t1", "привет")
	if !errors.Is(err, contractx.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestHandleTurnUsesStoredHistory(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.histories["t1"] = []contractx.Message{
		{Role: contractx.RoleUser, Content: "Сколько стоит замена масла?"},
		{Role: contractx.RoleAssistant, Content: "1500 руб."},
	}
	model := &fakeModel{
		responses: []contractx.ModelResponse{
			{FinalText: "Да, можно записаться на завтра."},
		},
	}
	a := newTestAssistant(t, store, model, nil, Config{})

	if _, err := a.HandleTurn(context.Background(), "t1", "А можно завтра?"); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	// system prompt + 2 stored + 1 new user message
	seen := model.requests[0]
	if len(seen) != 4 {
		t.Fatalf("model saw %d messages, want 4", len(seen))
	}
	if seen[1].Content != "Сколько стоит замена масла?" {
		t.Fatalf("stored history not replayed: %q", seen[1].Content)
	}

	if len(store.histories["t1"]) != 4 {
		t.Fatalf("history now holds %d messages, want 4", len(store.histories["t1"]))
	}
}
