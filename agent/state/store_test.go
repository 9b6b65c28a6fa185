package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	contractx "github.com/garage52/autoservice-agent/agent/contract"
)

func newTestStore(t *testing.T) *BunStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "conversations.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLoadUnseenThreadIsEmpty(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	msgs, err := store.Load(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("Load() returned %d messages, want 0", len(msgs))
	}
}

func TestAppendThenLoadExactOrder(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	turn := []contractx.Message{
		{Role: contractx.RoleUser, Content: "Сколько стоит диагностика?"},
		{Role: contractx.RoleAssistant, ToolCalls: []contractx.ToolCall{
			{ID: "call-1", Name: "find_services", Arguments: `{"query":"диагностика"}`},
		}},
		{Role: contractx.RoleTool, Content: "Диагностика двигателя: 1000 руб.", ToolCallID: "call-1"},
		{Role: contractx.RoleAssistant, Content: "Диагностика двигателя стоит 1000 руб."},
	}
	if err := store.Append(ctx, "t1", turn...); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := store.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != len(turn) {
		t.Fatalf("Load() returned %d messages, want %d", len(got), len(turn))
	}
	for i := range turn {
		if got[i].Role != turn[i].Role {
			t.Fatalf("message %d role = %s, want %s", i, got[i].Role, turn[i].Role)
		}
		if got[i].Content != turn[i].Content {
			t.Fatalf("message %d content = %q, want %q", i, got[i].Content, turn[i].Content)
		}
	}
	if got[1].ToolCalls[0].ID != "call-1" {
		t.Fatalf("tool call id = %q, want call-1", got[1].ToolCalls[0].ID)
	}
	if got[2].ToolCallID != "call-1" {
		t.Fatalf("tool result correlation id = %q, want call-1", got[2].ToolCallID)
	}
}

func TestAppendSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "conversations.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if err := store.Append(ctx, "t1",
		contractx.Message{Role: contractx.RoleUser, Content: "привет"},
		contractx.Message{Role: contractx.RoleAssistant, Content: "здравствуйте"},
	); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() reopen error = %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	msgs, err := reopened.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load() after reopen error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Load() after reopen returned %d messages, want 2", len(msgs))
	}
	if msgs[1].Content != "здравствуйте" {
		t.Fatalf("message 1 content = %q, want %q", msgs[1].Content, "здравствуйте")
	}
}

func TestConcurrentAppendsSameThreadSerialize(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			err := store.Append(ctx, "race",
				contractx.Message{Role: contractx.RoleUser, Content: fmt.Sprintf("q-%d", w)},
				contractx.Message{Role: contractx.RoleAssistant, Content: fmt.Sprintf("a-%d", w)},
			)
			if err != nil {
				t.Errorf("Append() error = %v", err)
			}
		}(w)
	}
	wg.Wait()

	msgs, err := store.Load(ctx, "race")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(msgs) != writers*2 {
		t.Fatalf("Load() returned %d messages, want %d (no lost appends)", len(msgs), writers*2)
	}
	// Each atomic append's pair must be adjacent: history is a
	// serialization of the calls, never an interleaving.
	for i := 0; i < len(msgs); i += 2 {
		q := msgs[i].Content
		a := msgs[i+1].Content
		if q[0] != 'q' || a[0] != 'a' || q[1:] != a[1:] {
			t.Fatalf("messages %d,%d interleaved: %q %q", i, i+1, q, a)
		}
	}
}

func TestConcurrentAppendsDistinctThreads(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	const threads = 4
	var wg sync.WaitGroup
	for n := 0; n < threads; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			threadID := fmt.Sprintf("thread-%d", n)
			for i := 0; i < 5; i++ {
				err := store.Append(ctx, threadID,
					contractx.Message{Role: contractx.RoleUser, Content: fmt.Sprintf("msg-%d", i)},
				)
				if err != nil {
					t.Errorf("Append(%s) error = %v", threadID, err)
					return
				}
			}
		}(n)
	}
	wg.Wait()

	for n := 0; n < threads; n++ {
		threadID := fmt.Sprintf("thread-%d", n)
		msgs, err := store.Load(ctx, threadID)
		if err != nil {
			t.Fatalf("Load(%s) error = %v", threadID, err)
		}
		if len(msgs) != 5 {
			t.Fatalf("Load(%s) returned %d messages, want 5", threadID, len(msgs))
		}
		for i, msg := range msgs {
			if want := fmt.Sprintf("msg-%d", i); msg.Content != want {
				t.Fatalf("thread %s message %d = %q, want %q", threadID, i, msg.Content, want)
			}
		}
	}
}

func TestAppendEmptyThreadID(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	err := store.Append(context.Background(), "  ", contractx.Message{Role: contractx.RoleUser, Content: "x"})
	if !errors.Is(err, ErrInvalidThread) {
		t.Fatalf("Append() error = %v, want ErrInvalidThread", err)
	}
}

func TestDeleteThread(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, "t1", contractx.Message{Role: contractx.RoleUser, Content: "привет"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.Delete(ctx, "t1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	msgs, err := store.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("Load() after delete returned %d messages, want 0", len(msgs))
	}
}
