package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/mosscap/pkg/provider/llm"
)

type recordingArchiver struct {
	mu   sync.Mutex
	seqs []int
	msgs []Message
	err  error
}

func (a *recordingArchiver) Archive(_ context.Context, seq int, m Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seqs = append(a.seqs, seq)
	a.msgs = append(a.msgs, m)
	return a.err
}

func TestSeed(t *testing.T) {
	t.Parallel()

	h := New()
	h.Seed("You are Mosscap.",
		Message{Role: llm.RoleUser, Content: "Hi there, who are you?"},
		Message{Role: llm.RoleAssistant, Content: "I am Mosscap, a chat bot."},
	)

	msgs := h.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	wantRoles := []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant}
	for i, m := range msgs {
		if m.Role != wantRoles[i] {
			t.Errorf("message %d role = %q, want %q", i, m.Role, wantRoles[i])
		}
	}
	if msgs[0].Content != "You are Mosscap." {
		t.Errorf("system content = %q", msgs[0].Content)
	}
}

func TestAppendOnly(t *testing.T) {
	t.Parallel()

	h := New()
	h.AddUserMessage("one")
	snapshot := h.Messages()
	snapshot[0].Content = "mutated"
	h.AddAssistantMessage("two")

	msgs := h.Messages()
	if msgs[0].Content != "one" {
		t.Errorf("history was mutated through a snapshot: %q", msgs[0].Content)
	}
	if h.Len() != 2 {
		t.Errorf("Len = %d, want 2", h.Len())
	}
}

func TestSince(t *testing.T) {
	t.Parallel()

	h := New()
	h.AddSystemMessage("s")
	h.AddUserMessage("u")
	h.AddAssistantMessage("a")

	tests := []struct {
		n    int
		want int
	}{
		{-1, 3}, {0, 3}, {1, 2}, {3, 0}, {10, 0},
	}
	for _, tt := range tests {
		if got := len(h.Since(tt.n)); got != tt.want {
			t.Errorf("Since(%d) returned %d messages, want %d", tt.n, got, tt.want)
		}
	}
	if got := h.Since(2)[0].Content; got != "a" {
		t.Errorf("Since(2)[0] = %q", got)
	}
}

func TestLLMMessages(t *testing.T) {
	t.Parallel()

	h := New()
	h.AddSystemMessage("s")
	h.AddUserMessage("u")
	got := h.LLMMessages()
	if len(got) != 2 || got[0].Role != llm.RoleSystem || got[1].Content != "u" {
		t.Errorf("unexpected llm messages %+v", got)
	}
}

func TestArchiver(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2031, 1, 15, 12, 0, 0, 0, time.UTC)
	a := &recordingArchiver{}
	h := New(WithArchiver(a), WithClock(func() time.Time { return fixed }))
	h.AddSystemMessage("s")
	h.AddUserMessage("u")

	if len(a.seqs) != 2 || a.seqs[0] != 0 || a.seqs[1] != 1 {
		t.Errorf("seqs = %v", a.seqs)
	}
	if !a.msgs[1].CreatedAt.Equal(fixed) || a.msgs[1].Role != llm.RoleUser {
		t.Errorf("unexpected archived message %+v", a.msgs[1])
	}
}

func TestArchiverErrorIsNotFatal(t *testing.T) {
	t.Parallel()

	h := New(WithArchiver(&recordingArchiver{err: errors.New("db down")}))
	h.AddUserMessage("u")
	if h.Len() != 1 {
		t.Errorf("Len = %d, want 1", h.Len())
	}
}

func TestConcurrentAppend(t *testing.T) {
	t.Parallel()

	h := New()
	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() { h.AddUserMessage("x") })
	}
	wg.Wait()
	if h.Len() != 50 {
		t.Errorf("Len = %d, want 50", h.Len())
	}
}
