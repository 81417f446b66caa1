package chat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/mosscap/internal/history"
	"github.com/MrWong99/mosscap/internal/orchestrator"
	"github.com/MrWong99/mosscap/internal/plugin"
	"github.com/MrWong99/mosscap/internal/plugin/mathplugin"
	"github.com/MrWong99/mosscap/internal/prompt"
	"github.com/MrWong99/mosscap/pkg/provider/llm"
	"github.com/MrWong99/mosscap/pkg/provider/llm/mock"
)

type fakeInvoker struct {
	mu     sync.Mutex
	inputs []string
	result *orchestrator.Result
	err    error
}

func (f *fakeInvoker) Invoke(_ context.Context, _ orchestrator.Function, args orchestrator.Arguments) (*orchestrator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, args[prompt.VarUserInput].(string))
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &orchestrator.Result{Text: "ok"}, nil
}

func seeded() *history.History {
	h := history.New()
	h.Seed("You are Mosscap.",
		history.Message{Role: llm.RoleUser, Content: "Hi there, who are you?"},
		history.Message{Role: llm.RoleAssistant, Content: "I am Mosscap, a chat bot."},
	)
	return h
}

func TestTurn_ExitIsLiteral(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		wantMore bool
	}{
		{"exit\n", false},
		{"exit\r\n", false},
		{"exit", false},
		{"Exit\n", true},
		{"EXIT\n", true},
		{" exit\n", true},
		{"exit \n", true},
		{"exit\t\n", true},
		{"what is 3+3?\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			inv := &fakeInvoker{}
			var out bytes.Buffer
			l := New(inv, seeded(), strings.NewReader(tt.input), &out)

			more, err := l.Turn(context.Background())
			if err != nil {
				t.Fatalf("Turn: %v", err)
			}
			if more != tt.wantMore {
				t.Errorf("Turn(%q) = %v, want %v", tt.input, more, tt.wantMore)
			}
			if tt.wantMore {
				want := strings.TrimSuffix(tt.input, "\n")
				if len(inv.inputs) != 1 || inv.inputs[0] != want {
					t.Errorf("invoked with %q, want %q", inv.inputs, want)
				}
			} else {
				if len(inv.inputs) != 0 {
					t.Errorf("kernel invoked on exit: %q", inv.inputs)
				}
				if !strings.HasSuffix(out.String(), Farewell+"\n") {
					t.Errorf("missing farewell in %q", out.String())
				}
			}
		})
	}
}

func TestTurn_EndOfInput(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	l := New(&fakeInvoker{}, seeded(), strings.NewReader(""), &out)
	more, err := l.Turn(context.Background())
	if err != nil || more {
		t.Fatalf("Turn = %v, %v; want false, nil", more, err)
	}
	if out.String() != UserPrompt+Farewell+"\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestTurn_Interrupted(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inv := &fakeInvoker{}
	var out bytes.Buffer
	l := New(inv, seeded(), pr, &out)
	more, err := l.Turn(ctx)
	if err != nil || more {
		t.Fatalf("Turn = %v, %v; want false, nil", more, err)
	}
	if !strings.Contains(out.String(), "Exiting chat...") {
		t.Errorf("missing farewell in %q", out.String())
	}
	if len(inv.inputs) != 0 {
		t.Error("kernel invoked after interrupt")
	}

	// The next line releases the reader, which returns instead of waiting
	// for a turn that never comes.
	if _, err := io.WriteString(pw, "what is 3+3?\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-l.readerExited:
	case <-time.After(5 * time.Second):
		t.Fatal("reader goroutine still running after the loop exited")
	}
}

func TestTurn_HistoryGrowsPerTurn(t *testing.T) {
	t.Parallel()

	h := seeded()
	if h.Len() != 3 {
		t.Fatalf("seeded history has %d messages, want 3", h.Len())
	}
	var out bytes.Buffer
	l := New(&fakeInvoker{result: &orchestrator.Result{Text: "answer"}}, h, strings.NewReader("one\ntwo\n"), &out)

	for range 2 {
		if more, err := l.Turn(context.Background()); err != nil || !more {
			t.Fatalf("Turn = %v, %v", more, err)
		}
	}
	msgs := h.Messages()
	if len(msgs) != 7 {
		t.Fatalf("history has %d messages, want 7", len(msgs))
	}
	if msgs[3].Role != llm.RoleUser || msgs[3].Content != "one" || msgs[4].Role != llm.RoleAssistant || msgs[4].Content != "answer" {
		t.Errorf("unexpected turn messages %+v %+v", msgs[3], msgs[4])
	}
	if strings.Count(out.String(), AssistantPrompt+"answer\n") != 2 {
		t.Errorf("output = %q", out.String())
	}
}

func TestTurn_InvokeErrorEndsSession(t *testing.T) {
	t.Parallel()

	boom := errors.New("service unavailable")
	h := seeded()
	l := New(&fakeInvoker{err: boom}, h, strings.NewReader("hi\n"), io.Discard)

	more, err := l.Turn(context.Background())
	if more || !errors.Is(err, boom) {
		t.Fatalf("Turn = %v, %v; want false, wrapped error", more, err)
	}
	if h.Len() != 3 {
		t.Errorf("failed turn changed history: %d messages", h.Len())
	}
}

func TestTurn_PendingToolCalls(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{result: &orchestrator.Result{
		ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "math-Add", Arguments: `{"input":3,"amount":3}`}},
	}}
	var out bytes.Buffer
	l := New(inv, seeded(), strings.NewReader("what is 3+3?\n"), &out)

	if more, err := l.Turn(context.Background()); err != nil || !more {
		t.Fatalf("Turn = %v, %v", more, err)
	}
	got := out.String()
	if !strings.Contains(got, "Tool calls requested:") || !strings.Contains(got, `math-Add({"input":3,"amount":3})`) {
		t.Errorf("output = %q", got)
	}
	if strings.Contains(got, AssistantPrompt) {
		t.Errorf("pending tool calls printed as an answer: %q", got)
	}
}

func TestRun_WhatIsThreePlusThree(t *testing.T) {
	t.Parallel()

	reg := plugin.NewRegistry()
	if err := reg.Register(mathplugin.New()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	p := &mock.Provider{Responses: []*llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "math-Add", Arguments: `{"input":3,"amount":3}`}}},
		{Content: "3 + 3 = 6"},
	}}
	k, err := orchestrator.NewKernel(p, reg, orchestrator.DefaultSettings("gpt-4"))
	if err != nil {
		t.Fatalf("NewKernel: %v", err)
	}

	var out bytes.Buffer
	h := seeded()
	l := New(k, h, strings.NewReader("what is 3+3?\nexit\n"), &out)
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := out.String()
	if !strings.HasPrefix(got, Welcome+"\n") {
		t.Errorf("missing welcome banner: %q", got)
	}
	if !strings.Contains(got, AssistantPrompt+"3 + 3 = 6\n") {
		t.Errorf("missing answer: %q", got)
	}
	if !strings.HasSuffix(got, UserPrompt+Farewell+"\n") {
		t.Errorf("missing farewell: %q", got)
	}
	if h.Len() != 5 {
		t.Errorf("history has %d messages, want 5", h.Len())
	}
}
