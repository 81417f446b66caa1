// Package chat implements the interactive read-eval-print loop: read one
// line of user input, send it through the kernel together with the
// conversation history, and print the answer.
package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/mosscap/internal/history"
	"github.com/MrWong99/mosscap/internal/orchestrator"
	"github.com/MrWong99/mosscap/internal/prompt"
	"github.com/MrWong99/mosscap/pkg/provider/llm"
)

// Console strings.
const (
	UserPrompt      = "User:> "
	AssistantPrompt = "Mosscap:> "
	Farewell        = "\n\nExiting chat..."
	Welcome         = "Welcome to the chat bot!\n  Type 'exit' to exit.\n  Try a math question to see the function calling in action (i.e. what is 3+3?)."

	// ExitCommand ends the session when entered exactly.
	ExitCommand = "exit"
)

// maxLineSize bounds a single line of user input.
const maxLineSize = 1 << 20

// Invoker runs a prompt function. *orchestrator.Kernel implements it.
type Invoker interface {
	Invoke(ctx context.Context, fn orchestrator.Function, args orchestrator.Arguments) (*orchestrator.Result, error)
}

// Option configures a [Loop].
type Option func(*Loop)

// WithFunction replaces [orchestrator.ChatFunction].
func WithFunction(fn orchestrator.Function) Option {
	return func(l *Loop) { l.fn = fn }
}

// Loop is one interactive chat session. It is not safe for concurrent use.
type Loop struct {
	invoker Invoker
	history *history.History
	fn      orchestrator.Function
	in      io.Reader
	out     io.Writer

	startOnce sync.Once
	lines     chan string
	readErr   error

	// done is closed by exit; the reader stops handing out lines after it.
	done     chan struct{}
	doneOnce sync.Once
	// readerExited is closed when the reader goroutine returns.
	readerExited chan struct{}
}

// New creates a Loop reading user lines from in and writing to out.
func New(inv Invoker, h *history.History, in io.Reader, out io.Writer, opts ...Option) *Loop {
	l := &Loop{
		invoker: inv,
		history: h,
		fn:      orchestrator.ChatFunction(),
		in:      in,
		out:     out,
		lines:   make(chan string),
		done:    make(chan struct{}),

		readerExited: make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// start launches the reader goroutine. A read blocked on a terminal cannot be
// interrupted, so after the loop exits the goroutine lingers until the next
// line or end of input arrives, then returns without delivering it.
func (l *Loop) start() {
	l.startOnce.Do(func() {
		go func() {
			defer close(l.readerExited)
			defer close(l.lines)
			sc := bufio.NewScanner(l.in)
			sc.Buffer(make([]byte, 0, 4096), maxLineSize)
			for sc.Scan() {
				select {
				case l.lines <- sc.Text():
				case <-l.done:
					return
				}
			}
			l.readErr = sc.Err()
		}()
	})
}

// Run prints the welcome banner and runs turns until one returns false or
// fails.
func (l *Loop) Run(ctx context.Context) error {
	fmt.Fprintln(l.out, Welcome)
	for {
		more, err := l.Turn(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// Turn reads one line and answers it. It returns false when the session
// should end: on "exit", end of input or cancellation of ctx. Errors from the
// kernel are returned and end the session.
func (l *Loop) Turn(ctx context.Context) (bool, error) {
	l.start()
	fmt.Fprint(l.out, UserPrompt)

	var (
		line string
		ok   bool
	)
	select {
	case <-ctx.Done():
		return l.exit()
	case line, ok = <-l.lines:
	}
	if !ok {
		if l.readErr != nil {
			slog.Warn("chat: reading input failed", "err", l.readErr)
		}
		return l.exit()
	}
	if line == ExitCommand {
		return l.exit()
	}

	res, err := l.invoker.Invoke(ctx, l.fn, orchestrator.Arguments{
		prompt.VarChatHistory: l.history,
		prompt.VarUserInput:   line,
	})
	if err != nil {
		if ctx.Err() != nil {
			return l.exit()
		}
		return false, fmt.Errorf("chat: invoke: %w", err)
	}

	l.history.AddUserMessage(line)
	if res.Text != "" {
		l.history.AddAssistantMessage(res.Text)
	}
	if len(res.ToolCalls) > 0 {
		l.printToolCalls(res.ToolCalls)
		return true, nil
	}
	fmt.Fprintf(l.out, "%s%s\n", AssistantPrompt, res)
	return true, nil
}

func (l *Loop) exit() (bool, error) {
	l.doneOnce.Do(func() { close(l.done) })
	fmt.Fprintln(l.out, Farewell)
	return false, nil
}

func (l *Loop) printToolCalls(calls []llm.ToolCall) {
	var b strings.Builder
	b.WriteString("Tool calls requested:\n")
	for _, tc := range calls {
		fmt.Fprintf(&b, "  - %s(%s) [id %s]\n", tc.Name, tc.Arguments, tc.ID)
	}
	fmt.Fprint(l.out, b.String())
}
