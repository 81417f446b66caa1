// Package history holds the conversation transcript sent to the LLM on every
// turn.
//
// A [History] is append-only: messages are added at the end and never mutated
// or removed. An optional [Archiver] receives a copy of every appended message,
// for example to persist the session in PostgreSQL.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/mosscap/pkg/provider/llm"
)

// archiveTimeout bounds a single archive write.
const archiveTimeout = 5 * time.Second

// Message is one role-tagged entry of the transcript.
type Message struct {
	// Role is one of llm.RoleSystem, llm.RoleUser or llm.RoleAssistant.
	Role      string
	Content   string
	CreatedAt time.Time
}

// Archiver persists appended messages. seq is the zero-based position of m in
// the history.
type Archiver interface {
	Archive(ctx context.Context, seq int, m Message) error
}

// Option configures a [History].
type Option func(*History)

// WithArchiver mirrors every appended message to a.
func WithArchiver(a Archiver) Option {
	return func(h *History) { h.archive = a }
}

// WithClock overrides time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *History) { h.now = now }
}

// History is an ordered, append-only list of messages. It is safe for
// concurrent use.
type History struct {
	mu       sync.RWMutex
	messages []Message

	archive Archiver
	now     func() time.Time
}

// New returns an empty History.
func New(opts ...Option) *History {
	h := &History{now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Seed appends a system message followed by examples, in order.
func (h *History) Seed(system string, examples ...Message) {
	h.AddSystemMessage(system)
	for _, m := range examples {
		h.add(m.Role, m.Content)
	}
}

// AddSystemMessage appends a system message.
func (h *History) AddSystemMessage(content string) { h.add(llm.RoleSystem, content) }

// AddUserMessage appends a user message.
func (h *History) AddUserMessage(content string) { h.add(llm.RoleUser, content) }

// AddAssistantMessage appends an assistant message.
func (h *History) AddAssistantMessage(content string) { h.add(llm.RoleAssistant, content) }

func (h *History) add(role, content string) {
	h.mu.Lock()
	m := Message{Role: role, Content: content, CreatedAt: h.now()}
	h.messages = append(h.messages, m)
	seq := len(h.messages) - 1
	h.mu.Unlock()

	if h.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := h.archive.Archive(ctx, seq, m); err != nil {
		slog.Warn("history: archive message failed", "seq", seq, "role", role, "err", err)
	}
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Messages returns a copy of all messages in order.
func (h *History) Messages() []Message {
	return h.Since(0)
}

// Since returns a copy of the messages appended after the first n.
func (h *History) Since(n int) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(h.messages) {
		return nil
	}
	out := make([]Message, len(h.messages)-n)
	copy(out, h.messages[n:])
	return out
}

// LLMMessages converts the history into provider messages.
func (h *History) LLMMessages() []llm.Message {
	msgs := h.Messages()
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
