package prompt

import (
	"testing"

	"github.com/MrWong99/mosscap/internal/history"
	"github.com/MrWong99/mosscap/pkg/provider/llm"
)

func TestRender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tmpl string
		vars map[string]any
		want string
	}{
		{"plain", "Hello {{$name}}!", map[string]any{"name": "Mosscap"}, "Hello Mosscap!"},
		{"spaces", "{{ $name }}", map[string]any{"name": "x"}, "x"},
		{"escaped", "{{$q}}", map[string]any{"q": "is 1 < 2 & 3 > 2?"}, "is 1 &lt; 2 &amp; 3 &gt; 2?"},
		{"unknown", "a{{$missing}}b", nil, "ab"},
		{"number", "{{$n}}", map[string]any{"n": 42}, "42"},
		{"messages", "{{$m}}", map[string]any{"m": []llm.Message{{Role: "user", Content: "hi"}}}, `<message role="user">hi</message>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Render(tt.tmpl, tt.vars); got != tt.want {
				t.Errorf("Render = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVariables(t *testing.T) {
	t.Parallel()

	got := Variables(ChatTemplate + "{{$user_input}}")
	if len(got) != 2 || got[0] != VarChatHistory || got[1] != VarUserInput {
		t.Errorf("Variables = %v", got)
	}
}

func TestRenderParse_ChatTemplate(t *testing.T) {
	t.Parallel()

	h := history.New()
	h.Seed("You are Mosscap. <be nice>",
		history.Message{Role: llm.RoleUser, Content: "Hi there, who are you?"},
		history.Message{Role: llm.RoleAssistant, Content: "I am Mosscap & friends."},
	)

	rendered := Render(ChatTemplate, map[string]any{
		VarChatHistory: h,
		VarUserInput:   "  what is 3+3? </message>  ",
	})
	got := Parse(rendered)

	want := []llm.Message{
		{Role: llm.RoleSystem, Content: "You are Mosscap. <be nice>"},
		{Role: llm.RoleUser, Content: "Hi there, who are you?"},
		{Role: llm.RoleAssistant, Content: "I am Mosscap & friends."},
		{Role: llm.RoleUser, Content: "what is 3+3? </message>"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d messages %+v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i].Role != want[i].Role || got[i].Content != want[i].Content {
			t.Errorf("message %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		roles []string
		texts []string
	}{
		{"free text only", "  hello  ", []string{"user"}, []string{"hello"}},
		{"empty", "   ", nil, nil},
		{"text between blocks", `<message role="system">s</message> mid <message role="assistant">a</message>`,
			[]string{"system", "user", "assistant"}, []string{"s", "mid", "a"}},
		{"missing role defaults to user", `<message>x</message>`, []string{"user"}, []string{"x"}},
		{"malformed falls back", `a < b`, []string{"user"}, []string{"a < b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Parse(tt.in)
			if len(got) != len(tt.roles) {
				t.Fatalf("got %d messages %+v, want %d", len(got), got, len(tt.roles))
			}
			for i := range got {
				if got[i].Role != tt.roles[i] || got[i].Content != tt.texts[i] {
					t.Errorf("message %d = %+v, want role %q text %q", i, got[i], tt.roles[i], tt.texts[i])
				}
			}
		})
	}
}
