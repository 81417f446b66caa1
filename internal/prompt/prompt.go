// Package prompt renders prompt templates and turns the rendered text back
// into chat messages.
//
// Templates use {{$name}} placeholders. A *history.History value renders as a
// sequence of <message role="..."> blocks; every other value renders as
// XML-escaped text. [Parse] reverses the process: message blocks keep their
// role and any free text becomes a user message.
package prompt

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/MrWong99/mosscap/internal/history"
	"github.com/MrWong99/mosscap/pkg/provider/llm"
)

// Variable names used by the chat function template.
const (
	VarChatHistory = "chat_history"
	VarUserInput   = "user_input"
)

// ChatTemplate is the template of the default chat function.
const ChatTemplate = "{{$" + VarChatHistory + "}}{{$" + VarUserInput + "}}"

var placeholder = regexp.MustCompile(`\{\{\s*\$([A-Za-z0-9_]+)\s*\}\}`)

// Variables returns the placeholder names used in tmpl, in order of first use.
func Variables(tmpl string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholder.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Render substitutes every {{$name}} in tmpl with the rendering of vars[name].
// Unknown variables render as empty text.
func Render(tmpl string, vars map[string]any) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		v, ok := vars[name]
		if !ok {
			slog.Debug("prompt: unknown template variable", "name", name)
			return ""
		}
		return renderValue(v)
	})
}

func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case *history.History:
		return RenderMessages(x.LLMMessages())
	case []llm.Message:
		return RenderMessages(x)
	case string:
		return escape(x)
	case fmt.Stringer:
		return escape(x.String())
	default:
		return escape(fmt.Sprint(x))
	}
}

// RenderMessages renders msgs as <message role="..."> blocks.
func RenderMessages(msgs []llm.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(`<message role="`)
		b.WriteString(escape(m.Role))
		b.WriteString(`">`)
		b.WriteString(escape(m.Content))
		b.WriteString("</message>")
	}
	return b.String()
}

func escape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// Parse converts rendered prompt text into chat messages. <message> blocks
// keep their role; text outside blocks becomes a user message with
// surrounding whitespace trimmed. Empty free text is dropped. Text that is not
// well-formed markup is returned as a single user message.
func Parse(rendered string) []llm.Message {
	msgs, err := parse(rendered)
	if err != nil {
		slog.Debug("prompt: rendered text is not well-formed, sending as plain text", "err", err)
		if text := strings.TrimSpace(rendered); text != "" {
			return []llm.Message{{Role: llm.RoleUser, Content: text}}
		}
		return nil
	}
	return msgs
}

func parse(rendered string) ([]llm.Message, error) {
	dec := xml.NewDecoder(strings.NewReader("<prompt>" + rendered + "</prompt>"))
	dec.Strict = true

	var (
		msgs    []llm.Message
		free    strings.Builder
		inMsg   bool
		role    string
		content strings.Builder
		depth   int
	)
	flushFree := func() {
		if text := strings.TrimSpace(free.String()); text != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
		}
		free.Reset()
	}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 && t.Name.Local == "message" {
				flushFree()
				inMsg = true
				role = llm.RoleUser
				for _, a := range t.Attr {
					if a.Name.Local == "role" {
						role = a.Value
					}
				}
				content.Reset()
			}
		case xml.EndElement:
			if depth == 2 && inMsg {
				msgs = append(msgs, llm.Message{Role: role, Content: content.String()})
				inMsg = false
			}
			depth--
		case xml.CharData:
			if inMsg {
				content.Write(t)
			} else if depth == 1 {
				free.Write(t)
			}
		}
	}
	flushFree()
	return msgs, nil
}
