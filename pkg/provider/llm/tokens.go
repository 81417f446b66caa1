package llm

import (
	"log/slog"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// bpeCodec returns the shared o200k_base codec (GPT-4o family), falling back
// to cl100k_base. It returns nil if neither encoding loads.
func bpeCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		var err error
		codec, err = tokenizer.Get(tokenizer.O200kBase)
		if err == nil {
			return
		}
		codec, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			slog.Warn("llm: no tokenizer available, estimating token counts", "err", err)
			codec = nil
		}
	})
	return codec
}

// CountBPETokens counts tokens with the OpenAI BPE encodings the way the
// chat completions API bills them: 4 tokens of framing per message, 3 per
// tool call and 3 to prime the reply. Other vendors' tokenizers land close
// enough for context budgeting. Without a usable encoding it falls back to
// [EstimateTokens].
func CountBPETokens(messages []Message) (int, error) {
	c := bpeCodec()
	if c == nil {
		return EstimateTokens(messages), nil
	}
	count := func(s string) (int, error) {
		if s == "" {
			return 0, nil
		}
		ids, _, err := c.Encode(s)
		return len(ids), err
	}

	total := 3
	for _, m := range messages {
		total += 4
		for _, s := range []string{m.Role, m.Content, m.Name, m.ToolCallID} {
			n, err := count(s)
			if err != nil {
				return 0, err
			}
			total += n
		}
		for _, tc := range m.ToolCalls {
			total += 3
			for _, s := range []string{tc.Name, tc.Arguments} {
				n, err := count(s)
				if err != nil {
					return 0, err
				}
				total += n
			}
		}
	}
	return total, nil
}
