package parser

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cogrepo/cogrepo/internal/timeutil"
)

// extractClaudeMessages reads the chat_messages array of a
// claude.ai export. Newer exports carry structured content
// blocks; older ones only a flat text field.
func extractClaudeMessages(r gjson.Result) ([]Message, error) {
	var msgs []Message
	r.Get("chat_messages").ForEach(func(_, m gjson.Result) bool {
		text := claudeContent(m)
		if strings.TrimSpace(text) == "" {
			return true
		}
		ts, _ := timeutil.ParseISO(m.Get("created_at").Str)
		msgs = append(msgs, Message{
			Role:      normalizeRole(m.Get("sender").Str),
			Content:   text,
			Timestamp: ts,
		})
		return true
	})
	return msgs, nil
}

func claudeContent(m gjson.Result) string {
	blocks := m.Get("content")
	if blocks.IsArray() {
		var parts []string
		blocks.ForEach(func(_, b gjson.Result) bool {
			if b.Get("type").Str == "text" {
				if t := b.Get("text").Str; t != "" {
					parts = append(parts, t)
				}
			}
			return true
		})
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return m.Get("text").Str
}
