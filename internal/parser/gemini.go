package parser

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cogrepo/cogrepo/internal/timeutil"
)

// extractGeminiMessages reads the messages array of a Gemini
// conversation export. Content is either a plain string under
// "text"/"content" or a list of parts with text fields.
func extractGeminiMessages(r gjson.Result) ([]Message, error) {
	var msgs []Message
	r.Get("messages").ForEach(func(_, m gjson.Result) bool {
		text := geminiContent(m)
		if strings.TrimSpace(text) == "" {
			return true
		}
		role := m.Get("role").Str
		if role == "" {
			role = m.Get("author").Str
		}
		ts, _ := timeutil.ParseISO(m.Get("createTime").Str)
		msgs = append(msgs, Message{
			Role:      normalizeRole(role),
			Content:   text,
			Timestamp: ts,
		})
		return true
	})
	return msgs, nil
}

func geminiContent(m gjson.Result) string {
	if t := m.Get("text"); t.Type == gjson.String {
		return t.Str
	}
	content := m.Get("content")
	if content.Type == gjson.String {
		return content.Str
	}
	var parts []string
	for _, p := range []gjson.Result{content, m.Get("parts")} {
		if !p.IsArray() {
			continue
		}
		p.ForEach(func(_, part gjson.Result) bool {
			if part.Type == gjson.String {
				parts = append(parts, part.Str)
			} else if t := part.Get("text").Str; t != "" {
				parts = append(parts, t)
			}
			return true
		})
	}
	return strings.Join(parts, "\n")
}
