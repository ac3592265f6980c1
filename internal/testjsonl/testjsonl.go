// Package testjsonl provides shared export fixture builders for
// ChatGPT, Claude and Gemini conversation archives. Used by the
// parser, scanner and sync test packages.
package testjsonl

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Turn is one message of a fixture conversation.
type Turn struct {
	Role      string
	Text      string
	Timestamp string
}

// User returns a user turn.
func User(text string) Turn { return Turn{Role: "user", Text: text} }

// Assistant returns an assistant turn.
func Assistant(text string) Turn {
	return Turn{Role: "assistant", Text: text}
}

// ClaudeConversationJSON returns a claude.ai export record as a
// single-line JSON string.
func ClaudeConversationJSON(
	uuid, name, createdAt string, turns ...Turn,
) string {
	msgs := make([]map[string]any, 0, len(turns))
	for i, t := range turns {
		sender := t.Role
		if sender == "user" {
			sender = "human"
		}
		ts := t.Timestamp
		if ts == "" {
			ts = createdAt
		}
		msgs = append(msgs, map[string]any{
			"uuid":       fmt.Sprintf("%s-m%d", uuid, i),
			"sender":     sender,
			"text":       t.Text,
			"created_at": ts,
			"content": []map[string]string{
				{"type": "text", "text": t.Text},
			},
		})
	}
	return mustMarshal(map[string]any{
		"uuid":          uuid,
		"name":          name,
		"created_at":    createdAt,
		"updated_at":    createdAt,
		"chat_messages": msgs,
	})
}

// ChatGPTConversationJSON returns a ChatGPT export record with a
// linear mapping tree as a single-line JSON string.
func ChatGPTConversationJSON(
	id, title string, createTime float64, turns ...Turn,
) string {
	mapping := map[string]any{
		"root": map[string]any{
			"id":       "root",
			"message":  nil,
			"parent":   nil,
			"children": []string{},
		},
	}
	parent := "root"
	for i, t := range turns {
		nodeID := fmt.Sprintf("%s-n%d", id, i)
		mapping[nodeID] = map[string]any{
			"id": nodeID,
			"message": map[string]any{
				"id":          nodeID,
				"author":      map[string]string{"role": t.Role},
				"create_time": createTime + float64(i),
				"content": map[string]any{
					"content_type": "text",
					"parts":        []string{t.Text},
				},
			},
			"parent":   parent,
			"children": []string{},
		}
		parent = nodeID
	}
	return mustMarshal(map[string]any{
		"id":           id,
		"title":        title,
		"create_time":  createTime,
		"update_time":  createTime + float64(len(turns)),
		"mapping":      mapping,
		"current_node": parent,
	})
}

// GeminiConversationJSON returns a Gemini export record as a
// single-line JSON string.
func GeminiConversationJSON(
	id, title, createTime string, turns ...Turn,
) string {
	msgs := make([]map[string]any, 0, len(turns))
	for _, t := range turns {
		role := t.Role
		if role == "assistant" {
			role = "model"
		}
		ts := t.Timestamp
		if ts == "" {
			ts = createTime
		}
		msgs = append(msgs, map[string]any{
			"role":       role,
			"text":       t.Text,
			"createTime": ts,
		})
	}
	return mustMarshal(map[string]any{
		"id":         id,
		"title":      title,
		"createTime": createTime,
		"updateTime": createTime,
		"messages":   msgs,
	})
}

// ArchiveBuilder accumulates export records and renders them
// either as JSONL or as a JSON array.
type ArchiveBuilder struct {
	records []string
}

// NewArchiveBuilder returns an empty builder.
func NewArchiveBuilder() *ArchiveBuilder {
	return &ArchiveBuilder{}
}

// AddClaude appends a Claude conversation record.
func (b *ArchiveBuilder) AddClaude(
	uuid, name, createdAt string, turns ...Turn,
) *ArchiveBuilder {
	b.records = append(b.records,
		ClaudeConversationJSON(uuid, name, createdAt, turns...))
	return b
}

// AddChatGPT appends a ChatGPT conversation record.
func (b *ArchiveBuilder) AddChatGPT(
	id, title string, createTime float64, turns ...Turn,
) *ArchiveBuilder {
	b.records = append(b.records,
		ChatGPTConversationJSON(id, title, createTime, turns...))
	return b
}

// AddGemini appends a Gemini conversation record.
func (b *ArchiveBuilder) AddGemini(
	id, title, createTime string, turns ...Turn,
) *ArchiveBuilder {
	b.records = append(b.records,
		GeminiConversationJSON(id, title, createTime, turns...))
	return b
}

// AddRaw appends an arbitrary raw record.
func (b *ArchiveBuilder) AddRaw(line string) *ArchiveBuilder {
	b.records = append(b.records, line)
	return b
}

// Len returns the number of records added so far.
func (b *ArchiveBuilder) Len() int { return len(b.records) }

// String returns the JSONL content with a trailing newline.
func (b *ArchiveBuilder) String() string {
	if len(b.records) == 0 {
		return ""
	}
	return strings.Join(b.records, "\n") + "\n"
}

// JSONArray returns the records as a pretty-printed JSON array,
// the layout of a conversations.json export.
func (b *ArchiveBuilder) JSONArray() string {
	return "[\n  " + strings.Join(b.records, ",\n  ") + "\n]\n"
}

func mustMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
