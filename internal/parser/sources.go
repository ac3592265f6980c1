package parser

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/cogrepo/cogrepo/internal/timeutil"
)

// TimestampFormat describes how a source encodes record times.
type TimestampFormat int

const (
	TimestampISO TimestampFormat = iota
	TimestampEpoch
)

// ErrNoMapping is returned for a ChatGPT record without a
// message mapping.
var ErrNoMapping = errors.New("missing message mapping")

// SourceDef describes where a source keeps the identity fields of
// a conversation record and how to extract its messages.
type SourceDef struct {
	Type        Source
	DisplayName string

	// IDFields are tried in order; the first non-empty value wins.
	IDFields        []string
	TimestampField  string
	TimestampFormat TimestampFormat
	UpdatedField    string
	TitleField      string

	// Signature reports whether a raw record looks like this
	// source's export. Used by format auto-detection.
	Signature func(gjson.Result) bool

	extractMessages func(gjson.Result) ([]Message, error)
}

// Registry lists all supported sources. Order is stable and used
// for auto-detection.
var Registry = []SourceDef{
	{
		Type:            SourceChatGPT,
		DisplayName:     "ChatGPT",
		IDFields:        []string{"conversation_id", "id"},
		TimestampField:  "create_time",
		TimestampFormat: TimestampEpoch,
		UpdatedField:    "update_time",
		TitleField:      "title",
		Signature: func(r gjson.Result) bool {
			return r.Get("mapping").IsObject()
		},
		extractMessages: extractChatGPTMessages,
	},
	{
		Type:            SourceClaude,
		DisplayName:     "Claude",
		IDFields:        []string{"uuid"},
		TimestampField:  "created_at",
		TimestampFormat: TimestampISO,
		UpdatedField:    "updated_at",
		TitleField:      "name",
		Signature: func(r gjson.Result) bool {
			return r.Get("chat_messages").IsArray()
		},
		extractMessages: extractClaudeMessages,
	},
	{
		Type:            SourceGemini,
		DisplayName:     "Gemini",
		IDFields:        []string{"id", "conversationId"},
		TimestampField:  "createTime",
		TimestampFormat: TimestampISO,
		UpdatedField:    "updateTime",
		TitleField:      "title",
		Signature: func(r gjson.Result) bool {
			return r.Get("messages").IsArray() &&
				r.Get("createTime").Exists()
		},
		extractMessages: extractGeminiMessages,
	},
}

// SourceByType returns the SourceDef for the given source.
func SourceByType(s Source) (SourceDef, bool) {
	for _, def := range Registry {
		if def.Type == s {
			return def, true
		}
	}
	return SourceDef{}, false
}

// SourceForRecord returns the first source whose signature
// matches the record.
func SourceForRecord(r gjson.Result) (SourceDef, bool) {
	for _, def := range Registry {
		if def.Signature != nil && def.Signature(r) {
			return def, true
		}
	}
	return SourceDef{}, false
}

// ID extracts the record's external ID, or "".
func (d SourceDef) ID(r gjson.Result) string {
	for _, f := range d.IDFields {
		if v := strings.TrimSpace(r.Get(f).String()); v != "" {
			return v
		}
	}
	return ""
}

// Timestamp extracts the record's creation time. The zero time
// means the record carries none.
func (d SourceDef) Timestamp(r gjson.Result) time.Time {
	return d.parseTime(r.Get(d.TimestampField))
}

func (d SourceDef) parseTime(v gjson.Result) time.Time {
	if !v.Exists() {
		return time.Time{}
	}
	if d.TimestampFormat == TimestampEpoch || v.Type == gjson.Number {
		if t, ok := timeutil.FromEpoch(v.Float()); ok {
			return t
		}
		return time.Time{}
	}
	t, _ := timeutil.ParseISO(v.Str)
	return t
}

// Parse converts a raw record into a Conversation. It fails when
// the record has no ID or its message structure is unreadable. A
// conversation without messages is valid.
func (d SourceDef) Parse(r gjson.Result) (Conversation, error) {
	id := d.ID(r)
	if id == "" {
		return Conversation{}, fmt.Errorf(
			"%s record: missing id", d.Type,
		)
	}
	msgs, err := d.extractMessages(r)
	if err != nil {
		return Conversation{}, fmt.Errorf(
			"%s record %s: %w", d.Type, id, err,
		)
	}

	conv := Conversation{
		ExternalID: id,
		Source:     d.Type,
		Title:      strings.TrimSpace(r.Get(d.TitleField).Str),
		CreatedAt:  d.Timestamp(r),
		UpdatedAt:  d.parseTime(r.Get(d.UpdatedField)),
		Messages:   msgs,
	}
	if conv.CreatedAt.IsZero() && len(msgs) > 0 {
		conv.CreatedAt = msgs[0].Timestamp
	}
	if conv.Title == "" {
		conv.Title = truncate(
			strings.ReplaceAll(conv.FirstMessage(), "\n", " "), 80,
		)
	}
	return conv, nil
}

func normalizeRole(role string) RoleType {
	switch strings.ToLower(role) {
	case "user", "human":
		return RoleUser
	case "assistant", "model", "gemini", "bot":
		return RoleAssistant
	case "system":
		return RoleSystem
	case "tool", "function":
		return RoleTool
	}
	return RoleType(strings.ToLower(role))
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
