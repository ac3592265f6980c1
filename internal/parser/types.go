package parser

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies the platform that produced an export.
type Source string

const (
	SourceChatGPT Source = "chatgpt"
	SourceClaude  Source = "claude"
	SourceGemini  Source = "gemini"
)

// ParseSource maps a user-supplied name to a Source. Matching is
// case-insensitive and accepts a few common aliases.
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "chatgpt", "openai":
		return SourceChatGPT, nil
	case "claude", "anthropic":
		return SourceClaude, nil
	case "gemini", "bard", "google":
		return SourceGemini, nil
	}
	return "", fmt.Errorf("unknown source %q", s)
}

// Valid reports whether s is one of the supported sources.
func (s Source) Valid() bool {
	_, ok := SourceByType(s)
	return ok
}

// RoleType identifies the role of a message sender.
type RoleType string

const (
	RoleUser      RoleType = "user"
	RoleAssistant RoleType = "assistant"
	RoleSystem    RoleType = "system"
	RoleTool      RoleType = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role      RoleType  `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Conversation is the normalized form every source parser
// produces. ExternalID is only unique within Source.
type Conversation struct {
	ExternalID string    `json:"external_id"`
	Source     Source    `json:"source"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"created_at,omitzero"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
	Messages   []Message `json:"messages"`
}

// FirstMessage returns the content of the first message, or "".
func (c Conversation) FirstMessage() string {
	if len(c.Messages) == 0 {
		return ""
	}
	return c.Messages[0].Content
}

// LastMessage returns the content of the last message, or "".
func (c Conversation) LastMessage() string {
	if len(c.Messages) == 0 {
		return ""
	}
	return c.Messages[len(c.Messages)-1].Content
}

// Text renders the conversation as a plain transcript, one
// "role: content" block per message.
func (c Conversation) Text() string {
	var b strings.Builder
	for i, m := range c.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
