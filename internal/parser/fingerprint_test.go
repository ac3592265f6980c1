package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func sampleConversation() Conversation {
	return Conversation{
		ExternalID: "c-1",
		Source:     SourceClaude,
		Title:      "Login bug",
		CreatedAt:  time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		Messages: []Message{
			{Role: RoleUser, Content: "Fix the login bug"},
			{Role: RoleAssistant, Content: "Looking"},
			{Role: RoleUser, Content: "Thanks"},
		},
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	c := sampleConversation()
	fp := Fingerprint(c)
	assert.Len(t, fp, 64)
	for range 5 {
		assert.Equal(t, fp, Fingerprint(c))
	}
	// Ledgers written by older builds store this value.
	assert.Equal(t,
		"6bef67cfa7a595f17477a5343528f845299996d0a1d5d1d90f58de9434e11162",
		fp,
	)
}

func TestFingerprint_IgnoresExternalIDAndMiddle(t *testing.T) {
	a := sampleConversation()
	b := sampleConversation()
	b.ExternalID = "c-other"
	b.Messages[1].Content = "different middle turn"
	b.UpdatedAt = time.Now()
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_SensitiveToIdentityFields(t *testing.T) {
	base := Fingerprint(sampleConversation())
	tests := []struct {
		name   string
		mutate func(*Conversation)
	}{
		{"source", func(c *Conversation) { c.Source = SourceGemini }},
		{"title", func(c *Conversation) { c.Title = "Other" }},
		{"first message", func(c *Conversation) { c.Messages[0].Content = "x" }},
		{"last message", func(c *Conversation) { c.Messages[2].Content = "x" }},
		{"created at", func(c *Conversation) { c.CreatedAt = c.CreatedAt.Add(time.Second) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := sampleConversation()
			tt.mutate(&c)
			assert.NotEqual(t, base, Fingerprint(c))
		})
	}
}

func TestFingerprint_FewMessages(t *testing.T) {
	empty := Conversation{Source: SourceChatGPT, Title: "t"}
	assert.Len(t, Fingerprint(empty), 64)

	one := Conversation{
		Source:   SourceChatGPT,
		Title:    "t",
		Messages: []Message{{Role: RoleUser, Content: "only"}},
	}
	assert.Equal(t, "only", one.FirstMessage())
	assert.Equal(t, "only", one.LastMessage())
	assert.NotEqual(t, Fingerprint(empty), Fingerprint(one))
}

func TestFingerprint_TimeZoneIndependent(t *testing.T) {
	a := sampleConversation()
	b := sampleConversation()
	b.CreatedAt = a.CreatedAt.In(time.FixedZone("CET", 3600))
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}
