package enrich

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/cogrepo/cogrepo/internal/parser"
)

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(Request{
		Source:        parser.SourceChatGPT,
		OriginalTitle: "Regex help",
		CreatedAt:     time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC),
		Text:          "user: how do I match digits?",
	})
	assert.Contains(t, p, "Source: chatgpt\n")
	assert.Contains(t, p, "Original title: Regex help\n")
	assert.Contains(t, p, "Created: 2024-02-03T04:05:06Z\n")
	assert.Contains(t, p, "user: how do I match digits?")
}

func TestBuildPrompt_ClipsLongText(t *testing.T) {
	text := "HEAD" + strings.Repeat("ü", maxPromptText) + "TAIL"
	p := BuildPrompt(Request{Source: parser.SourceClaude, Text: text})
	assert.Less(t, len(p), len(text))
	assert.Contains(t, p, "HEAD")
	assert.Contains(t, p, "TAIL")
	assert.Contains(t, p, "conversation truncated")
	assert.True(t, utf8.ValidString(p))
}

func TestParseResult(t *testing.T) {
	want := Result{
		Title:              "Matching digits",
		SummaryAbstractive: "The user asked about regex.",
		SummaryExtractive:  "Use \\d+.",
		Tags:               []string{"regex", "go"},
		PrimaryDomain:      "software",
		Score:              7.5,
		KeyInsights:        []string{"\\d matches digits"},
	}
	obj := `{"title":"Matching digits","summary_abstractive":"The user asked about regex.",` +
		`"summary_extractive":"Use \\d+.","tags":["regex","go",""],` +
		`"primary_domain":"Software","score":7.5,"key_insights":["\\d matches digits"]}`

	tests := []struct {
		name  string
		input string
	}{
		{"bare object", obj},
		{"code fence", "```json\n" + obj + "\n```"},
		{"surrounding prose", "Here you go:\n" + obj + "\nHope this helps."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResult(tt.input)
			assert.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseResult_Errors(t *testing.T) {
	for _, input := range []string{
		"",
		"I cannot help with that.",
		`{"title": "unterminated`,
		`{"tags": ["a"]}`,
	} {
		_, err := ParseResult(input)
		assert.ErrorIs(t, err, ErrPermanent, "input %q", input)
	}
}

func TestParseResult_ClampsScore(t *testing.T) {
	got, err := ParseResult(`{"title":"x","score":42}`)
	assert.NoError(t, err)
	assert.Equal(t, 10.0, got.Score)

	got, err = ParseResult(`{"title":"x","score":-3}`)
	assert.NoError(t, err)
	assert.Equal(t, 0.0, got.Score)
}
