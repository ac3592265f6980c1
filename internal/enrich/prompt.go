package enrich

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/cogrepo/cogrepo/internal/timeutil"
)

// maxPromptText bounds the transcript sent to a model. Longer
// transcripts keep their head and tail.
const maxPromptText = 60000

const systemPrompt = `You catalogue exported AI chat conversations.
Respond with a single JSON object and nothing else, with keys:
  "title": a specific title of at most 80 characters,
  "summary_abstractive": 2-3 sentences in your own words,
  "summary_extractive": the most representative sentence quoted from the conversation,
  "tags": 3-8 lowercase keywords,
  "primary_domain": one of "software", "data", "writing", "research", "business", "personal", "other",
  "score": overall usefulness from 0 to 10,
  "key_insights": up to 5 short takeaways.`

// BuildPrompt renders the user message for req.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\n", req.Source)
	if req.OriginalTitle != "" {
		fmt.Fprintf(&b, "Original title: %s\n", req.OriginalTitle)
	}
	if !req.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "Created: %s\n", timeutil.Format(req.CreatedAt))
	}
	b.WriteString("\n## Conversation\n\n")
	b.WriteString(clip(req.Text, maxPromptText))
	b.WriteString("\n")
	return b.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	head := n / 2
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}
	tail := len(s) - n/2
	for tail < len(s) && !utf8.RuneStart(s[tail]) {
		tail++
	}
	return s[:head] + "\n\n[... conversation truncated ...]\n\n" +
		s[tail:]
}

// ParseResult extracts the metadata object from a model response.
// The object may be wrapped in prose or a code fence. A response
// without a usable object is a permanent failure.
func ParseResult(text string) (Result, error) {
	obj := extractObject(text)
	if obj == "" || !gjson.Valid(obj) {
		return Result{}, permanent(
			"response has no JSON object: %q", clip(text, 200),
		)
	}
	r := gjson.Parse(obj)
	res := Result{
		Title:              strings.TrimSpace(r.Get("title").String()),
		SummaryAbstractive: strings.TrimSpace(r.Get("summary_abstractive").String()),
		SummaryExtractive:  strings.TrimSpace(r.Get("summary_extractive").String()),
		PrimaryDomain:      strings.ToLower(strings.TrimSpace(r.Get("primary_domain").String())),
		Score:              r.Get("score").Float(),
		Tags:               stringList(r.Get("tags")),
		KeyInsights:        stringList(r.Get("key_insights")),
	}
	if res.Title == "" && res.SummaryAbstractive == "" {
		return Result{}, permanent("response object has no title or summary")
	}
	res.Score = min(max(res.Score, 0), 10)
	return res, nil
}

// extractObject returns the outermost {...} span of text.
func extractObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}

func stringList(v gjson.Result) []string {
	var out []string
	for _, item := range v.Array() {
		if s := strings.TrimSpace(item.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}
