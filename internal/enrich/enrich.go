// Package enrich generates AI metadata (title, summaries, tags,
// domain, quality score) for conversations. The sync engine only
// depends on the Enricher interface; two clients are provided, one
// for the Anthropic Messages API and one that shells out to a
// user-configured command.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cogrepo/cogrepo/internal/parser"
)

// Error kinds. Every error returned by an Enricher wraps one of
// them.
var (
	// ErrTransient marks failures worth retrying later: timeouts,
	// rate limits, server errors, unreachable endpoints.
	ErrTransient = errors.New("transient enrichment failure")
	// ErrPermanent marks failures that will repeat on retry:
	// rejected requests and unusable responses.
	ErrPermanent = errors.New("permanent enrichment failure")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func transient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

func permanent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// Request is the input of one enrichment.
type Request struct {
	Source        parser.Source
	ExternalID    string
	OriginalTitle string
	CreatedAt     time.Time
	// Text is the rendered conversation transcript.
	Text string
}

// NewRequest builds a Request from a parsed conversation.
func NewRequest(c parser.Conversation) Request {
	return Request{
		Source:        c.Source,
		ExternalID:    c.ExternalID,
		OriginalTitle: c.Title,
		CreatedAt:     c.CreatedAt,
		Text:          c.Text(),
	}
}

// Result is the metadata produced for one conversation.
type Result struct {
	Title              string   `json:"title"`
	SummaryAbstractive string   `json:"summary_abstractive"`
	SummaryExtractive  string   `json:"summary_extractive"`
	Tags               []string `json:"tags"`
	PrimaryDomain      string   `json:"primary_domain"`
	Score              float64  `json:"score"`
	KeyInsights        []string `json:"key_insights"`
	Model              string   `json:"model,omitempty"`
}

// Enricher produces metadata for a conversation.
type Enricher interface {
	Enrich(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to the Enricher interface.
type Func func(ctx context.Context, req Request) (Result, error)

// Enrich implements Enricher.
func (f Func) Enrich(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Passthrough fills a Result from the conversation alone, without
// calling any model. Used when enrichment is disabled.
type Passthrough struct{}

const extractiveLen = 280

// Enrich implements Enricher.
func (Passthrough) Enrich(_ context.Context, req Request) (Result, error) {
	return Result{
		Title:             req.OriginalTitle,
		SummaryExtractive: firstChars(req.Text, extractiveLen),
	}, nil
}

func firstChars(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
