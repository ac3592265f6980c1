package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogrepo/cogrepo/internal/fileutil"
	"github.com/cogrepo/cogrepo/internal/parser"
)

var (
	day1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
)

func newTestState(t *testing.T) *State {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "ledger.json"))
	s.now = func() time.Time { return day2 }
	return s
}

func TestRecord_IDDedupIsPerSource(t *testing.T) {
	s := newTestState(t)
	isNew := s.Record(parser.SourceClaude, "abc", Entry{
		InternalID:  "i-1",
		Fingerprint: "fp-1",
	})
	assert.True(t, isNew)

	assert.True(t, s.IsProcessed(parser.SourceClaude, "abc"))
	assert.False(t, s.IsProcessed(parser.SourceChatGPT, "abc"),
		"external ids are only unique within a source")
	assert.False(t, s.IsProcessed(parser.SourceClaude, "other"))
	assert.Equal(t, 1, s.ProcessedCount(parser.SourceClaude))
	assert.Zero(t, s.ProcessedCount(parser.SourceChatGPT))
}

func TestRecord_Idempotent(t *testing.T) {
	s := newTestState(t)
	e := Entry{InternalID: "i-1", Fingerprint: "fp-1", ConversationDate: day1}
	assert.True(t, s.Record(parser.SourceClaude, "abc", e))
	assert.False(t, s.Record(parser.SourceClaude, "abc", e))
	assert.False(t, s.Record(parser.SourceClaude, "abc", e))

	assert.Equal(t, 1, s.ProcessedCount(parser.SourceClaude))
	assert.Equal(t, 1, s.Stats()[parser.SourceClaude].Processed)

	got, ok := s.Lookup(parser.SourceClaude, "abc")
	require.True(t, ok)
	assert.Equal(t, day2, got.ProcessedAt, "ProcessedAt defaults to now")
}

func TestRecord_ContentDedupIsGlobal(t *testing.T) {
	s := newTestState(t)
	s.Record(parser.SourceClaude, "abc", Entry{InternalID: "i-1", Fingerprint: "fp-1"})

	assert.True(t, s.IsDuplicateContent("fp-1"))
	assert.False(t, s.IsDuplicateContent("fp-2"))
	assert.False(t, s.IsDuplicateContent(""))

	// A second conversation with the same content does not take
	// over the fingerprint: it stays with abc and follows abc's
	// fingerprint changes.
	s.Record(parser.SourceGemini, "xyz", Entry{InternalID: "i-2", Fingerprint: "fp-1"})
	assert.True(t, s.IsDuplicateContent("fp-1"))
	s.Record(parser.SourceClaude, "abc", Entry{InternalID: "i-1", Fingerprint: "fp-3"})
	assert.False(t, s.IsDuplicateContent("fp-1"))
}

func TestRecord_FingerprintChange(t *testing.T) {
	s := newTestState(t)
	s.Record(parser.SourceClaude, "abc", Entry{InternalID: "i-1", Fingerprint: "fp-old"})
	s.Record(parser.SourceClaude, "abc", Entry{InternalID: "i-1", Fingerprint: "fp-new"})

	assert.False(t, s.IsDuplicateContent("fp-old"))
	assert.True(t, s.IsDuplicateContent("fp-new"))
}

func TestRecord_Watermark(t *testing.T) {
	s := newTestState(t)
	s.Record(parser.SourceClaude, "b", Entry{ConversationDate: day2})
	s.Record(parser.SourceClaude, "a", Entry{ConversationDate: day1})

	assert.Equal(t, day2, s.Stats()[parser.SourceClaude].LastConversationDate,
		"watermark only moves forward")
}

func TestRecordFailure(t *testing.T) {
	s := newTestState(t)
	s.RecordFailure(parser.SourceClaude, "abc", "main", "timeout", true)
	s.RecordFailure(parser.SourceClaude, "abc", "main", "rate limited", true)
	s.RecordFailure(parser.SourceClaude, "bad", "main", "malformed", false)

	failures := s.Failures(parser.SourceClaude)
	require.Len(t, failures, 2)
	assert.Equal(t, "abc", failures[0].ExternalID)
	assert.Equal(t, 2, failures[0].Attempts)
	assert.Equal(t, "rate limited", failures[0].LastError)
	assert.Equal(t, day2, failures[0].FirstFailedAt)

	assert.Equal(t, map[string]bool{"abc": true},
		s.RetryableIDs(parser.SourceClaude, ""))
	assert.Equal(t, 2, s.Stats()[parser.SourceClaude].Failed)
	assert.False(t, s.IsProcessed(parser.SourceClaude, "abc"),
		"failures stay eligible for reprocessing")

	s.Record(parser.SourceClaude, "abc", Entry{InternalID: "i-1"})
	assert.Len(t, s.Failures(parser.SourceClaude), 1,
		"a success clears the failure")
	assert.Equal(t, 1, s.Stats()[parser.SourceClaude].Failed)

	s.ClearFailure(parser.SourceClaude, "bad")
	s.ClearFailure(parser.SourceClaude, "bad")
	assert.Empty(t, s.Failures(""))
	assert.Equal(t, 0, s.Stats()[parser.SourceClaude].Failed)
}

func TestRetryableIDs_ByArchive(t *testing.T) {
	s := newTestState(t)
	s.RecordFailure(parser.SourceClaude, "a", "main", "timeout", true)
	s.RecordFailure(parser.SourceClaude, "b", "work", "timeout", true)
	s.RecordFailure(parser.SourceClaude, "c", "", "timeout", true)
	s.RecordFailure(parser.SourceClaude, "d", "main", "bad request", false)

	assert.Equal(t, map[string]bool{"a": true, "c": true},
		s.RetryableIDs(parser.SourceClaude, "main"))
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true},
		s.RetryableIDs(parser.SourceClaude, ""))
	assert.Empty(t, s.RetryableIDs(parser.SourceGemini, "main"))
}

func TestSaveLoad(t *testing.T) {
	s := newTestState(t)
	s.Record(parser.SourceClaude, "abc", Entry{
		InternalID:       "i-1",
		Fingerprint:      "fp-1",
		ConversationDate: day1,
		Archive:          "main",
	})
	s.RecordFailure(parser.SourceChatGPT, "g-1", "gpt", "timeout", true)
	require.NoError(t, s.Save())

	loaded, err := Load(s.Path())
	require.NoError(t, err)
	assert.True(t, loaded.IsProcessed(parser.SourceClaude, "abc"))
	assert.True(t, loaded.IsDuplicateContent("fp-1"))
	assert.Equal(t, s.Stats(), loaded.Stats())
	assert.Equal(t, s.Failures(""), loaded.Failures(""))

	got, ok := loaded.Lookup(parser.SourceClaude, "abc")
	require.True(t, ok)
	assert.Equal(t, "main", got.Archive)
}

func TestLoad_Missing(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, s.ProcessedCount(parser.SourceClaude))
	assert.False(t, s.IsDuplicateContent("x"))

	// A fresh ledger must accept writes without nil-map panics.
	s.Record(parser.SourceClaude, "a", Entry{Fingerprint: "x"})
	s.RecordFailure(parser.SourceGemini, "b", "", "e", true)
}

func TestLoad_NewerFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"version":"v2.0.0","sources":{}}`), 0o600))

	_, err := Load(path)
	assert.ErrorIs(t, err, fileutil.ErrNewerFormat)
}

func TestLoad_NilMaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"v1.0.0"}`), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	s.Record(parser.SourceClaude, "a", Entry{Fingerprint: "x"})
	s.RecordFailure(parser.SourceClaude, "b", "", "e", false)
	assert.True(t, s.IsProcessed(parser.SourceClaude, "a"))
}
