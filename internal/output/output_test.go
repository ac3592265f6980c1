package output

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogrepo/cogrepo/internal/enrich"
	"github.com/cogrepo/cogrepo/internal/parser"
)

func sampleRecord(id string) Record {
	return Record{
		InternalID:    "int-" + id,
		ExternalID:    id,
		Source:        parser.SourceClaude,
		Archive:       "main",
		Fingerprint:   "fp-" + id,
		OriginalTitle: "Original <" + id + ">",
		CreatedAt:     time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		ProcessedAt:   time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		MessageCount:  1,
		Messages: []parser.Message{
			{Role: parser.RoleUser, Content: "hi & bye"},
		},
		Enriched: true,
		Result: enrich.Result{
			Title: "Title " + id,
			Tags:  []string{"a", "b"},
			Score: 4,
		},
	}
}

func TestAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "conversations.jsonl")
	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(sampleRecord("a"), sampleRecord("b")))
	require.NoError(t, w.Append())
	require.NoError(t, w.Close())

	// Reopening appends rather than truncating.
	w, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(sampleRecord("c")))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))
	assert.Contains(t, string(data), `"title":"Title a"`, "enrichment fields are inlined")
	assert.Contains(t, string(data), "Original <a>", "HTML is not escaped")

	got, err := ReadFile(path)
	require.NoError(t, err)
	want := []Record{sampleRecord("a"), sampleRecord("b"), sampleRecord("c")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestReadAll_PartialTrailingLine(t *testing.T) {
	input := `{"external_id":"a","source":"claude"}` + "\n" + `{"external_id":"b","sou`
	got, err := ReadAll(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ExternalID)
}

func TestReadAll_CorruptLine(t *testing.T) {
	input := "{nope}\n" + `{"external_id":"a"}` + "\n"
	_, err := ReadAll(strings.NewReader(input))
	assert.ErrorContains(t, err, "decoding record 1")
}

func TestReadFile_Missing(t *testing.T) {
	got, err := ReadFile(filepath.Join(t.TempDir(), "none.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, got)
}
