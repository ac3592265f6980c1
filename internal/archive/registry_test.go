package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogrepo/cogrepo/internal/fileutil"
	"github.com/cogrepo/cogrepo/internal/parser"
	"github.com/cogrepo/cogrepo/internal/testjsonl"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := OpenRegistry(filepath.Join(t.TempDir(), "archives.json"))
	require.NoError(t, err)
	r.now = func() time.Time { return fixedNow }
	return r
}

func claudeArchive(t *testing.T) string {
	t.Helper()
	b := testjsonl.NewArchiveBuilder()
	b.AddClaude("c-1", "First", "2024-01-01T10:00:00Z",
		testjsonl.User("hi"), testjsonl.Assistant("hello"))
	return writeFile(t, b.String())
}

func TestRegister(t *testing.T) {
	r := newTestRegistry(t)
	path := claudeArchive(t)

	rec, err := r.Register("main", "", path, true)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, parser.SourceClaude, rec.Source, "source is detected")
	assert.Equal(t, path, rec.FilePath)
	assert.Equal(t, fixedNow, rec.RegisteredAt)
	assert.True(t, rec.Enabled)
	assert.True(t, rec.AutoSync)
	assert.True(t, rec.Cursor.IsZero())
	assert.Empty(t, rec.FileHash)

	got, ok := r.Get("main")
	require.True(t, ok)
	assert.Equal(t, rec, got)
}

func TestRegister_RelativePathIsResolved(t *testing.T) {
	r := newTestRegistry(t)
	path := claudeArchive(t)
	t.Chdir(filepath.Dir(path))

	rec, err := r.Register("main", parser.SourceClaude, filepath.Base(path), false)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(rec.FilePath))
}

func TestRegister_Errors(t *testing.T) {
	r := newTestRegistry(t)
	path := claudeArchive(t)
	_, err := r.Register("main", "", path, true)
	require.NoError(t, err)

	unknown := writeFile(t, `{"foo":"bar"}`+"\n")
	other := claudeArchive(t)

	tests := []struct {
		name    string
		arch    string
		source  parser.Source
		path    string
		wantErr error
	}{
		{"empty name", " ", "", other, ErrInvalidName},
		{"name with slash", "a/b", "", other, ErrInvalidName},
		{"duplicate name", "main", "", other, ErrDuplicateName},
		{"duplicate path", "second", "", path, ErrDuplicatePath},
		{"missing file", "x", "", filepath.Join(t.TempDir(), "nope.json"), ErrFileNotFound},
		{"directory", "x", "", t.TempDir(), ErrFileNotFound},
		{"undetectable", "x", "", unknown, ErrUnknownSource},
		{"invalid source", "x", parser.Source("myspace"), other, ErrUnknownSource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(tt.arch, tt.source, tt.path, false)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Len(t, r.List(), 1, "failed registrations leave no trace")
}

func TestUnregister(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("main", "", claudeArchive(t), true)
	require.NoError(t, err)

	require.NoError(t, r.Unregister("main"))
	_, ok := r.Get("main")
	assert.False(t, ok)
	assert.ErrorIs(t, r.Unregister("main"), ErrNotFound)
}

func TestList_SortedByName(t *testing.T) {
	r := newTestRegistry(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := r.Register(name, parser.SourceClaude, claudeArchive(t), name != "mid")
		require.NoError(t, err)
	}
	var names []string
	for _, rec := range r.List() {
		names = append(names, rec.Name)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)

	require.NoError(t, r.SetEnabled("zeta", false))
	targets := r.AutoSyncTargets()
	require.Len(t, targets, 1)
	assert.Equal(t, "alpha", targets[0].Name)
}

func TestUpdateAfterSync(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("main", "", claudeArchive(t), true)
	require.NoError(t, err)

	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, r.UpdateAfterSync("main", SyncUpdate{
		File:      FileState{Size: 10, Hash: "h1", ModTime: ts},
		Cursor:    Cursor{LastExternalID: "c-1", LastTimestamp: ts, ByteOffset: 10, ConversationCount: 1},
		Total:     1,
		Processed: 1,
		SyncedAt:  fixedNow,
	}))
	require.NoError(t, r.UpdateAfterSync("main", SyncUpdate{
		File:      FileState{Size: 20, Hash: "h2", ModTime: ts},
		Cursor:    Cursor{LastExternalID: "c-2", LastTimestamp: ts.Add(time.Hour), ByteOffset: 20, ConversationCount: 1},
		Total:     2,
		Processed: 1,
		Pending:   0,
		SyncedAt:  fixedNow.Add(time.Minute),
	}))

	rec, _ := r.Get("main")
	assert.Equal(t, "h2", rec.FileHash)
	assert.Equal(t, int64(20), rec.FileSize)
	assert.Equal(t, 2, rec.TotalConversations)
	assert.Equal(t, 2, rec.ProcessedConversations)
	assert.Equal(t, fixedNow.Add(time.Minute), rec.LastSyncAt)
	if diff := cmp.Diff(Cursor{
		LastExternalID:    "c-2",
		LastTimestamp:     ts.Add(time.Hour),
		ByteOffset:        20,
		ConversationCount: 2,
	}, rec.Cursor); diff != "" {
		t.Errorf("cursor mismatch (-want +got):\n%s", diff)
	}

	assert.ErrorIs(t, r.UpdateAfterSync("nope", SyncUpdate{}), ErrNotFound)
}

func TestResetCursor(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("main", "", claudeArchive(t), true)
	require.NoError(t, err)
	require.NoError(t, r.UpdateAfterSync("main", SyncUpdate{
		File:      FileState{Size: 10, Hash: "h1"},
		Cursor:    Cursor{LastExternalID: "c-1", ByteOffset: 10, ConversationCount: 1},
		Total:     1,
		Processed: 1,
		Pending:   1,
	}))

	require.NoError(t, r.ResetCursor("main"))
	rec, _ := r.Get("main")
	assert.True(t, rec.Cursor.IsZero())
	assert.Empty(t, rec.FileHash)
	assert.Zero(t, rec.FileSize)
	assert.Zero(t, rec.PendingConversations)
	assert.Equal(t, 1, rec.ProcessedConversations, "history is kept")
}

func TestSaveAndReopen(t *testing.T) {
	r := newTestRegistry(t)
	rec, err := r.Register("main", "", claudeArchive(t), true)
	require.NoError(t, err)
	require.NoError(t, r.SetAutoSync("main", false))
	require.NoError(t, r.Save())

	reopened, err := OpenRegistry(r.Path())
	require.NoError(t, err)
	got, ok := reopened.Get("main")
	require.True(t, ok)
	rec.AutoSync = false
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenRegistry_NewerFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archives.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"version":"v3.1.0","archives":{}}`), 0o600))
	_, err := OpenRegistry(path)
	assert.ErrorIs(t, err, fileutil.ErrNewerFormat)
}

func TestOpenRegistry_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archives.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))
	_, err := OpenRegistry(path)
	assert.Error(t, err)
}
