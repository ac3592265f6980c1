package archive

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	helloWorldHash = "a948904f2f0f479b8f8197694b30184b0d2ed1c1cd2a1ec0fb85d299a192a447"
	emptyInputHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

type failingReader struct{ err error }

func (r *failingReader) Read([]byte) (int, error) { return 0, r.err }

func writeFile(t *testing.T, content string) string {
	t.Helper()
	cleanName := strings.ReplaceAll(t.Name(), "/", "_")
	path := filepath.Join(t.TempDir(), cleanName+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestComputeHash(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"hello world", "hello world\n", helloWorldHash},
		{"empty input", "", emptyInputHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeHash(strings.NewReader(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeFileHash(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) string
		want    string
		wantErr bool
	}{
		{
			name:  "hello world",
			setup: func(t *testing.T) string { return writeFile(t, "hello world\n") },
			want:  helloWorldHash,
		},
		{
			name:  "empty file",
			setup: func(t *testing.T) string { return writeFile(t, "") },
			want:  emptyInputHash,
		},
		{
			name: "missing file",
			setup: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "nonexistent.jsonl")
			},
			wantErr: true,
		},
		{
			name:    "directory",
			setup:   func(t *testing.T) string { return t.TempDir() },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeFileHash(tt.setup(t))
			if tt.wantErr {
				var pathErr *os.PathError
				assert.True(t, errors.As(err, &pathErr),
					"expected *os.PathError, got %T: %v", err, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeHash_ReaderError(t *testing.T) {
	errInjected := errors.New("injected error")
	_, err := ComputeHash(&failingReader{err: errInjected})
	assert.ErrorIs(t, err, errInjected)
}

func TestStatFile(t *testing.T) {
	path := writeFile(t, "hello world\n")
	st, err := StatFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(12), st.Size)
	assert.Equal(t, helloWorldHash, st.Hash)
	assert.False(t, st.ModTime.IsZero())

	_, err = StatFile(filepath.Join(t.TempDir(), "gone"))
	assert.True(t, os.IsNotExist(err))
}
