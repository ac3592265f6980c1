package fileutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	require.NoError(t, WriteAtomic(path, []byte("one"), 0o600))
	require.NoError(t, WriteAtomic(path, []byte("two"), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.json")

	var missing map[string]int
	ok, err := ReadJSON(path, &missing)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, WriteJSONAtomic(path, map[string]int{"a": 1}))
	var got map[string]int
	ok, err = ReadJSON(path, &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, map[string]int{"a": 1}, got)
}

func TestReadJSON_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	var v map[string]any
	_, err := ReadJSON(path, &v)
	assert.Error(t, err)
}

func TestLock_Exclusive(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("advisory lock semantics verified on unix only")
	}
	path := filepath.Join(t.TempDir(), "cogrepo.lock")

	l1, err := Lock(path)
	require.NoError(t, err)

	_, err = Lock(path)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, l1.Unlock())
	require.NoError(t, l1.Unlock(), "second unlock is a no-op")

	l2, err := Lock(path)
	require.NoError(t, err)
	require.NoError(t, l2.Unlock())
}

func TestCheckFormatVersion(t *testing.T) {
	tests := []struct {
		name    string
		version string
		wantErr error
		anyErr  bool
	}{
		{"empty is oldest", "", nil, false},
		{"same", "v1.1.0", nil, false},
		{"older minor", "v1.0.0", nil, false},
		{"newer minor", "v1.4.2", nil, false},
		{"older major", "v0.9.0", nil, false},
		{"newer major", "v2.0.0", ErrNewerFormat, true},
		{"invalid", "1.0", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckFormatVersion(tt.version, "v1.1.0")
			if !tt.anyErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
