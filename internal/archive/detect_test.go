package archive

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncedRecord returns a record whose remembered state matches the
// file at path, as it would after a sync of total conversations.
func syncedRecord(t *testing.T, path string, total int) Record {
	t.Helper()
	st, err := StatFile(path)
	require.NoError(t, err)
	return Record{
		Name:               "main",
		FilePath:           path,
		FileSize:           st.Size,
		FileHash:           st.Hash,
		TotalConversations: total,
	}
}

func TestDetect(t *testing.T) {
	const line = `{"uuid":"0123456789"}` + "\n"

	tests := []struct {
		name       string
		mutate     func(t *testing.T, path string)
		wantKind   ChangeKind
		wantChange bool
		wantDelta  int64
		wantEst    int
	}{
		{
			name:     "unchanged",
			mutate:   func(*testing.T, string) {},
			wantKind: KindUnchanged,
		},
		{
			name: "appended",
			mutate: func(t *testing.T, path string) {
				f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
				require.NoError(t, err)
				_, err = f.WriteString(line + line)
				require.NoError(t, err)
				require.NoError(t, f.Close())
			},
			wantKind:   KindGrew,
			wantChange: true,
			wantDelta:  int64(2 * len(line)),
			wantEst:    2,
		},
		{
			name: "truncated",
			mutate: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, []byte(line), 0o644))
			},
			wantKind:   KindShrank,
			wantChange: true,
			wantDelta:  -int64(len(line)),
		},
		{
			name: "rewritten with the same size",
			mutate: func(t *testing.T, path string) {
				other := `{"uuid":"9876543210"}` + "\n"
				require.NoError(t, os.WriteFile(path, []byte(other+other), 0o644))
			},
			wantKind:   KindModified,
			wantChange: true,
		},
		{
			name: "deleted",
			mutate: func(t *testing.T, path string) {
				require.NoError(t, os.Remove(path))
			},
			wantKind: KindMissing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, line+line)
			rec := syncedRecord(t, path, 2)
			tt.mutate(t, path)

			report, err := NewDetector(nil).Detect(rec)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, report.Kind)
			assert.Equal(t, tt.wantChange, report.HasChanged)
			assert.Equal(t, tt.wantDelta, report.SizeDelta)
			assert.Equal(t, tt.wantEst, report.EstimatedNewCount)
			assert.NotEmpty(t, report.Details)
			assert.False(t, report.NewCountKnown)
		})
	}
}

func TestDetect_NeverSynced(t *testing.T) {
	path := writeFile(t, "{}\n")
	report, err := NewDetector(nil).Detect(Record{Name: "new", FilePath: path})
	require.NoError(t, err)
	assert.Equal(t, KindGrew, report.Kind)
	assert.True(t, report.HasChanged)
	assert.Zero(t, report.EstimatedNewCount, "no history to estimate from")
}

func TestDetect_EmptyNeverSynced(t *testing.T) {
	path := writeFile(t, "")
	report, err := NewDetector(nil).Detect(Record{Name: "new", FilePath: path})
	require.NoError(t, err)
	assert.Equal(t, KindModified, report.Kind,
		"a file without a remembered hash is always treated as changed")
	assert.True(t, report.HasChanged)
	assert.True(t, report.NeverSynced)
	assert.False(t, report.Drift())
}

func TestDetect_ExactCount(t *testing.T) {
	path := writeFile(t, "{}\n")
	rec := Record{Name: "new", FilePath: path}

	calls := 0
	report, err := NewDetector(func(got Record) (int, error) {
		calls++
		assert.Equal(t, rec, got)
		return 7, nil
	}).Detect(rec)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, report.NewCountKnown)
	assert.Equal(t, 7, report.NewCount)

	report, err = NewDetector(func(Record) (int, error) {
		return 0, errors.New("boom")
	}).Detect(rec)
	require.NoError(t, err)
	assert.False(t, report.NewCountKnown)
	assert.Contains(t, report.Details, "boom")
}

func TestDetect_CounterSkippedWhenUnchanged(t *testing.T) {
	path := writeFile(t, "{}\n")
	rec := syncedRecord(t, path, 1)
	report, err := NewDetector(func(Record) (int, error) {
		t.Fatal("counter must not run for an unchanged file")
		return 0, nil
	}).Detect(rec)
	require.NoError(t, err)
	assert.Equal(t, KindUnchanged, report.Kind)
}

func TestChangeReportDrift(t *testing.T) {
	assert.True(t, ChangeReport{Kind: KindShrank}.Drift())
	assert.True(t, ChangeReport{Kind: KindModified}.Drift())
	assert.False(t, ChangeReport{Kind: KindModified, NeverSynced: true}.Drift())
	assert.False(t, ChangeReport{Kind: KindGrew}.Drift())
	assert.False(t, ChangeReport{Kind: KindMissing}.Drift())
}
