package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummary_Add(t *testing.T) {
	tests := []struct {
		name        string
		results     []ArchiveResult
		wantSummary Summary
		wantHard    bool
		wantPartial bool
	}{
		{
			name:        "no archives",
			wantSummary: Summary{},
		},
		{
			name: "counts accumulate",
			results: []ArchiveResult{
				{Status: StatusSynced, Processed: 3, Skipped: 1},
				{Status: StatusSynced, Processed: 2, Failed: 1, Malformed: 2},
				{Status: StatusSkipped},
			},
			wantSummary: Summary{
				Processed: 5, Failed: 1, Skipped: 1, Malformed: 2,
			},
			wantPartial: true,
		},
		{
			name: "archive error",
			results: []ArchiveResult{
				{Status: StatusError, Error: "permission denied"},
				{Status: StatusSynced, Processed: 1},
			},
			wantSummary: Summary{Processed: 1, Errors: 1},
			wantHard:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Summary
			for _, r := range tt.results {
				s.add(r)
			}
			assert.Len(t, s.Archives, len(tt.results))
			s.Archives = nil
			assert.Equal(t, tt.wantSummary, s)
			assert.Equal(t, tt.wantHard, s.HardFailure())
			assert.Equal(t, tt.wantPartial, s.PartialFailure())
		})
	}
}

func TestProgress_Percent(t *testing.T) {
	tests := []struct {
		name string
		p    Progress
		want float64
	}{
		{
			name: "zero total",
			p:    Progress{ItemsTotal: 0, ItemsDone: 0},
			want: 0,
		},
		{
			name: "half done",
			p:    Progress{ItemsTotal: 10, ItemsDone: 5},
			want: 50,
		},
		{
			name: "all done",
			p:    Progress{ItemsTotal: 4, ItemsDone: 4},
			want: 100,
		},
		{
			name: "one third",
			p:    Progress{ItemsTotal: 3, ItemsDone: 1},
			want: 33.333333,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.p.Percent()
			assert.InDelta(t, tt.want, got, 1e-4)
		})
	}
}
