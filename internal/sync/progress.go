package sync

import (
	"time"

	"github.com/cogrepo/cogrepo/internal/archive"
	"github.com/cogrepo/cogrepo/internal/parser"
)

// Phase describes the current sync phase.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseChecking   Phase = "checking"
	PhaseScanning   Phase = "scanning"
	PhaseEnriching  Phase = "enriching"
	PhasePersisting Phase = "persisting"
	PhaseDone       Phase = "done"
)

// Progress reports sync progress to listeners.
type Progress struct {
	Phase         Phase  `json:"phase"`
	Archive       string `json:"archive,omitempty"`
	ArchivesTotal int    `json:"archives_total"`
	ArchivesDone  int    `json:"archives_done"`
	ItemsTotal    int    `json:"items_total"`
	ItemsDone     int    `json:"items_done"`
}

// Percent returns the enrichment progress of the current archive
// as a percentage (0–100).
func (p Progress) Percent() float64 {
	if p.ItemsTotal == 0 {
		return 0
	}
	return float64(p.ItemsDone) /
		float64(p.ItemsTotal) * 100
}

// ProgressFunc is called with progress updates during sync.
type ProgressFunc func(Progress)

// Status is the outcome of one archive within a sync.
type Status string

const (
	StatusSynced  Status = "synced"
	StatusSkipped Status = "skipped"
	StatusDryRun  Status = "dry-run"
	StatusError   Status = "error"
)

// ArchiveResult describes what a sync did with one archive.
type ArchiveResult struct {
	Name   string               `json:"name"`
	Source parser.Source        `json:"source"`
	Status Status               `json:"status"`
	Reason string               `json:"reason,omitempty"`
	Change archive.ChangeReport `json:"change"`

	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Malformed int `json:"malformed"`

	// WouldProcess is the number of conversations a dry run found.
	WouldProcess int `json:"would_process,omitempty"`

	// Warning is set when the file looks replaced rather than
	// appended to.
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Summary aggregates a sync run.
type Summary struct {
	RunID     string          `json:"run_id"`
	DryRun    bool            `json:"dry_run"`
	Processed int             `json:"processed"`
	Failed    int             `json:"failed"`
	Skipped   int             `json:"skipped"`
	Malformed int             `json:"malformed"`
	Errors    int             `json:"errors"`
	Duration  time.Duration   `json:"duration"`
	Archives  []ArchiveResult `json:"archives"`
}

func (s *Summary) add(r ArchiveResult) {
	s.Processed += r.Processed
	s.Failed += r.Failed
	s.Skipped += r.Skipped
	s.Malformed += r.Malformed
	if r.Status == StatusError {
		s.Errors++
	}
	s.Archives = append(s.Archives, r)
}

// HardFailure reports whether some archive could not be synced
// at all.
func (s Summary) HardFailure() bool { return s.Errors > 0 }

// PartialFailure reports whether some conversations failed while
// the rest of their batch went through.
func (s Summary) PartialFailure() bool { return s.Failed > 0 }
