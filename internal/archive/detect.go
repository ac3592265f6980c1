package archive

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
)

// ChangeKind classifies how a live archive file differs from what
// the registry remembers.
type ChangeKind string

const (
	KindUnchanged ChangeKind = "unchanged"
	KindMissing   ChangeKind = "missing"
	KindGrew      ChangeKind = "grew"
	KindShrank    ChangeKind = "shrank"
	KindModified  ChangeKind = "modified"
)

// ChangeReport is the outcome of comparing one archive record
// with its file on disk.
type ChangeReport struct {
	Archive    string     `json:"archive"`
	Kind       ChangeKind `json:"kind"`
	HasChanged bool       `json:"has_changed"`
	SizeDelta  int64      `json:"size_delta"`
	LiveSize   int64      `json:"live_size"`

	// EstimatedNewCount is derived from the size delta and the
	// archive's average bytes per conversation. It is only for
	// previews; decisions use NewCount.
	EstimatedNewCount int `json:"estimated_new_count"`

	// NewCount is the scanner's exact count of conversations a
	// sync would process. Valid only when NewCountKnown.
	NewCount      int    `json:"new_count"`
	NewCountKnown bool   `json:"new_count_known"`
	NeverSynced   bool   `json:"never_synced,omitempty"`
	Details       string `json:"details"`
}

// Drift reports whether the change suggests the file was replaced
// rather than appended to.
func (r ChangeReport) Drift() bool {
	return r.Kind == KindShrank ||
		(r.Kind == KindModified && !r.NeverSynced)
}

// Counter returns the exact number of conversations a sync of rec
// would process.
type Counter func(rec Record) (int, error)

// Detector compares archive records with their live files.
type Detector struct {
	count Counter
}

// NewDetector returns a Detector. A nil counter disables exact
// counting.
func NewDetector(count Counter) *Detector {
	return &Detector{count: count}
}

// Detect classifies the live file of rec. A missing file is
// reported as KindMissing, not as an error; only other I/O
// failures (permissions, read errors) are returned.
func (d *Detector) Detect(rec Record) (ChangeReport, error) {
	report := ChangeReport{
		Archive:     rec.Name,
		NeverSynced: rec.FileHash == "",
	}

	info, err := os.Stat(rec.FilePath)
	if os.IsNotExist(err) {
		report.Kind = KindMissing
		report.Details = fmt.Sprintf(
			"file %s no longer exists", rec.FilePath,
		)
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("stat %s: %w", rec.FilePath, err)
	}
	report.LiveSize = info.Size()
	report.SizeDelta = info.Size() - rec.FileSize

	if report.SizeDelta == 0 {
		hash, err := ComputeFileHash(rec.FilePath)
		if err != nil {
			return report, err
		}
		if rec.FileHash != "" && hash == rec.FileHash {
			report.Kind = KindUnchanged
			report.Details = "no changes since last sync"
			return report, nil
		}
	}

	report.HasChanged = true
	switch {
	case report.SizeDelta > 0:
		report.Kind = KindGrew
		report.EstimatedNewCount = estimateNew(rec, report.SizeDelta)
		report.Details = fmt.Sprintf(
			"file grew by %s", humanize.IBytes(uint64(report.SizeDelta)),
		)
	case report.SizeDelta < 0:
		report.Kind = KindShrank
		report.Details = fmt.Sprintf(
			"file shrank by %s; it may have been replaced, "+
				"reset the cursor to rescan it",
			humanize.IBytes(uint64(-report.SizeDelta)),
		)
	default:
		report.Kind = KindModified
		if rec.FileHash == "" {
			report.Details = "never synced"
		} else {
			report.Details = "content changed with identical size; " +
				"it may have been replaced"
		}
	}

	if d.count != nil {
		n, err := d.count(rec)
		if err != nil {
			report.Details += fmt.Sprintf("; counting failed: %v", err)
		} else {
			report.NewCount = n
			report.NewCountKnown = true
		}
	}
	return report, nil
}

// estimateNew guesses how many conversations delta bytes hold
// from the archive's average record size.
func estimateNew(rec Record, delta int64) int {
	if rec.FileSize <= 0 {
		return 0
	}
	avg := rec.FileSize / int64(max(rec.TotalConversations, 1))
	if avg <= 0 {
		return 0
	}
	return int(delta / avg)
}
