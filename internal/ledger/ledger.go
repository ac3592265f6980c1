// Package ledger is the durable record of every conversation the
// sync engine has processed, across all archives. It answers the
// two dedup questions the scanner asks: has this external ID been
// seen for its source, and has this content been seen anywhere.
//
// The whole ledger is held in memory and rewritten atomically by
// Save at the end of each sync batch.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cogrepo/cogrepo/internal/fileutil"
	"github.com/cogrepo/cogrepo/internal/parser"
	"github.com/cogrepo/cogrepo/internal/timeutil"
)

// FormatVersion is stamped into every ledger file written.
const FormatVersion = "v1.0.0"

// Entry is the ledger record for one processed conversation.
type Entry struct {
	InternalID       string    `json:"internal_id"`
	ProcessedAt      time.Time `json:"processed_at"`
	Fingerprint      string    `json:"content_fingerprint"`
	ConversationDate time.Time `json:"conversation_date,omitzero"`
	Archive          string    `json:"archive,omitempty"`
}

// ContentRef points from a content fingerprint back to the
// conversation that first produced it.
type ContentRef struct {
	Source     parser.Source `json:"source"`
	ExternalID string        `json:"external_id"`
	InternalID string        `json:"internal_id"`
}

// Failure tracks a conversation whose enrichment failed.
type Failure struct {
	Source        parser.Source `json:"source"`
	ExternalID    string        `json:"external_id"`
	Archive       string        `json:"archive,omitempty"`
	Attempts      int           `json:"attempts"`
	LastError     string        `json:"last_error"`
	Retryable     bool          `json:"retryable"`
	FirstFailedAt time.Time     `json:"first_failed_at"`
	LastFailedAt  time.Time     `json:"last_failed_at"`
}

// SourceStats aggregates ledger entries per source.
type SourceStats struct {
	Processed            int       `json:"processed"`
	Failed               int       `json:"failed"`
	LastConversationDate time.Time `json:"last_conversation_date,omitzero"`
}

type ledgerFile struct {
	Version      string                               `json:"version"`
	UpdatedAt    time.Time                            `json:"updated_at,omitzero"`
	Sources      map[parser.Source]map[string]Entry   `json:"sources"`
	Fingerprints map[string]ContentRef                `json:"fingerprints"`
	Failures     map[parser.Source]map[string]Failure `json:"failures"`
	Stats        map[parser.Source]SourceStats        `json:"stats"`
}

// State is the in-memory ledger. It is safe for concurrent use.
type State struct {
	mu   sync.RWMutex
	path string
	data ledgerFile
	now  func() time.Time
}

// New returns an empty ledger that will be saved to path.
func New(path string) *State {
	return &State{
		path: path,
		data: emptyFile(),
		now:  time.Now,
	}
}

func emptyFile() ledgerFile {
	return ledgerFile{
		Version:      FormatVersion,
		Sources:      make(map[parser.Source]map[string]Entry),
		Fingerprints: make(map[string]ContentRef),
		Failures:     make(map[parser.Source]map[string]Failure),
		Stats:        make(map[parser.Source]SourceStats),
	}
}

// Load reads the ledger at path. A missing file yields an empty
// ledger; an unreadable or newer-format file is an error.
func Load(path string) (*State, error) {
	s := New(path)
	var file ledgerFile
	ok, err := fileutil.ReadJSON(path, &file)
	if err != nil {
		return nil, fmt.Errorf("loading ledger: %w", err)
	}
	if !ok {
		return s, nil
	}
	if err := fileutil.CheckFormatVersion(
		file.Version, FormatVersion,
	); err != nil {
		return nil, fmt.Errorf("loading ledger: %w", err)
	}

	empty := emptyFile()
	if file.Sources == nil {
		file.Sources = empty.Sources
	}
	if file.Fingerprints == nil {
		file.Fingerprints = empty.Fingerprints
	}
	if file.Failures == nil {
		file.Failures = empty.Failures
	}
	if file.Stats == nil {
		file.Stats = empty.Stats
	}
	file.Version = FormatVersion
	s.data = file
	return s, nil
}

// Path returns the file the ledger is saved to.
func (s *State) Path() string { return s.path }

// Save writes the ledger atomically.
func (s *State) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.UpdatedAt = s.now().UTC()
	if err := fileutil.WriteJSONAtomic(s.path, s.data); err != nil {
		return fmt.Errorf("saving ledger: %w", err)
	}
	return nil
}

// IsProcessed reports whether externalID has been recorded for
// source.
func (s *State) IsProcessed(source parser.Source, externalID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data.Sources[source][externalID]
	return ok
}

// IsDuplicateContent reports whether any conversation with this
// fingerprint has been recorded, in any source.
func (s *State) IsDuplicateContent(fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data.Fingerprints[fingerprint]
	return ok
}

// Lookup returns the entry for externalID in source.
func (s *State) Lookup(
	source parser.Source, externalID string,
) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data.Sources[source][externalID]
	return e, ok
}

// Record upserts the entry for externalID in source. Recording
// the same ID again replaces its entry without changing counts.
// The fingerprint index keeps the first conversation that claimed
// a fingerprint. Any failure recorded for the ID is cleared.
// It returns true when the ID was not recorded before.
func (s *State) Record(
	source parser.Source, externalID string, e Entry,
) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = s.now().UTC()
	}

	bySource := s.data.Sources[source]
	if bySource == nil {
		bySource = make(map[string]Entry)
		s.data.Sources[source] = bySource
	}
	prev, existed := bySource[externalID]
	if existed && prev.Fingerprint != e.Fingerprint {
		if ref, ok := s.data.Fingerprints[prev.Fingerprint]; ok &&
			ref.Source == source && ref.ExternalID == externalID {
			delete(s.data.Fingerprints, prev.Fingerprint)
		}
	}
	bySource[externalID] = e

	if e.Fingerprint != "" {
		if _, taken := s.data.Fingerprints[e.Fingerprint]; !taken {
			s.data.Fingerprints[e.Fingerprint] = ContentRef{
				Source:     source,
				ExternalID: externalID,
				InternalID: e.InternalID,
			}
		}
	}

	stats := s.data.Stats[source]
	if !existed {
		stats.Processed++
	}
	stats.LastConversationDate = timeutil.Max(
		stats.LastConversationDate, e.ConversationDate,
	)
	if _, failed := s.data.Failures[source][externalID]; failed {
		delete(s.data.Failures[source], externalID)
		stats.Failed--
	}
	s.data.Stats[source] = stats
	return !existed
}

// RecordFailure notes a failed attempt for externalID, creating
// the failure entry or incrementing its attempt counter. The
// conversation stays eligible for reprocessing.
func (s *State) RecordFailure(
	source parser.Source, externalID, archive, errMsg string,
	retryable bool,
) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	bySource := s.data.Failures[source]
	if bySource == nil {
		bySource = make(map[string]Failure)
		s.data.Failures[source] = bySource
	}
	f, ok := bySource[externalID]
	if !ok {
		f = Failure{
			Source:        source,
			ExternalID:    externalID,
			FirstFailedAt: now,
		}
		stats := s.data.Stats[source]
		stats.Failed++
		s.data.Stats[source] = stats
	}
	f.Attempts++
	f.Archive = archive
	f.LastError = errMsg
	f.Retryable = retryable
	f.LastFailedAt = now
	bySource[externalID] = f
}

// ClearFailure removes the failure entry for externalID.
func (s *State) ClearFailure(source parser.Source, externalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Failures[source][externalID]; !ok {
		return
	}
	delete(s.data.Failures[source], externalID)
	stats := s.data.Stats[source]
	stats.Failed--
	s.data.Stats[source] = stats
}

// Failures returns the failure entries for source, or for every
// source when source is empty, ordered by source then ID.
func (s *State) Failures(source parser.Source) []Failure {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Failure
	for src, bySource := range s.data.Failures {
		if source != "" && src != source {
			continue
		}
		for _, f := range bySource {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	return out
}

// RetryableIDs returns the external IDs in source whose last
// failure was transient. A non-empty archive limits the result to
// failures recorded for that archive or for no archive.
func (s *State) RetryableIDs(
	source parser.Source, archive string,
) map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make(map[string]bool)
	for id, f := range s.data.Failures[source] {
		if !f.Retryable {
			continue
		}
		if archive != "" && f.Archive != "" && f.Archive != archive {
			continue
		}
		ids[id] = true
	}
	return ids
}

// ProcessedCount returns the number of IDs recorded for source.
func (s *State) ProcessedCount(source parser.Source) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.Sources[source])
}

// Stats returns a copy of the per-source aggregates.
func (s *State) Stats() map[parser.Source]SourceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[parser.Source]SourceStats, len(s.data.Stats))
	for k, v := range s.data.Stats {
		out[k] = v
	}
	return out
}
