// Package scanner streams a conversation archive and yields only
// the conversations a sync has not processed yet.
//
// An archive is either a JSON array of conversation records or a
// JSONL file with one record per line. Each record is first
// checked cheaply by ID and timestamp against the archive cursor
// and the ledger; only survivors are fully parsed and
// fingerprinted for content deduplication.
package scanner

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cogrepo/cogrepo/internal/archive"
	"github.com/cogrepo/cogrepo/internal/parser"
	"github.com/cogrepo/cogrepo/internal/timeutil"
)

// DefaultMaxLineBytes bounds a single JSONL record.
const DefaultMaxLineBytes = 64 * 1024 * 1024 // 64MB

// Seen answers whether a conversation was already processed. The
// ledger implements it.
type Seen interface {
	IsProcessed(source parser.Source, externalID string) bool
	IsDuplicateContent(fingerprint string) bool
}

// Options controls which records a scan yields.
type Options struct {
	// Cursor is the archive's cursor from the previous sync. When
	// its timestamp is set, records not strictly newer are skipped.
	Cursor archive.Cursor

	// Seen is consulted for ID and content dedup. Nil means
	// nothing has been processed.
	Seen Seen

	// Bypass lists external IDs that skip the timestamp gate, used
	// to retry failed conversations.
	Bypass map[string]bool

	// MaxLineBytes bounds JSONL lines; longer lines are skipped.
	// Zero means DefaultMaxLineBytes.
	MaxLineBytes int
}

// Stats counts what a scan did with each record.
type Stats struct {
	Records                 int `json:"records"`
	Yielded                 int `json:"yielded"`
	SkippedProcessed        int `json:"skipped_processed"`
	SkippedBeforeCursor     int `json:"skipped_before_cursor"`
	SkippedDuplicateContent int `json:"skipped_duplicate_content"`
	Malformed               int `json:"malformed"`
}

// Valid returns the number of well-formed records seen.
func (s Stats) Valid() int { return s.Records - s.Malformed }

// Skipped returns the number of well-formed records not yielded.
func (s Stats) Skipped() int {
	return s.SkippedProcessed + s.SkippedBeforeCursor +
		s.SkippedDuplicateContent
}

// Scanner iterates the new conversations of one archive file.
// Use it like bufio.Scanner:
//
//	for sc.Next() {
//		conv := sc.Conversation()
//	}
//	if err := sc.Err(); err != nil { ... }
type Scanner struct {
	path string
	def  parser.SourceDef
	opts Options

	f    *os.File
	// read returns the next raw record and the file offset just
	// past it. It returns io.EOF when the archive is exhausted and
	// errLineTooLong for a record that was skipped unread.
	read func() (raw []byte, end int64, err error)
	err  error

	conv        parser.Conversation
	fingerprint string
	timestamp   time.Time

	cursor     archive.Cursor
	stats      Stats
	yieldedIDs map[string]bool
	yieldedFPs map[string]bool
}

// Open starts a scan of the archive at path, whose records belong
// to source.
func Open(path string, source parser.Source, opts Options) (*Scanner, error) {
	def, ok := parser.SourceByType(source)
	if !ok {
		return nil, fmt.Errorf("scanning %s: unknown source %q", path, source)
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s := &Scanner{
		path:       path,
		def:        def,
		opts:       opts,
		f:          f,
		yieldedIDs: make(map[string]bool),
		yieldedFPs: make(map[string]bool),
	}
	if err := s.init(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Scanner) init() error {
	first, err := parser.PeekFirstByte(bufio.NewReader(s.f))
	if errors.Is(err, parser.ErrEmptyArchive) {
		s.read = func() ([]byte, int64, error) { return nil, 0, io.EOF }
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", s.path, err)
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking %s: %w", s.path, err)
	}
	if first == '[' {
		return s.initArray()
	}
	s.initLines()
	return nil
}

// initArray loads the whole file; JSON array exports are not
// streamable record by record.
func (s *Scanner) initArray() error {
	data, err := io.ReadAll(s.f)
	if err != nil {
		return fmt.Errorf("reading %s: %w", s.path, err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("reading %s: invalid JSON array", s.path)
	}
	elems := gjson.ParseBytes(data).Array()
	size := int64(len(data))
	i := 0
	s.read = func() ([]byte, int64, error) {
		if i >= len(elems) {
			return nil, 0, io.EOF
		}
		raw := elems[i].Raw
		i++
		return []byte(raw), size, nil
	}
	return nil
}

func (s *Scanner) initLines() {
	lr := newLineReader(s.f, s.opts.MaxLineBytes)
	s.read = func() ([]byte, int64, error) {
		line, err := lr.next()
		if err == io.EOF {
			if rerr := lr.Err(); rerr != nil {
				s.err = fmt.Errorf("reading %s: %w", s.path, rerr)
			}
		}
		return line, lr.Offset(), err
	}
}

// Next advances to the next new conversation. It returns false at
// the end of the archive or on a read error; check Err.
func (s *Scanner) Next() bool {
	for s.err == nil {
		raw, end, err := s.read()
		if err == io.EOF {
			return false
		}
		s.stats.Records++
		if errors.Is(err, errLineTooLong) {
			s.malformed(fmt.Sprintf(
				"line exceeds %d bytes", s.opts.MaxLineBytes,
			))
			continue
		}
		if s.accept(raw) {
			s.advanceCursor(end)
			return true
		}
	}
	return false
}

// accept applies the dedup gates to one raw record and, when it
// survives, parses it into s.conv.
func (s *Scanner) accept(raw []byte) bool {
	rec := gjson.ParseBytes(raw)
	if !gjson.ValidBytes(raw) || !rec.IsObject() {
		s.malformed("invalid JSON record")
		return false
	}
	id := s.def.ID(rec)
	if id == "" {
		s.malformed("record without id")
		return false
	}
	if s.yieldedIDs[id] ||
		(s.opts.Seen != nil && s.opts.Seen.IsProcessed(s.def.Type, id)) {
		s.stats.SkippedProcessed++
		return false
	}

	ts := s.def.Timestamp(rec)
	if !s.opts.Bypass[id] && s.beforeCursor(ts) {
		s.stats.SkippedBeforeCursor++
		return false
	}

	conv, err := s.def.Parse(rec)
	if err != nil {
		s.malformed(err.Error())
		return false
	}
	fp := parser.Fingerprint(conv)
	if s.yieldedFPs[fp] ||
		(s.opts.Seen != nil && s.opts.Seen.IsDuplicateContent(fp)) {
		s.stats.SkippedDuplicateContent++
		return false
	}

	s.yieldedIDs[id] = true
	s.yieldedFPs[fp] = true
	s.conv = conv
	s.fingerprint = fp
	s.timestamp = ts
	s.stats.Yielded++
	return true
}

// beforeCursor reports whether a record with timestamp ts is at or
// before the cursor. Records without a timestamp are left to the
// ID gate.
func (s *Scanner) beforeCursor(ts time.Time) bool {
	last := s.opts.Cursor.LastTimestamp
	if last.IsZero() || ts.IsZero() {
		return false
	}
	return !ts.After(last)
}

func (s *Scanner) advanceCursor(end int64) {
	s.cursor.LastExternalID = s.conv.ExternalID
	s.cursor.LastTimestamp = timeutil.Max(s.cursor.LastTimestamp, s.timestamp)
	s.cursor.ByteOffset = max(s.cursor.ByteOffset, end)
	s.cursor.ConversationCount++
}

func (s *Scanner) malformed(reason string) {
	s.stats.Malformed++
	log.Printf("scanner: %s: skipping record %d: %s",
		s.path, s.stats.Records, reason)
}

// Conversation returns the conversation found by the last call to
// Next.
func (s *Scanner) Conversation() parser.Conversation { return s.conv }

// Fingerprint returns the content fingerprint of Conversation.
func (s *Scanner) Fingerprint() string { return s.fingerprint }

// Err returns the read error that stopped the scan, if any.
func (s *Scanner) Err() error { return s.err }

// Cursor returns the progress of this scan alone, ready to be
// folded into the archive cursor with Cursor.Advance. Its count is
// the number of conversations yielded so far.
func (s *Scanner) Cursor() archive.Cursor { return s.cursor }

// Stats returns the counters accumulated so far.
func (s *Scanner) Stats() Stats { return s.stats }

// Close releases the archive file.
func (s *Scanner) Close() error { return s.f.Close() }

// Count runs a full scan and returns how many conversations it
// would yield. Nothing is recorded.
func Count(path string, source parser.Source, opts Options) (int, Stats, error) {
	s, err := Open(path, source, opts)
	if err != nil {
		return 0, Stats{}, err
	}
	defer s.Close()
	for s.Next() {
	}
	if err := s.Err(); err != nil {
		return 0, s.Stats(), err
	}
	return s.stats.Yielded, s.Stats(), nil
}
