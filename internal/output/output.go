// Package output appends enriched conversations to the JSONL file
// consumed by the search index. The file is append-only; each sync
// batch is written with a single write and fsynced.
package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cogrepo/cogrepo/internal/enrich"
	"github.com/cogrepo/cogrepo/internal/parser"
)

// Record is one line of the output file.
type Record struct {
	InternalID    string           `json:"internal_id"`
	ExternalID    string           `json:"external_id"`
	Source        parser.Source    `json:"source"`
	Archive       string           `json:"archive"`
	Fingerprint   string           `json:"content_fingerprint"`
	OriginalTitle string           `json:"original_title,omitempty"`
	CreatedAt     time.Time        `json:"created_at,omitzero"`
	UpdatedAt     time.Time        `json:"updated_at,omitzero"`
	ProcessedAt   time.Time        `json:"processed_at"`
	MessageCount  int              `json:"message_count"`
	Messages      []parser.Message `json:"messages"`
	Enriched      bool             `json:"enriched"`
	enrich.Result
}

// Writer appends Records to a JSONL file. It is safe for
// concurrent use, but callers that care about order must serialize
// their calls.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open opens path for appending, creating it and its directory if
// needed.
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	f, err := os.OpenFile(
		path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644,
	)
	if err != nil {
		return nil, fmt.Errorf("opening output %s: %w", path, err)
	}
	return &Writer{path: path, f: f}, nil
}

// Path returns the output file path.
func (w *Writer) Path() string { return w.path }

// Append writes recs as one batch and flushes it to disk.
func (w *Writer) Append(recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range recs {
		if err := enc.Encode(&recs[i]); err != nil {
			return fmt.Errorf("encoding %s/%s: %w",
				recs[i].Source, recs[i].ExternalID, err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("appending to %s: %w", w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", w.path, err)
	}
	return nil
}

// Close closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// ReadAll decodes every record of the output at r. A trailing
// partial line from an interrupted write is ignored.
func ReadAll(r io.Reader) ([]Record, error) {
	var out []Record
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		complete := err == nil
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var rec Record
			if uerr := json.Unmarshal(line, &rec); uerr != nil {
				if !complete {
					return out, nil
				}
				return out, fmt.Errorf("decoding record %d: %w", len(out)+1, uerr)
			}
			out = append(out, rec)
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

// ReadFile reads every record of the output file at path. A
// missing file holds no records.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadAll(f)
}
