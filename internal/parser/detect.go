package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tidwall/gjson"
)

// Parser is the capability the sync engine needs from a
// source-specific export parser.
type Parser interface {
	Source() Source
	// DetectFormat reports whether the file at path looks like an
	// export produced by this source.
	DetectFormat(path string) bool
	// ParseRecord converts one raw export record.
	ParseRecord(raw gjson.Result) (Conversation, error)
}

// Source implements Parser.
func (d SourceDef) Source() Source { return d.Type }

// ParseRecord implements Parser.
func (d SourceDef) ParseRecord(raw gjson.Result) (Conversation, error) {
	return d.Parse(raw)
}

// DetectFormat implements Parser by matching the first record of
// the file against the source signature.
func (d SourceDef) DetectFormat(path string) bool {
	rec, err := FirstRecord(path)
	if err != nil || d.Signature == nil {
		return false
	}
	return d.Signature(gjson.ParseBytes(rec))
}

// Detect returns the source whose signature matches the first
// record of the file.
func Detect(path string) (Source, bool) {
	rec, err := FirstRecord(path)
	if err != nil {
		return "", false
	}
	def, ok := SourceForRecord(gjson.ParseBytes(rec))
	if !ok {
		return "", false
	}
	return def.Type, true
}

// ErrEmptyArchive is returned by FirstRecord when the file holds
// no records.
var ErrEmptyArchive = errors.New("archive has no records")

// FirstRecord returns the raw bytes of the first record of a JSON
// array or JSONL archive without reading the rest of the file.
func FirstRecord(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	first, err := PeekFirstByte(br)
	if err != nil {
		return nil, err
	}

	if first == '[' {
		dec := json.NewDecoder(br)
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if !dec.More() {
			return nil, ErrEmptyArchive
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		return raw, nil
	}

	for {
		line, err := br.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			return line, nil
		}
		if err == io.EOF {
			return nil, ErrEmptyArchive
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}
}

// PeekFirstByte returns the first non-whitespace byte without
// consuming it. A leading UTF-8 BOM is discarded.
func PeekFirstByte(br *bufio.Reader) (byte, error) {
	if bom, err := br.Peek(3); err == nil &&
		bytes.Equal(bom, []byte{0xEF, 0xBB, 0xBF}) {
		_, _ = br.Discard(3)
	}
	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			return 0, ErrEmptyArchive
		}
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}
