package scanner

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

const initialScanBufSize = 64 * 1024 // 64KB

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// errLineTooLong is returned by lineReader.next for a line longer
// than maxLen. The line is consumed and reading can continue.
var errLineTooLong = errors.New("line too long")

// lineReader reads JSONL files line by line, reporting lines that
// exceed maxLen rather than aborting. The buffer starts small and
// grows on demand up to maxLen. It tracks the byte offset just past
// the last line returned.
type lineReader struct {
	r      *bufio.Reader
	maxLen int
	buf    []byte
	offset int64
	err    error
}

func newLineReader(r io.Reader, maxLen int) *lineReader {
	return &lineReader{
		r:      bufio.NewReaderSize(r, initialScanBufSize),
		maxLen: maxLen,
		buf:    make([]byte, 0, initialScanBufSize),
	}
}

// next returns the next non-blank line without its line ending.
// It returns errLineTooLong for an oversized line and io.EOF at
// the end of input or after a read error (see Err). The returned
// slice is only valid until the following call.
func (lr *lineReader) next() ([]byte, error) {
	for {
		line, tooLong, ok := lr.readLine()
		switch {
		case !ok:
			return nil, io.EOF
		case tooLong:
			return nil, errLineTooLong
		case len(line) > 0:
			return line, nil
		}
	}
}

// Offset returns the number of bytes consumed so far.
func (lr *lineReader) Offset() int64 { return lr.offset }

// Err returns the first non-EOF read error.
func (lr *lineReader) Err() error { return lr.err }

// readLine returns one physical line. Blank lines come back empty
// and oversized lines with tooLong set; ok=false means EOF or an
// error.
func (lr *lineReader) readLine() (line []byte, tooLong, ok bool) {
	lr.buf = lr.buf[:0]
	start := lr.offset
	oversized := false

	for {
		chunk, err := lr.r.ReadSlice('\n')
		lr.offset += int64(len(chunk))
		if !oversized {
			lr.buf = append(lr.buf, chunk...)
			// Two bytes of slack for the line ending.
			if len(lr.buf) > lr.maxLen+2 {
				oversized = true
				lr.buf = lr.buf[:0]
			}
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && err != io.EOF {
			lr.err = err
			return nil, false, false
		}
		if err == io.EOF && lr.offset == start {
			return nil, false, false
		}
		break
	}

	if oversized {
		return nil, true, true
	}
	line = bytes.TrimRight(lr.buf, "\r\n")
	if start == 0 {
		line = bytes.TrimPrefix(line, utf8BOM)
	}
	if len(line) > lr.maxLen {
		return nil, true, true
	}
	return bytes.TrimSpace(line), false, true
}
