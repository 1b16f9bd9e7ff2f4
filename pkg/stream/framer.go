// Package stream turns the analysis backend's chunked NDJSON response body
// into typed events.
package stream

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// LineFramer splits an arbitrary chunk sequence into newline-terminated
// records. Bytes after the last newline are held until a later chunk
// completes the record, so a multi-byte character split across chunks is
// never decoded in halves.
type LineFramer struct {
	buf []byte
}

// Feed appends chunk and returns every record it completed, without the
// terminating newline.
func (f *LineFramer) Feed(chunk []byte) []string {
	f.buf = append(f.buf, chunk...)

	var records []string
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		records = append(records, decodeText(f.buf[:i]))
		f.buf = f.buf[i+1:]
	}

	// Reclaim the consumed prefix once the buffer is drained.
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return records
}

// Flush returns the unterminated trailing fragment, if any, and resets the
// framer.
func (f *LineFramer) Flush() (string, bool) {
	if len(f.buf) == 0 {
		return "", false
	}
	rec := decodeText(f.buf)
	f.buf = nil
	return rec, true
}

// Buffered reports how many bytes are waiting for a terminator.
func (f *LineFramer) Buffered() int {
	return len(f.buf)
}

// decodeText converts a complete record to a string, replacing invalid UTF-8
// with U+FFFD.
func decodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
