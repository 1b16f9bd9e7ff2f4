package stream

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
)

const defaultChunkSize = 32 * 1024

// ErrTruncated is returned when the body ends with an unterminated fragment
// that does not decode.
var ErrTruncated = errors.New("stream truncated")

// Reader yields events from a response body. Blank records are skipped and
// undecodable records are reported through the failure hook, then skipped.
type Reader struct {
	src       io.Reader
	framer    LineFramer
	pending   []string
	chunk     []byte
	done      bool
	tail      string
	onFailure func(*DecodeFailure)
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithFailureHook sets the callback invoked for each skipped record.
func WithFailureHook(fn func(*DecodeFailure)) ReaderOption {
	return func(r *Reader) {
		r.onFailure = fn
	}
}

// WithChunkSize sets the read size used against the body.
func WithChunkSize(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.chunk = make([]byte, n)
		}
	}
}

// NewReader returns a Reader over src.
func NewReader(src io.Reader, opts ...ReaderOption) *Reader {
	r := &Reader{src: src}
	for _, opt := range opts {
		opt(r)
	}
	if r.chunk == nil {
		r.chunk = make([]byte, defaultChunkSize)
	}
	if r.onFailure == nil {
		r.onFailure = func(f *DecodeFailure) {
			log.Printf("[Stream] Skipping record: %v", f)
		}
	}
	return r
}

// Next returns the next event. It returns io.EOF once the body is exhausted,
// an error wrapping ErrTruncated for an undecodable trailing fragment, and
// any read error from the body unchanged.
func (r *Reader) Next() (Event, error) {
	for {
		for len(r.pending) > 0 {
			rec := r.pending[0]
			r.pending = r.pending[1:]
			if ev, ok := r.decode(rec); ok {
				return ev, nil
			}
		}

		if r.done {
			if r.tail == "" {
				return nil, io.EOF
			}
			tail := r.tail
			r.tail = ""
			ev, err := Decode(tail)
			if err != nil {
				return nil, fmt.Errorf("%w: %d trailing bytes: %v", ErrTruncated, len(tail), err)
			}
			log.Printf("[Stream] Body ended without a final newline, accepting trailing record")
			return ev, nil
		}

		n, err := r.src.Read(r.chunk)
		if n > 0 {
			r.pending = append(r.pending, r.framer.Feed(r.chunk[:n])...)
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			return nil, err
		}

		r.done = true
		if tail, ok := r.framer.Flush(); ok && strings.TrimSpace(tail) != "" {
			r.tail = tail
		}
	}
}

// decode handles a framed record. Blank records are skipped silently.
func (r *Reader) decode(rec string) (Event, bool) {
	if strings.TrimSpace(rec) == "" {
		return nil, false
	}
	ev, err := Decode(rec)
	if err != nil {
		var df *DecodeFailure
		if errors.As(err, &df) {
			r.onFailure(df)
		}
		return nil, false
	}
	return ev, true
}
