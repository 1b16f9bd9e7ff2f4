// Package turn drives user turns against the analysis service and records
// their outcome in a session's chat log.
package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/aixgo-dev/quantchat/internal/aggregator"
	"github.com/aixgo-dev/quantchat/internal/backend"
	"github.com/aixgo-dev/quantchat/internal/observability"
	"github.com/aixgo-dev/quantchat/pkg/chatlog"
	metrics "github.com/aixgo-dev/quantchat/pkg/observability"
	"github.com/aixgo-dev/quantchat/pkg/stream"
	"github.com/aixgo-dev/quantchat/pkg/upload"
)

const defaultUploadConcurrency = 4

// Status is the session state shown to the user.
type Status int

const (
	StatusIdle Status = iota
	StatusAnalyzing
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusAnalyzing:
		return "analyzing"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// StatusListener is notified on every status change. err is set for
// StatusError.
type StatusListener func(status Status, err error)

// Transport is the analysis service as seen by a session.
type Transport interface {
	Analyze(ctx context.Context, req backend.AnalyzeRequest) (io.ReadCloser, error)
	Upload(ctx context.Context, name string, content io.Reader) (upload.Descriptor, error)
}

// Option configures a Session.
type Option func(*Session)

// WithIndex shares an existing upload index with the session.
func WithIndex(index *upload.Index) Option {
	return func(s *Session) {
		if index != nil {
			s.index = index
		}
	}
}

// WithStatusListener registers fn for status changes.
func WithStatusListener(fn StatusListener) Option {
	return func(s *Session) {
		s.listener = fn
	}
}

// WithVerbose logs every stream event a turn handles.
func WithVerbose(v bool) Option {
	return func(s *Session) {
		s.verbose = v
	}
}

// WithUploadConcurrency bounds parallel uploads.
func WithUploadConcurrency(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.uploadLimit = n
		}
	}
}

// Session runs turns for one chat log. Turns are sequential; uploads may run
// alongside a turn.
type Session struct {
	log         *chatlog.Log
	transport   Transport
	index       *upload.Index
	uploadLimit int
	listener    StatusListener
	verbose     bool

	turnMu sync.Mutex

	mu      sync.RWMutex
	status  Status
	lastErr error
	closed  bool
}

// New returns an idle session.
func New(l *chatlog.Log, transport Transport, opts ...Option) (*Session, error) {
	if l == nil {
		return nil, errors.New("chat log is required")
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}

	s := &Session{
		log:         l,
		transport:   transport,
		index:       upload.NewIndex(),
		uploadLimit: defaultUploadConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Log returns the session's chat log.
func (s *Session) Log() *chatlog.Log {
	return s.log
}

// Index returns the session's upload index.
func (s *Session) Index() *upload.Index {
	return s.index
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastError returns the error behind StatusError, if any.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Session) setStatus(status Status, err error) {
	s.mu.Lock()
	s.status = status
	s.lastErr = err
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener(status, err)
	}
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Send runs one turn: it records prompt, streams the service's answer into
// the log and returns once the stream is fully materialized.
//
// A *backend.TransportError is recorded in the log as a failure message and
// also returned. A *chatlog.StoreError aborts the turn; writes committed
// before it remain.
func (s *Session) Send(ctx context.Context, prompt string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if strings.TrimSpace(prompt) == "" {
		return &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	if s.index.Len() == 0 {
		return &ValidationError{Field: "files", Reason: "no files to analyze, upload a file first"}
	}
	if !s.turnMu.TryLock() {
		return ErrTurnInProgress
	}
	defer s.turnMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	metrics.TurnStarted()
	defer metrics.TurnFinished()

	ctx, span := observability.StartSpan(ctx, "turn", map[string]any{
		"session": s.log.SessionID(),
		"files":   s.index.Len(),
	})
	defer span.End()

	outcome, err := s.run(ctx, prompt)
	metrics.RecordTurn(outcome, time.Since(start))
	span.SetAttribute("outcome", outcome)
	if err != nil {
		span.SetError(err)
		log.Printf("[Turn] %s: %s: %v", s.log.SessionID(), outcome, err)
	} else {
		log.Printf("[Turn] %s: completed in %s", s.log.SessionID(), time.Since(start).Round(time.Millisecond))
	}
	return err
}

func (s *Session) run(ctx context.Context, prompt string) (string, error) {
	history, err := s.log.Messages(ctx)
	if err != nil {
		s.setStatus(StatusError, err)
		return "store_error", err
	}

	if _, err := s.log.Append(context.WithoutCancel(ctx), chatlog.NewMessage{Kind: chatlog.KindUser, Content: prompt}); err != nil {
		s.setStatus(StatusError, err)
		return "store_error", err
	}

	s.setStatus(StatusAnalyzing, nil)
	agg := aggregator.New(s.log, aggregator.WithVerbose(s.verbose))

	body, err := s.transport.Analyze(ctx, backend.AnalyzeRequest{
		Prompt:        prompt,
		History:       history,
		UploadedFiles: s.index.Metadata(),
	})
	if err != nil {
		return s.fail(ctx, agg, err)
	}
	defer func() { _ = body.Close() }()

	reader := stream.NewReader(body, stream.WithFailureHook(func(f *stream.DecodeFailure) {
		metrics.RecordDecodeFailure()
		log.Printf("[Turn] Skipping undecodable record: %v", f)
	}))

	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var te *backend.TransportError
			if !errors.As(err, &te) {
				err = &backend.TransportError{Op: "read", Err: err}
			}
			return s.fail(ctx, agg, err)
		}
		if err := agg.Handle(ctx, ev); err != nil {
			return s.abort(ctx, err)
		}
	}

	if err := agg.Finish(ctx); err != nil {
		return s.abort(ctx, err)
	}
	s.setStatus(StatusIdle, nil)
	return "success", nil
}

// fail records a transport failure. A cancelled turn writes nothing more.
func (s *Session) fail(ctx context.Context, agg *aggregator.Aggregator, err error) (string, error) {
	if ctx.Err() != nil {
		s.setStatus(StatusIdle, nil)
		return "cancelled", fmt.Errorf("turn cancelled: %w", ctx.Err())
	}

	s.setStatus(StatusError, err)
	if werr := agg.Fail(ctx, err); werr != nil {
		return "store_error", errors.Join(err, werr)
	}
	return "transport_error", err
}

// abort ends the turn after a rejected write or a cancellation observed
// between writes.
func (s *Session) abort(ctx context.Context, err error) (string, error) {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		s.setStatus(StatusIdle, nil)
		return "cancelled", fmt.Errorf("turn cancelled: %w", err)
	}
	s.setStatus(StatusError, err)
	return "store_error", err
}

// Close rejects further turns and uploads and waits for a running turn to
// finish. The chat log backend is not closed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()
	return nil
}
