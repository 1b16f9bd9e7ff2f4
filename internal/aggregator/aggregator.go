// Package aggregator materializes a decoded response stream into chat log
// writes.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aixgo-dev/quantchat/pkg/chatlog"
	"github.com/aixgo-dev/quantchat/pkg/observability"
	"github.com/aixgo-dev/quantchat/pkg/stream"
)

// Writer is the subset of *chatlog.Log the aggregator writes through.
type Writer interface {
	OpenIncremental(ctx context.Context, content string) (string, error)
	AppendIncremental(ctx context.Context, id, cumulative string) error
	CloseIncremental(ctx context.Context, id string) error
	Append(ctx context.Context, msg chatlog.NewMessage) (string, error)
}

// State is the aggregator's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrFailed is returned by Handle while a failure could not be recorded.
var ErrFailed = errors.New("aggregator has failed")

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithVerbose logs a line per handled event.
func WithVerbose(v bool) Option {
	return func(a *Aggregator) {
		a.verbose = v
	}
}

// Aggregator turns events into one growing ai message plus independent
// result messages. It is not safe for concurrent use; a turn drives it from
// a single goroutine and every write is awaited before the next is issued.
type Aggregator struct {
	w           Writer
	state       State
	activeID    string
	accumulated string
	verbose     bool
}

// New returns an idle aggregator writing through w.
func New(w Writer, opts ...Option) *Aggregator {
	a := &Aggregator{w: w}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the current lifecycle state.
func (a *Aggregator) State() State {
	return a.state
}

// ActiveID returns the id of the in-flight ai message, if any.
func (a *Aggregator) ActiveID() string {
	return a.activeID
}

// Text returns the narration accumulated so far.
func (a *Aggregator) Text() string {
	return a.accumulated
}

// Handle applies one event. Text extends the in-flight ai message, creating
// it on first use; results become their own messages.
func (a *Aggregator) Handle(ctx context.Context, ev stream.Event) error {
	if a.state == StateFailed {
		return ErrFailed
	}
	a.state = StateStreaming

	switch ev := ev.(type) {
	case *stream.TextEvent:
		observability.RecordStreamEvent(stream.TypeText)
		if a.verbose {
			log.Printf("[Aggregator] text +%d bytes", len(ev.Content))
		}
		return a.handleText(ctx, ev.Content)

	case *stream.ResultEvent:
		observability.RecordStreamEvent(ev.Kind)
		if a.verbose {
			log.Printf("[Aggregator] result %s", ev.Kind)
		}
		return a.handleResult(ctx, ev)

	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
}

func (a *Aggregator) handleText(ctx context.Context, content string) error {
	if a.activeID == "" {
		var id string
		err := a.write(ctx, "open", func(wctx context.Context) error {
			var err error
			id, err = a.w.OpenIncremental(wctx, content)
			return err
		})
		if err != nil {
			return err
		}
		a.activeID = id
		a.accumulated = content
		return nil
	}

	next := a.accumulated + content
	if err := a.write(ctx, "append", func(wctx context.Context) error {
		return a.w.AppendIncremental(wctx, a.activeID, next)
	}); err != nil {
		return err
	}
	a.accumulated = next
	return nil
}

func (a *Aggregator) handleResult(ctx context.Context, ev *stream.ResultEvent) error {
	return a.write(ctx, "result", func(wctx context.Context) error {
		_, err := a.w.Append(wctx, chatlog.NewMessage{
			Kind:    chatlog.ResultKind(ev.Kind),
			Content: ev.Content,
			Data:    ev.Data,
			URL:     ev.URL,
		})
		return err
	})
}

// Finish closes the stream. The in-flight message receives its completion
// stamp; narration with no message behind it is written as a complete ai
// message. Calling Finish again is a no-op.
func (a *Aggregator) Finish(ctx context.Context) error {
	if a.state == StateFailed {
		return nil
	}
	defer a.reset(StateIdle)

	switch {
	case a.activeID != "":
		id := a.activeID
		return a.write(ctx, "close", func(wctx context.Context) error {
			return a.w.CloseIncremental(wctx, id)
		})
	case a.accumulated != "":
		text := a.accumulated
		return a.write(ctx, "flush", func(wctx context.Context) error {
			_, err := a.w.Append(wctx, chatlog.NewMessage{Kind: chatlog.KindAI, Content: text})
			return err
		})
	}
	return nil
}

// Fail records cause as a complete ai message and returns to idle. A
// partially streamed message is left as it is. If the failure message
// cannot be written the aggregator stays failed until Reset.
func (a *Aggregator) Fail(ctx context.Context, cause error) error {
	if a.activeID != "" {
		log.Printf("[Aggregator] Leaving message %s incomplete after failure", a.activeID)
	}
	a.reset(StateFailed)

	// The failure is recorded even when the turn was cancelled.
	err := a.write(context.WithoutCancel(ctx), "failure", func(wctx context.Context) error {
		_, err := a.w.Append(wctx, chatlog.NewMessage{
			Kind:    chatlog.KindAI,
			Content: FailureMessage(cause),
		})
		return err
	})
	if err != nil {
		return err
	}
	a.state = StateIdle
	return nil
}

// Reset returns the aggregator to idle for a new stream.
func (a *Aggregator) Reset() {
	a.reset(StateIdle)
}

func (a *Aggregator) reset(s State) {
	a.state = s
	a.activeID = ""
	a.accumulated = ""
}

// write issues a single store write. Cancellation is observed only before
// the write starts.
func (a *Aggregator) write(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	err := fn(context.WithoutCancel(ctx))
	observability.RecordStoreWrite(op, err, time.Since(start))
	if err != nil {
		log.Printf("[Aggregator] %s write failed: %v", op, err)
	}
	return err
}

const failurePrefix = "An error occurred: "

// FailureMessage renders the text stored for a failed turn.
func FailureMessage(cause error) string {
	return failurePrefix + fmt.Sprint(cause)
}

// IsFailureMessage reports whether an ai message records a failed turn.
func IsFailureMessage(m *chatlog.Message) bool {
	return m.Kind == chatlog.KindAI && strings.HasPrefix(m.Content, failurePrefix)
}
