package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aixgo-dev/quantchat/pkg/chatlog"
	"github.com/aixgo-dev/quantchat/pkg/upload"
)

// renderer prints a chat log incrementally. It remembers how much of each
// message has been written so repeated snapshots only print what is new.
type renderer struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[string]int
	closed  map[string]bool
	// open is the ai message whose line is still being written.
	open string
	// hideUser suppresses user messages typed into this terminal.
	hideUser bool
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{
		w:       w,
		printed: make(map[string]int),
		closed:  make(map[string]bool),
	}
}

// Render implements chatlog.SubscribeFunc.
func (r *renderer) Render(msgs []*chatlog.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range msgs {
		if r.closed[m.ID] {
			continue
		}
		n, seen := r.printed[m.ID]

		switch {
		case m.Kind == chatlog.KindAI:
			var delta string
			if n < len(m.Content) {
				delta = m.Content[n:]
			}
			// A result printed mid-stream breaks the line; resume on a new one.
			if !seen || (delta != "" && r.open != m.ID) {
				r.breakLine()
				fmt.Fprint(r.w, "ai> ")
				r.open = m.ID
			}
			fmt.Fprint(r.w, delta)
			r.printed[m.ID] = len(m.Content)
			if !m.InFlight() {
				if r.open == m.ID {
					r.breakLine()
				}
				r.closed[m.ID] = true
			}

		case seen:
			continue

		default:
			r.printed[m.ID] = len(m.Content)
			r.closed[m.ID] = true
			if m.Kind == chatlog.KindUser && r.hideUser {
				continue
			}
			r.breakLine()
			fmt.Fprint(r.w, formatMessage(m))
		}
	}
}

func (r *renderer) breakLine() {
	if r.open != "" {
		fmt.Fprintln(r.w)
		r.open = ""
	}
}

// markSeen treats msgs as already printed.
func (r *renderer) markSeen(msgs []*chatlog.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.printed[m.ID] = len(m.Content)
		r.closed[m.ID] = true
	}
}

// formatMessage renders a complete non-ai message.
func formatMessage(m *chatlog.Message) string {
	var b strings.Builder
	switch {
	case m.Kind == chatlog.KindUser:
		fmt.Fprintf(&b, "you> %s\n", m.Content)
	case m.Kind == chatlog.KindSystem:
		fmt.Fprintf(&b, "[system] %s\n", m.Content)
	case m.Kind.IsResult():
		fmt.Fprintf(&b, "[%s]", m.Kind.ResultType())
		if m.Content != "" {
			fmt.Fprintf(&b, " %s", m.Content)
		}
		b.WriteString("\n")
		if hasData(m.Data) {
			data, err := json.MarshalIndent(m.Data, "  ", "  ")
			if err == nil {
				fmt.Fprintf(&b, "  %s\n", data)
			}
		}
		if m.URL != "" {
			fmt.Fprintf(&b, "  %s\n", m.URL)
		}
	default:
		fmt.Fprintf(&b, "%s> %s\n", m.Kind, m.Content)
	}
	return b.String()
}

// hasData reports whether a result payload is worth printing.
func hasData(v any) bool {
	switch d := v.(type) {
	case nil:
		return false
	case map[string]any:
		return len(d) > 0
	case []any:
		return len(d) > 0
	}
	return true
}

// formatIndex renders the upload index as a tree: types ascending, years and
// months newest first.
func formatIndex(x *upload.Index) string {
	if x.Len() == 0 {
		return "No files uploaded.\n"
	}
	var b strings.Builder
	for _, t := range x.Types() {
		fmt.Fprintf(&b, "%s\n", t)
		for _, y := range x.Years(t) {
			fmt.Fprintf(&b, "  %s\n", y)
			for _, mo := range x.Months(t, y) {
				fmt.Fprintf(&b, "    %s\n", mo)
				for _, f := range x.Lookup(t, y, mo) {
					fmt.Fprintf(&b, "      %s (%d bytes)\n", f.Name, f.Size)
				}
			}
		}
	}
	return b.String()
}

// jsonFollower writes a JSON line for every message each time it changes.
func jsonFollower(w io.Writer) chatlog.SubscribeFunc {
	var mu sync.Mutex
	last := make(map[string]string)
	enc := json.NewEncoder(w)

	return func(msgs []*chatlog.Message) {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range msgs {
			key := fmt.Sprintf("%d:%t", len(m.Content), m.InFlight())
			if last[m.ID] == key {
				continue
			}
			last[m.ID] = key
			_ = enc.Encode(m)
		}
	}
}
