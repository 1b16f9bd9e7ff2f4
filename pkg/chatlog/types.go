// Package chatlog provides the append-only, per-session chat log that every
// turn writes into and every view reads from.
// Messages are ordered by a store-assigned sort key, and all mutation is
// serialized through a StorageBackend so concurrent subscribers converge.
package chatlog

import (
	"strings"
	"time"
)

// Kind identifies who or what produced a message.
type Kind string

const (
	// KindUser is a prompt typed by the user.
	KindUser Kind = "user"
	// KindAI is narration streamed back by the analysis backend.
	KindAI Kind = "ai"
	// KindSystem is a local notice such as an upload confirmation.
	KindSystem Kind = "system"
	// KindResultBacktest carries a structured backtest summary.
	KindResultBacktest Kind = "result_backtest"
	// KindResultVisualization carries a chart URL.
	KindResultVisualization Kind = "result_visualization"
)

const resultPrefix = "result_"

// ResultKind returns the message kind for a backend result type
// ("backtest" -> result_backtest).
func ResultKind(resultType string) Kind {
	return Kind(resultPrefix + resultType)
}

// IsResult reports whether k is a structured result kind.
func (k Kind) IsResult() bool {
	return strings.HasPrefix(string(k), resultPrefix) && len(k) > len(resultPrefix)
}

// ResultType returns the backend result type of a result kind
// (result_backtest -> "backtest"), or "" for other kinds.
func (k Kind) ResultType() string {
	if !k.IsResult() {
		return ""
	}
	return string(k)[len(resultPrefix):]
}

// Valid reports whether k can be stored.
func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindAI, KindSystem:
		return true
	}
	return k.IsResult()
}

// Message is a single entry in a session's chat log.
type Message struct {
	// ID is assigned by the backend on create.
	ID string `json:"id"`
	// Kind is immutable after creation.
	Kind Kind `json:"type"`
	// Content is the message text. It may be empty for result kinds.
	Content string `json:"content"`
	// Data is the structured result payload (result kinds only). It holds
	// whatever JSON value the backend sent: an object, array, number,
	// string or bool.
	Data any `json:"data,omitempty"`
	// URL points at a rendered artifact (result kinds only).
	URL string `json:"url,omitempty"`
	// CreatedAt is stamped by the backend on create.
	CreatedAt time.Time `json:"createdAt"`
	// CompletedAt is nil while an incremental message is still in-flight.
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// SortKey is a backend-assigned, strictly increasing ordering token.
	SortKey int64 `json:"sortKey"`
}

// InFlight reports whether the message is still receiving incremental updates.
func (m *Message) InFlight() bool {
	return m.CompletedAt == nil
}

// Clone returns a deep copy so snapshots handed to subscribers cannot alias
// backend state.
func (m *Message) Clone() *Message {
	c := *m
	c.Data = cloneData(m.Data)
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// DataMap returns Data when it is a JSON object, nil otherwise.
func (m *Message) DataMap() map[string]any {
	d, _ := m.Data.(map[string]any)
	return d
}

// cloneData deep-copies a decoded JSON value.
func cloneData(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, e := range vv {
			out[k] = cloneData(e)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = cloneData(e)
		}
		return out
	default:
		return v
	}
}

// Patch carries the mutable fields accepted by Update.
type Patch struct {
	// Content replaces the message text when non-nil.
	Content *string
	// Complete stamps CompletedAt with the backend's clock.
	Complete bool
}

// NewMessage is the input to Create. Backends fill in the identity fields.
type NewMessage struct {
	Kind    Kind
	Content string
	Data    any
	URL     string
	// Incremental leaves the message in-flight until a Patch with Complete.
	Incremental bool
}
