package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TypeText is the record type for narration.
const TypeText = "text"

// Event is one decoded record. The set of implementations is closed:
// *TextEvent and *ResultEvent.
type Event interface {
	isEvent()
}

// TextEvent is a fragment of the assistant's narration.
type TextEvent struct {
	Content string
}

// ResultEvent is a structured result such as a backtest or a chart.
type ResultEvent struct {
	// Kind is the record's type field ("backtest", "visualization", ...).
	Kind    string
	Content string
	// Data is the decoded data field of any JSON shape: object, array,
	// number, string or bool. Nil when absent or null.
	Data any
	URL  string
}

func (*TextEvent) isEvent()   {}
func (*ResultEvent) isEvent() {}

// ErrMissingType is wrapped by a DecodeFailure for records without a type.
var ErrMissingType = errors.New("record has no type")

// DecodeFailure reports a record that could not be decoded. The stream
// continues past it.
type DecodeFailure struct {
	Record string
	Err    error
}

func (e *DecodeFailure) Error() string {
	return fmt.Sprintf("decode failure: %v: %q", e.Err, truncate(e.Record, 120))
}

func (e *DecodeFailure) Unwrap() error {
	return e.Err
}

type wireRecord struct {
	Type    *string         `json:"type"`
	Content json.RawMessage `json:"content"`
	Data    any             `json:"data"`
	URL     json.RawMessage `json:"url"`
}

// Decode parses a single record. Malformed JSON, a non-object record, or a
// missing type yields a *DecodeFailure. Other fields are passed through
// whatever their JSON shape.
func Decode(record string) (Event, error) {
	var w wireRecord
	if err := json.Unmarshal([]byte(record), &w); err != nil {
		return nil, &DecodeFailure{Record: record, Err: err}
	}
	if w.Type == nil || *w.Type == "" {
		return nil, &DecodeFailure{Record: record, Err: ErrMissingType}
	}

	if *w.Type == TypeText {
		return &TextEvent{Content: rawText(w.Content)}, nil
	}
	return &ResultEvent{
		Kind:    *w.Type,
		Content: rawText(w.Content),
		Data:    w.Data,
		URL:     rawText(w.URL),
	}, nil
}

// rawText returns a JSON string's value, "" for an absent or null field,
// and the JSON text itself for any other value.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
