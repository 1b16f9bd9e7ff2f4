package stream

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, r *Reader) ([]Event, error) {
	t.Helper()
	var events []Event
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestReader_SkipsBlankAndBadRecords(t *testing.T) {
	body := `{"type":"text","content":"Hello "}` + "\n" +
		"\n" +
		"   \n" +
		"not json\n" +
		`{"content":"no type"}` + "\n" +
		`{"type":"text","content":"world"}` + "\n"

	var failures []*DecodeFailure
	r := NewReader(strings.NewReader(body), WithFailureHook(func(f *DecodeFailure) {
		failures = append(failures, f)
	}))

	events, err := collect(t, r)
	require.NoError(t, err)
	assert.Equal(t, []Event{&TextEvent{Content: "Hello "}, &TextEvent{Content: "world"}}, events)
	require.Len(t, failures, 2)
	assert.Equal(t, "not json", failures[0].Record)
}

func TestReader_OneByteReads(t *testing.T) {
	body := `{"type":"text","content":"Hé"}` + "\n" + `{"type":"backtest","data":{"n":1}}` + "\n"
	r := NewReader(iotest.OneByteReader(strings.NewReader(body)))

	events, err := collect(t, r)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, &TextEvent{Content: "Hé"}, events[0])
	assert.Equal(t, "backtest", events[1].(*ResultEvent).Kind)
}

func TestReader_TrailingRecordWithoutNewline(t *testing.T) {
	body := `{"type":"text","content":"a"}` + "\n" + `{"type":"text","content":"b"}`
	events, err := collect(t, NewReader(strings.NewReader(body)))
	require.NoError(t, err)
	assert.Equal(t, []Event{&TextEvent{Content: "a"}, &TextEvent{Content: "b"}}, events)
}

func TestReader_TruncatedBody(t *testing.T) {
	body := `{"type":"text","content":"a"}` + "\n" + `{"type":"text","con`
	events, err := collect(t, NewReader(strings.NewReader(body)))
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Equal(t, []Event{&TextEvent{Content: "a"}}, events)
}

func TestReader_ReadError(t *testing.T) {
	boom := errors.New("connection reset")
	src := io.MultiReader(strings.NewReader(`{"type":"text","content":"a"}`+"\n"), iotest.ErrReader(boom))

	events, err := collect(t, NewReader(src, WithChunkSize(4)))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, events, 1)
}

func TestReader_EmptyBody(t *testing.T) {
	events, err := collect(t, NewReader(strings.NewReader("")))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReader_ResultDataOfAnyShape(t *testing.T) {
	body := `{"type":"visualization","data":[1,2,3],"url":"u"}` + "\n" +
		`{"type":"backtest","data":12.5}` + "\n"

	var failures []*DecodeFailure
	r := NewReader(strings.NewReader(body), WithFailureHook(func(f *DecodeFailure) {
		failures = append(failures, f)
	}))

	events, err := collect(t, r)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, []Event{
		&ResultEvent{Kind: "visualization", Data: []any{1.0, 2.0, 3.0}, URL: "u"},
		&ResultEvent{Kind: "backtest", Data: 12.5},
	}, events)
}
