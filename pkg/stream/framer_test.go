package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineFramer_Feed(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
		tail   string
	}{
		{
			name:   "single complete record",
			chunks: []string{"{\"type\":\"text\"}\n"},
			want:   []string{"{\"type\":\"text\"}"},
		},
		{
			name:   "record split across chunks",
			chunks: []string{"{\"type\":", "\"text\"}\n"},
			want:   []string{"{\"type\":\"text\"}"},
		},
		{
			name:   "several records in one chunk",
			chunks: []string{"a\nb\nc\n"},
			want:   []string{"a", "b", "c"},
		},
		{
			name:   "blank lines are framed as empty records",
			chunks: []string{"a\n\n\nb\n"},
			want:   []string{"a", "", "", "b"},
		},
		{
			name:   "trailing fragment is held",
			chunks: []string{"a\npartial"},
			want:   []string{"a"},
			tail:   "partial",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f LineFramer
			var got []string
			for _, c := range tt.chunks {
				got = append(got, f.Feed([]byte(c))...)
			}
			assert.Equal(t, tt.want, got)

			tail, ok := f.Flush()
			assert.Equal(t, tt.tail != "", ok)
			assert.Equal(t, tt.tail, tail)
			assert.Zero(t, f.Buffered())
		})
	}
}

func TestLineFramer_SplitsAtEveryByte(t *testing.T) {
	body := "{\"type\":\"text\",\"content\":\"Héllo 世界 📈\"}\n" +
		"{\"type\":\"backtest\",\"data\":{\"sharpe\":1.4}}\n" +
		"\n" +
		"{\"type\":\"text\",\"content\":\"done\"}\n"

	var whole LineFramer
	want := whole.Feed([]byte(body))
	require.Len(t, want, 4)

	raw := []byte(body)
	for i := 0; i <= len(raw); i++ {
		for j := i; j <= len(raw); j += 7 {
			var f LineFramer
			var got []string
			got = append(got, f.Feed(raw[:i])...)
			got = append(got, f.Feed(raw[i:j])...)
			got = append(got, f.Feed(raw[j:])...)
			require.Equal(t, want, got, "split at %d/%d", i, j)
			_, ok := f.Flush()
			require.False(t, ok)
		}
	}
}

func TestLineFramer_MultibyteAcrossChunks(t *testing.T) {
	raw := []byte("世\n")
	var f LineFramer
	assert.Empty(t, f.Feed(raw[:1]))
	assert.Empty(t, f.Feed(raw[1:2]))
	assert.Equal(t, []string{"世"}, f.Feed(raw[2:]))
}

func TestLineFramer_InvalidUTF8(t *testing.T) {
	var f LineFramer
	got := f.Feed([]byte{'a', 0xff, 'b', '\n'})
	require.Len(t, got, 1)
	assert.Equal(t, "a�b", got[0])
	assert.True(t, strings.HasPrefix(got[0], "a"))
}
