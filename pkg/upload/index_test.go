package upload

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		wantType  string
		wantYear  string
		wantMonth string
	}{
		{"2024_03_15_trades.csv", "csv", "2024", "03"},
		{"notes.csv", "csv", Unclassified, Unclassified},
		{"2023_12_01_BOOK.XLSX", "xlsx", "2023", "12"},
		{"archive.tar.gz", "gz", Unclassified, Unclassified},
		{"README", "readme", Unclassified, Unclassified},
		{"2024_3_15_bad.csv", "csv", Unclassified, Unclassified},
		{"trades_2024_03_15.csv", "csv", Unclassified, Unclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft, y, m := Classify(tt.name)
			assert.Equal(t, tt.wantType, ft)
			assert.Equal(t, tt.wantYear, y)
			assert.Equal(t, tt.wantMonth, m)
		})
	}
}

func TestIndex_Insert(t *testing.T) {
	x := NewIndex()
	x.Insert(Descriptor{Name: "2024_03_15_trades.csv", URL: "u1", Size: 10, Type: "text/csv"})
	x.Insert(Descriptor{Name: "notes.csv", URL: "u2"})
	x.Insert(Descriptor{Name: "2024_03_15_trades.csv", URL: "u3"})

	require.Equal(t, 3, x.Len())

	bucket := x.Lookup("csv", "2024", "03")
	require.Len(t, bucket, 2, "duplicates are kept")
	assert.Equal(t, "u1", bucket[0].URL)
	assert.Equal(t, "u3", bucket[1].URL)

	assert.Len(t, x.Lookup("csv", Unclassified, Unclassified), 1)
	assert.Empty(t, x.Lookup("pdf", "2024", "03"))

	names := []string{}
	for _, f := range x.Files() {
		names = append(names, f.URL)
	}
	assert.Equal(t, []string{"u1", "u2", "u3"}, names)
}

func TestIndex_Metadata(t *testing.T) {
	x := NewIndex()
	x.Insert(Descriptor{Name: "a.csv", URL: "u", Size: 3, Type: "text/csv", Preview: []any{"row"}})

	assert.Equal(t, []Metadata{{Name: "a.csv", URL: "u", Size: 3, Type: "text/csv"}}, x.Metadata())
	assert.Empty(t, NewIndex().Metadata())
}

func TestIndex_SortedKeys(t *testing.T) {
	x := NewIndex()
	for _, n := range []string{
		"2023_01_02_a.csv",
		"2024_11_02_b.csv",
		"2024_02_02_c.csv",
		"x.json",
		"misc.csv",
	} {
		x.Insert(Descriptor{Name: n})
	}

	assert.Equal(t, []string{"csv", "json"}, x.Types())
	assert.Equal(t, []string{Unclassified, "2024", "2023"}, x.Years("csv"))
	assert.Equal(t, []string{"11", "02"}, x.Months("csv", "2024"))
	assert.Empty(t, x.Years("pdf"))
}

func TestIndex_ConcurrentInsert(t *testing.T) {
	x := NewIndex()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			x.Insert(Descriptor{Name: fmt.Sprintf("2024_01_01_%d.csv", i)})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, x.Len())
	assert.Len(t, x.Lookup("csv", "2024", "01"), 50)
}
