// Package upload keeps the per-session index of files the analysis backend
// has accepted.
package upload

import (
	"regexp"
	"slices"
	"strings"
	"sync"
)

// Unclassified is the year and month bucket for names without a date prefix.
const Unclassified = "unclassified"

var datePrefix = regexp.MustCompile(`^(\d{4})_(\d{2})_(\d{2})`)

// Descriptor is the backend's view of an uploaded file.
type Descriptor struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Size    int64  `json:"size"`
	Type    string `json:"type"`
	Preview any    `json:"preview,omitempty"`
}

// Metadata is the flattened form sent with every analysis request.
type Metadata struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Classify returns the index keys for a file name: the lowercased suffix
// after the last dot (the whole name when there is none), and the year and
// month of a leading YYYY_MM_DD prefix.
func Classify(name string) (fileType, year, month string) {
	fileType = strings.ToLower(name[strings.LastIndex(name, ".")+1:])
	if m := datePrefix.FindStringSubmatch(name); m != nil {
		return fileType, m[1], m[2]
	}
	return fileType, Unclassified, Unclassified
}

// Index groups descriptors by type, year and month. Entries are only ever
// appended. It is safe for concurrent use.
type Index struct {
	mu    sync.RWMutex
	tree  map[string]map[string]map[string][]Descriptor
	order []Descriptor
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{tree: make(map[string]map[string]map[string][]Descriptor)}
}

// Insert files d under its classification.
func (x *Index) Insert(d Descriptor) {
	fileType, year, month := Classify(d.Name)

	x.mu.Lock()
	defer x.mu.Unlock()

	years, ok := x.tree[fileType]
	if !ok {
		years = make(map[string]map[string][]Descriptor)
		x.tree[fileType] = years
	}
	months, ok := years[year]
	if !ok {
		months = make(map[string][]Descriptor)
		years[year] = months
	}
	months[month] = append(months[month], d)
	x.order = append(x.order, d)
}

// Len returns the number of indexed files.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.order)
}

// Files returns every descriptor in insertion order.
func (x *Index) Files() []Descriptor {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Clone(x.order)
}

// Metadata flattens the index for an analysis request.
func (x *Index) Metadata() []Metadata {
	files := x.Files()
	out := make([]Metadata, len(files))
	for i, f := range files {
		out[i] = Metadata{Name: f.Name, URL: f.URL, Size: f.Size, Type: f.Type}
	}
	return out
}

// Lookup returns the files under one bucket.
func (x *Index) Lookup(fileType, year, month string) []Descriptor {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Clone(x.tree[fileType][year][month])
}

// Types returns the file types in ascending order.
func (x *Index) Types() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return sortedKeys(x.tree, false)
}

// Years returns the years recorded for fileType, newest first.
func (x *Index) Years(fileType string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return sortedKeys(x.tree[fileType], true)
}

// Months returns the months recorded for fileType and year, newest first.
func (x *Index) Months(fileType, year string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return sortedKeys(x.tree[fileType][year], true)
}

func sortedKeys[V any](m map[string]V, desc bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if desc {
		slices.Reverse(keys)
	}
	return keys
}
