// Package chunk defines the identity, lifecycle states and error taxonomy
// shared by the chunk store, the downloader, the reconciler and the query engine.
package chunk

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ID identifies a chunk: the half-open block range [First, Last) of a dataset.
// Chunks of a dataset never overlap. ID is comparable and used as a map key.
type ID struct {
	Dataset string `json:"dataset"`
	First   uint64 `json:"first_block"`
	Last    uint64 `json:"last_block"`
}

// New returns the chunk id for [first, last) in dataset.
func New(dataset string, first, last uint64) ID {
	return ID{Dataset: dataset, First: first, Last: last}
}

// Validate reports whether the id describes a non-empty range of a named dataset.
func (id ID) Validate() error {
	if id.Dataset == "" {
		return fmt.Errorf("chunk %s: dataset cannot be empty", id.RangeString())
	}
	if id.Last <= id.First {
		return fmt.Errorf("chunk %s/%s: empty block range", id.Dataset, id.RangeString())
	}
	return nil
}

// RangeString formats the block range as "first-last" with zero padding, the
// same name used for chunk directories and object keys.
func (id ID) RangeString() string {
	return fmt.Sprintf("%010d-%010d", id.First, id.Last)
}

func (id ID) String() string {
	return id.Dataset + "/" + id.RangeString()
}

// Intersects reports whether the chunk shares at least one block with [from, to).
func (id ID) Intersects(from, to uint64) bool {
	return id.First < to && from < id.Last
}

// Contains reports whether block is inside the chunk.
func (id ID) Contains(block uint64) bool {
	return id.First <= block && block < id.Last
}

// ParseRange parses a "first-last" range name produced by RangeString.
func ParseRange(dataset, s string) (ID, error) {
	first, last, ok := strings.Cut(s, "-")
	if !ok {
		return ID{}, fmt.Errorf("invalid chunk range %q", s)
	}
	f, err := strconv.ParseUint(first, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid chunk range %q: %w", s, err)
	}
	l, err := strconv.ParseUint(last, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid chunk range %q: %w", s, err)
	}
	id := New(dataset, f, l)
	if err := id.Validate(); err != nil {
		return ID{}, err
	}
	return id, nil
}

// Sort orders ids by dataset, then by first block.
func Sort(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return Less(ids[i], ids[j]) })
}

// Less is the canonical ordering of chunk ids.
func Less(a, b ID) bool {
	if a.Dataset != b.Dataset {
		return a.Dataset < b.Dataset
	}
	if a.First != b.First {
		return a.First < b.First
	}
	return a.Last < b.Last
}

// Set is a set of chunk ids.
type Set map[ID]struct{}

// NewSet builds a set from ids.
func NewSet(ids ...ID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id.
func (s Set) Add(id ID) { s[id] = struct{}{} }

// Has reports whether id is in the set.
func (s Set) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Diff returns the ids in s that are not in other.
func (s Set) Diff(other Set) []ID {
	var out []ID
	for id := range s {
		if !other.Has(id) {
			out = append(out, id)
		}
	}
	Sort(out)
	return out
}

// Sorted returns the members in canonical order.
func (s Set) Sorted() []ID {
	out := make([]ID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	Sort(out)
	return out
}

// Range is a half-open block range used on the wire.
type Range struct {
	Begin uint64 `json:"begin"`
	End   uint64 `json:"end"`
}

// Ranges returns the block ranges of ids in canonical order, merging nothing:
// every chunk is reported as its own range.
func Ranges(ids []ID) []Range {
	sorted := append([]ID(nil), ids...)
	Sort(sorted)
	out := make([]Range, 0, len(sorted))
	for _, id := range sorted {
		out = append(out, Range{Begin: id.First, End: id.Last})
	}
	return out
}
