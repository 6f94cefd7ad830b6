package manifest

import (
	"sort"
	"sync"
	"time"

	"github.com/WKHAllen/hoard/internal/filter"
)

// Builder accumulates FileEntry records from parallel workers while
// preserving traversal order. Workers finish files out of order, so
// each entry carries the sequence number the walker assigned it and
// the collection is sorted once at build time.
//
// Safe for concurrent Add calls.
type Builder struct {
	mu      sync.Mutex
	entries []seqEntry
}

type seqEntry struct {
	seq   int64
	entry FileEntry
}

// NewBuilder returns an empty Builder for one backup run.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add records one completed entry under its traversal sequence number.
func (b *Builder) Add(seq int64, entry FileEntry) {
	b.mu.Lock()
	b.entries = append(b.entries, seqEntry{seq: seq, entry: entry})
	b.mu.Unlock()
}

// Len returns the number of entries recorded so far.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Build assembles the immutable Manifest, entries in traversal order.
// The Builder must not be used after Build.
func (b *Builder) Build(id string, createdAt time.Time, source Source) *Manifest {
	b.mu.Lock()
	defer b.mu.Unlock()

	sort.Slice(b.entries, func(i, j int) bool {
		return b.entries[i].seq < b.entries[j].seq
	})
	entries := make([]FileEntry, len(b.entries))
	for i, se := range b.entries {
		entries[i] = se.entry
	}
	b.entries = nil

	return &Manifest{
		ID:        id,
		CreatedAt: createdAt,
		Source:    source,
		Entries:   entries,
	}
}

// SourceFromSelection captures a selection for embedding in a
// manifest.
func SourceFromSelection(sel *filter.Selection) Source {
	opts := sel.Options()
	return Source{
		Roots:           sel.Roots(),
		Excludes:        sel.Globs(),
		CaseInsensitive: opts.CaseInsensitive,
		NoDoubleStar:    opts.NoDoubleStar,
	}
}
