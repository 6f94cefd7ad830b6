// Package manifest defines the immutable snapshot record a backup run
// commits: the ordered list of every included filesystem object with
// its metadata and chunk-hash sequence, plus the source selection that
// produced it.
package manifest

import (
	"fmt"
	"time"

	"github.com/WKHAllen/hoard/internal/chunker"
	"github.com/WKHAllen/hoard/internal/filter"
)

// FileEntry is one included filesystem object at backup time. For
// regular files Chunks holds the ordered hash sequence whose
// concatenated spans reproduce the original byte stream; directories
// and symlinks carry only metadata.
type FileEntry struct {
	// Path is the archive-relative path, forward-slash separated,
	// starting with the base name of the owning include root.
	Path    string
	Type    filter.EntryType
	Size    int64
	ModTime time.Time

	// LinkTarget is the symlink target, verbatim. Empty for other types.
	LinkTarget string

	Chunks []chunker.Hash
}

// Source records the selection a snapshot was taken with, for display
// and for repeating the same backup later.
type Source struct {
	Roots           []string `cbor:"roots"`
	Excludes        []string `cbor:"excludes,omitempty"`
	CaseInsensitive bool     `cbor:"case_insensitive,omitempty"`
	NoDoubleStar    bool     `cbor:"no_double_star,omitempty"`
}

// Manifest is an immutable snapshot: created once at the end of a
// successful backup run, never modified after commit.
type Manifest struct {
	ID        string
	CreatedAt time.Time
	Source    Source
	Entries   []FileEntry
}

// FileCount returns the number of regular-file entries.
func (m *Manifest) FileCount() int64 {
	var n int64
	for i := range m.Entries {
		if m.Entries[i].Type == filter.Regular {
			n++
		}
	}
	return n
}

// TotalBytes returns the sum of regular-file sizes.
func (m *Manifest) TotalBytes() int64 {
	var total int64
	for i := range m.Entries {
		if m.Entries[i].Type == filter.Regular {
			total += m.Entries[i].Size
		}
	}
	return total
}

// Validate checks the structural invariants a committed manifest must
// hold. Violations indicate an engine bug, not bad user input.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest has no run identifier")
	}
	seen := make(map[string]struct{}, len(m.Entries))
	for i := range m.Entries {
		e := &m.Entries[i]
		if _, dup := seen[e.Path]; dup {
			return fmt.Errorf("manifest entry %q appears twice", e.Path)
		}
		seen[e.Path] = struct{}{}
		if e.Type != filter.Regular && len(e.Chunks) > 0 {
			return fmt.Errorf("manifest entry %q: %s carries chunk hashes", e.Path, e.Type)
		}
	}
	return nil
}
