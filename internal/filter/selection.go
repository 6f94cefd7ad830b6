package filter

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Selection describes what a backup run covers: an ordered set of
// include roots and an ordered list of exclude glob patterns.
//
// Exclusions are monotonic — a path matching any exclude pattern is
// omitted, and there is no include-override mechanism. Patterns are
// evaluated against each entry's path relative to its include root.
type Selection struct {
	roots    []string
	patterns []*Pattern
	globs    []string
	opts     Options
}

// NewSelection validates roots and compiles the exclude globs.
//
// Roots are cleaned and deduplicated, and the set is rejected when one
// root is nested inside another (the nested root's entries would appear
// twice) or when two roots share a base name (both would occupy the
// same relative prefix in the snapshot).
func NewSelection(roots []string, excludeGlobs []string, opts Options) (*Selection, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("selection: no include roots")
	}

	cleaned := make([]string, 0, len(roots))
	seen := make(map[string]bool, len(roots))
	names := make(map[string]string, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("selection: resolve root %s: %w", root, err)
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true

		name := filepath.Base(abs)
		if prev, ok := names[name]; ok {
			return nil, fmt.Errorf("selection: include roots %s and %s share the name %q", prev, abs, name)
		}
		names[name] = abs
		cleaned = append(cleaned, abs)
	}

	for _, a := range cleaned {
		for _, b := range cleaned {
			if a != b && isDescendant(a, b) {
				return nil, fmt.Errorf("selection: include root %s is inside %s", a, b)
			}
		}
	}

	sel := &Selection{roots: cleaned, globs: excludeGlobs, opts: opts}
	for _, glob := range excludeGlobs {
		p, err := CompilePattern(glob, opts)
		if err != nil {
			return nil, fmt.Errorf("selection: exclude pattern %q: %w", glob, err)
		}
		sel.patterns = append(sel.patterns, p)
	}
	return sel, nil
}

// Roots returns the cleaned include roots in the order supplied.
func (s *Selection) Roots() []string { return s.roots }

// Globs returns the original exclude pattern strings.
func (s *Selection) Globs() []string { return s.globs }

// Options returns the matching options the selection was built with.
func (s *Selection) Options() Options { return s.opts }

// Excluded reports whether a path (relative to its include root) is
// excluded. First match wins; for directories a match prunes the whole
// subtree, which the walker enforces by not descending.
func (s *Selection) Excluded(relPath string, isDir bool) bool {
	for _, p := range s.patterns {
		if p.Match(relPath, isDir) {
			return true
		}
	}
	return false
}

func isDescendant(child, parent string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".."
}
