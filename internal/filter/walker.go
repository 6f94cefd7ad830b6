package filter

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"
)

// EntryType classifies a filesystem entry included in a run.
type EntryType uint8

const (
	Dir EntryType = iota + 1
	Regular
	Symlink
)

var entryTypeNames = [...]string{
	Dir:     "dir",
	Regular: "file",
	Symlink: "symlink",
}

func (t EntryType) String() string {
	if int(t) < len(entryTypeNames) && entryTypeNames[t] != "" {
		return entryTypeNames[t]
	}
	return "unknown"
}

// Entry is one included filesystem object as seen at traversal time.
type Entry struct {
	// SourcePath is the absolute on-disk path.
	SourcePath string
	// Path is the snapshot-relative path: the include root's base name
	// followed by the path within that root, always /-separated.
	Path       string
	Type       EntryType
	Size       int64
	ModTime    time.Time
	LinkTarget string
}

// WalkFunc receives each included entry. Returning a non-nil error
// aborts the walk and is returned from Walk.
type WalkFunc func(Entry) error

// SkipFunc is invoked for entries dropped due to per-entry I/O errors.
// The traversal continues; an unreadable include root is fatal for
// that root only.
type SkipFunc func(path string, err error)

// Walk produces every included entry in deterministic order: roots in
// the order supplied, entries within a root depth-first and
// lexicographic by name. Exclude globs are evaluated against the path
// relative to the owning root; a matching directory prunes its whole
// subtree. Symlinks are emitted as their own entry type and never
// followed.
func (s *Selection) Walk(ctx context.Context, visit WalkFunc, skipped SkipFunc) error {
	if skipped == nil {
		skipped = func(string, error) {}
	}
	for _, root := range s.roots {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := os.Lstat(root)
		if err != nil {
			skipped(root, fmt.Errorf("include root: %w", err))
			continue
		}

		name := filepath.Base(root)
		switch {
		case info.IsDir():
			if err := s.walkDir(ctx, root, name, "", visit, skipped); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			err := visit(Entry{
				SourcePath: root,
				Path:       name,
				Type:       Regular,
				Size:       info.Size(),
				ModTime:    info.ModTime(),
			})
			if err != nil {
				return err
			}
		default:
			skipped(root, fmt.Errorf("include root: unsupported file type %s", info.Mode()))
		}
	}
	return nil
}

// walkDir emits the directory at srcPath and then its children.
// rel is the path relative to the include root ("" for the root
// itself); prefix is the snapshot path of the directory.
func (s *Selection) walkDir(ctx context.Context, srcPath, prefix, rel string, visit WalkFunc, skipped SkipFunc) error {
	info, err := os.Lstat(srcPath)
	if err != nil {
		skipped(srcPath, err)
		return nil
	}

	if err := visit(Entry{
		SourcePath: srcPath,
		Path:       prefix,
		Type:       Dir,
		ModTime:    info.ModTime(),
	}); err != nil {
		return err
	}

	entries, err := os.ReadDir(srcPath)
	if err != nil {
		skipped(srcPath, err)
		return nil
	}

	// os.ReadDir returns entries sorted by name, which gives the
	// lexicographic order the manifest relies on.
	for _, de := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		childSrc := filepath.Join(srcPath, de.Name())
		childRel := path.Join(rel, de.Name())
		childPath := path.Join(prefix, de.Name())

		info, err := de.Info()
		if err != nil {
			skipped(childSrc, err)
			continue
		}
		mode := info.Mode()

		// Subtree pruning: an excluded directory is not descended into.
		if s.Excluded(childRel, mode.IsDir()) {
			continue
		}

		switch {
		case mode.IsDir():
			if err := s.walkDir(ctx, childSrc, childPath, childRel, visit, skipped); err != nil {
				return err
			}

		case mode&os.ModeSymlink != 0:
			target, err := os.Readlink(childSrc)
			if err != nil {
				skipped(childSrc, err)
				continue
			}
			if err := visit(Entry{
				SourcePath: childSrc,
				Path:       childPath,
				Type:       Symlink,
				ModTime:    info.ModTime(),
				LinkTarget: target,
			}); err != nil {
				return err
			}

		case mode.IsRegular():
			if err := visit(Entry{
				SourcePath: childSrc,
				Path:       childPath,
				Type:       Regular,
				Size:       info.Size(),
				ModTime:    info.ModTime(),
			}); err != nil {
				return err
			}

		default:
			// Sockets, devices, FIFOs: not backed up.
		}
	}
	return nil
}
