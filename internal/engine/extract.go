package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/WKHAllen/hoard/internal/event"
	"github.com/WKHAllen/hoard/internal/filter"
	"github.com/WKHAllen/hoard/internal/manifest"
	"github.com/WKHAllen/hoard/internal/store"
)

// extractRun carries the shared state of one extraction.
type extractRun struct {
	op     *Operation
	store  *store.Store
	dest   string
	strict bool

	fatalOnce sync.Once
	fatal     error
}

func (e *extractRun) reportFatal(err error) {
	e.fatalOnce.Do(func() {
		e.fatal = err
		e.op.cancel()
	})
}

// runExtract reconstructs a snapshot in three phases: directories in
// manifest order (parents precede children), then regular files across
// the worker pool, then symlinks last so targets inside the snapshot
// already exist.
func (r *Runner) runExtract(ctx context.Context, op *Operation, m *manifest.Manifest, destRoot string, opts ExtractOptions) {
	op.setRunning()

	run := &extractRun{
		op:     op,
		store:  r.store,
		dest:   destRoot,
		strict: opts.Mode == Strict,
	}

	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		op.finish(Failed, fmt.Errorf("create destination: %w", err))
		return
	}

	var dirs, symlinks []*manifest.FileEntry
	files := make([]*manifest.FileEntry, 0, len(m.Entries))
	for i := range m.Entries {
		e := &m.Entries[i]
		switch e.Type {
		case filter.Dir:
			dirs = append(dirs, e)
		case filter.Symlink:
			symlinks = append(symlinks, e)
		default:
			files = append(files, e)
		}
	}

	for _, d := range dirs {
		if ctx.Err() != nil {
			break
		}
		if err := os.MkdirAll(filepath.Join(destRoot, filepath.FromSlash(d.Path)), 0o755); err != nil {
			run.reportFatal(fmt.Errorf("create dir %s: %w", d.Path, err))
			break
		}
		op.stats.AddDirsCreated(1)
		op.emit(event.Event{Type: event.DirCreated, Path: d.Path})
	}

	if run.fatal == nil && ctx.Err() == nil {
		tasks := make(chan *manifest.FileEntry, opts.Workers*4)
		var wg sync.WaitGroup
		for id := range opts.Workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for entry := range tasks {
					if ctx.Err() != nil {
						continue
					}
					run.restoreFile(ctx, id, entry)
				}
			}()
		}
		for _, f := range files {
			select {
			case tasks <- f:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
		close(tasks)
		wg.Wait()
	}

	if run.fatal == nil && ctx.Err() == nil {
		for _, l := range symlinks {
			if err := run.restoreSymlink(l); err != nil {
				run.reportFatal(err)
				break
			}
		}
	}

	state, termErr := terminalState(ctx, op, run.fatal)
	r.logger.Info("extract finished",
		"operation", op.ID,
		"snapshot", m.ID,
		"state", state.String(),
		"files", op.stats.Snapshot().FilesProcessed,
		"error", termErr)
	op.finish(state, termErr)
}

// restoreFile reassembles one regular file chunk by chunk into a temp
// file and renames it into place, so a crash or chunk failure never
// leaves a half-written file at the final path. Chunk failures skip
// the file in lenient mode and abort the run in strict mode.
func (e *extractRun) restoreFile(ctx context.Context, workerID int, entry *manifest.FileEntry) {
	e.op.emit(event.Event{
		Type:     event.FileStarted,
		Path:     entry.Path,
		Size:     entry.Size,
		WorkerID: workerID,
	})

	dstPath := filepath.Join(e.dest, filepath.FromSlash(entry.Path))
	dir := filepath.Dir(dstPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.reportFatal(fmt.Errorf("create parent dir %s: %w", dir, err))
		return
	}

	tmpName := fmt.Sprintf(".%s.%s.hoard-tmp", filepath.Base(dstPath), uuid.New().String()[:8])
	tmpPath := filepath.Join(dir, tmpName)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		e.reportFatal(fmt.Errorf("create tmp %s: %w", tmpPath, err))
		return
	}
	defer os.Remove(tmpPath) // no-op once the rename lands

	var written int64
	for _, h := range entry.Chunks {
		// Cancellation checkpoint: between chunks.
		if ctx.Err() != nil {
			f.Close()
			return
		}

		data, err := e.store.Get(h)
		if err != nil {
			f.Close()
			e.chunkFailed(entry.Path, workerID, err)
			return
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			e.reportFatal(fmt.Errorf("write %s: %w", dstPath, err))
			return
		}
		written += int64(len(data))
		e.op.stats.AddBytesProcessed(int64(len(data)))
	}

	if written != entry.Size {
		f.Close()
		e.chunkFailed(entry.Path, workerID,
			fmt.Errorf("reassembled %d bytes, manifest records %d", written, entry.Size))
		return
	}

	if err := restoreMtime(f, entry); err != nil {
		f.Close()
		e.reportFatal(err)
		return
	}
	if err := f.Close(); err != nil {
		e.reportFatal(fmt.Errorf("close tmp %s: %w", tmpPath, err))
		return
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		e.reportFatal(fmt.Errorf("rename %s -> %s: %w", tmpPath, dstPath, err))
		return
	}

	e.op.stats.AddFilesProcessed(1)
	e.op.emit(event.Event{
		Type:     event.FileCompleted,
		Path:     entry.Path,
		Size:     written,
		WorkerID: workerID,
	})
}

// chunkFailed handles a missing or corrupt chunk: skip-and-report in
// lenient mode, fatal in strict mode.
func (e *extractRun) chunkFailed(path string, workerID int, err error) {
	if e.strict {
		e.reportFatal(fmt.Errorf("restore %s: %w", path, err))
		return
	}
	e.op.stats.AddFilesFailed(1)
	e.op.emit(event.Event{
		Type:     event.FileFailed,
		Path:     path,
		Level:    event.Error,
		Message:  err.Error(),
		Err:      err,
		WorkerID: workerID,
	})
}

func (e *extractRun) restoreSymlink(entry *manifest.FileEntry) error {
	dstPath := filepath.Join(e.dest, filepath.FromSlash(entry.Path))
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("create parent dir for symlink %s: %w", entry.Path, err)
	}
	_ = os.Remove(dstPath)

	if err := os.Symlink(entry.LinkTarget, dstPath); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", entry.Path, entry.LinkTarget, err)
	}

	e.op.stats.AddSymlinksCreated(1)
	e.op.emit(event.Event{Type: event.SymlinkCreated, Path: entry.Path})
	return nil
}

// restoreMtime applies the recorded modification time to the still-open
// temp file before the rename.
func restoreMtime(f *os.File, entry *manifest.FileEntry) error {
	times := []unix.Timespec{
		unix.NsecToTimespec(entry.ModTime.UnixNano()),
		unix.NsecToTimespec(entry.ModTime.UnixNano()),
	}
	if err := unix.UtimesNanoAt(int(f.Fd()), "", times, unix.AT_EMPTY_PATH); err != nil {
		// Fallback for systems without AT_EMPTY_PATH support.
		if err2 := unix.UtimesNanoAt(unix.AT_FDCWD, f.Name(), times, 0); err2 != nil {
			return fmt.Errorf("utimensat %s: %w", entry.Path, err)
		}
	}
	return nil
}

// ErrSnapshotNotFound is the store sentinel returned by StartExtract
// for unknown snapshot IDs.
var ErrSnapshotNotFound = store.ErrSnapshotNotFound
