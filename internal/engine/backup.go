package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/WKHAllen/hoard/internal/chunker"
	"github.com/WKHAllen/hoard/internal/event"
	"github.com/WKHAllen/hoard/internal/filter"
	"github.com/WKHAllen/hoard/internal/manifest"
	"github.com/WKHAllen/hoard/internal/store"
)

// backupTask is one regular file handed to a worker. The sequence
// number is the entry's position in traversal order; the manifest
// builder sorts on it so the committed manifest is deterministic even
// though workers finish out of order.
type backupTask struct {
	seq   int64
	entry filter.Entry
}

// backupRun carries the shared state of one backup across the producer
// and the worker pool.
type backupRun struct {
	op      *Operation
	store   *store.Store
	params  chunker.Params
	builder *manifest.Builder

	// refs accumulates every chunk reference this run took, for
	// rollback when no manifest gets committed.
	refMu sync.Mutex
	refs  []chunker.Hash

	// fatal holds the first unrecoverable error (store write failure,
	// disk full). Per-entry I/O errors are counted and logged instead.
	fatalOnce sync.Once
	fatal     error
}

func (b *backupRun) reportFatal(err error) {
	b.fatalOnce.Do(func() {
		b.fatal = err
		b.op.cancel()
	})
}

func (b *backupRun) addRef(h chunker.Hash) {
	b.refMu.Lock()
	b.refs = append(b.refs, h)
	b.refMu.Unlock()
}

func (r *Runner) runBackup(ctx context.Context, op *Operation, sel *filter.Selection, opts BackupOptions) {
	op.setRunning()

	run := &backupRun{
		op:      op,
		store:   r.store,
		params:  opts.ChunkParams,
		builder: manifest.NewBuilder(),
	}

	// Bounded queue: traversal pauses when workers fall behind, so
	// memory stays proportional to queue capacity, not tree size.
	tasks := make(chan backupTask, opts.Workers*4)

	var wg sync.WaitGroup
	for id := range opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				if ctx.Err() != nil {
					continue // drain without starting new files
				}
				run.processFile(ctx, id, task)
			}
		}()
	}

	var seq int64
	walkErr := sel.Walk(ctx,
		func(entry filter.Entry) error {
			task := backupTask{seq: seq, entry: entry}
			seq++

			// Directories and symlinks carry only metadata; recording
			// them inline keeps the worker pool for file content.
			if entry.Type != filter.Regular {
				run.builder.Add(task.seq, manifest.FileEntry{
					Path:       entry.Path,
					Type:       entry.Type,
					ModTime:    entry.ModTime,
					LinkTarget: entry.LinkTarget,
				})
				return nil
			}

			select {
			case tasks <- task:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		func(path string, err error) {
			op.stats.AddFilesSkipped(1)
			op.emit(event.Event{
				Type:    event.FileSkipped,
				Path:    path,
				Level:   event.Warning,
				Message: err.Error(),
				Err:     err,
			})
			r.logger.Warn("entry skipped", "operation", op.ID, "path", path, "error", err)
		},
	)
	close(tasks)
	wg.Wait()

	if walkErr != nil && !errors.Is(walkErr, context.Canceled) && !errors.Is(walkErr, context.DeadlineExceeded) {
		run.reportFatal(walkErr)
	}

	state, termErr := terminalState(ctx, op, run.fatal)
	if state != Completed {
		// No manifest is committed; the references this run took go
		// back so compaction can reclaim any chunks it orphaned.
		if err := r.store.ReleaseAll(run.refs); err != nil {
			r.logger.Error("rollback failed", "operation", op.ID, "error", err)
		}
		r.logger.Info("backup finished", "operation", op.ID, "state", state.String(), "error", termErr)
		op.finish(state, termErr)
		return
	}

	m := run.builder.Build(op.ID, time.Now(), manifest.SourceFromSelection(sel))
	encoded, err := manifest.Encode(m)
	if err == nil {
		err = r.store.CommitSnapshot(store.SnapshotInfo{
			ID:         m.ID,
			CreatedAt:  m.CreatedAt,
			FileCount:  m.FileCount(),
			TotalBytes: m.TotalBytes(),
		}, encoded)
	}
	if err != nil {
		if relErr := r.store.ReleaseAll(run.refs); relErr != nil {
			r.logger.Error("rollback failed", "operation", op.ID, "error", relErr)
		}
		r.logger.Error("backup failed", "operation", op.ID, "error", err)
		op.finish(Failed, err)
		return
	}

	op.setSnapshotID(m.ID)
	op.emit(event.Event{
		Type:    event.SnapshotCommitted,
		Message: m.ID,
		Size:    m.TotalBytes(),
	})
	r.logger.Info("backup finished",
		"operation", op.ID,
		"snapshot", m.ID,
		"files", m.FileCount(),
		"bytes", m.TotalBytes())
	op.finish(Completed, nil)
}

// processFile chunks one file and stores each chunk. Per-file I/O
// errors are counted and reported without failing the run; store write
// errors are fatal.
func (b *backupRun) processFile(ctx context.Context, workerID int, task backupTask) {
	entry := task.entry
	b.op.emit(event.Event{
		Type:     event.FileStarted,
		Path:     entry.Path,
		Size:     entry.Size,
		WorkerID: workerID,
	})

	f, err := os.Open(entry.SourcePath)
	if err != nil {
		b.fileFailed(entry.Path, workerID, err)
		return
	}
	defer f.Close()

	ch := chunker.New(f, b.params)

	var hashes []chunker.Hash
	var total int64
	for {
		// Cancellation checkpoint: between chunks, never mid-write.
		if ctx.Err() != nil {
			return
		}

		chunk, err := ch.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			b.fileFailed(entry.Path, workerID, fmt.Errorf("read: %w", err))
			return
		}

		h, deduped, err := b.store.Put(chunk.Data)
		if err != nil {
			b.reportFatal(fmt.Errorf("store chunk for %s: %w", entry.Path, err))
			return
		}
		b.addRef(h)
		hashes = append(hashes, h)

		n := int64(len(chunk.Data))
		total += n
		b.op.stats.AddBytesProcessed(n)
		if deduped {
			b.op.stats.AddBytesDeduped(n)
			b.op.stats.AddChunksDeduped(1)
			b.op.emit(event.Event{Type: event.ChunkDeduped, Path: entry.Path, Size: n, WorkerID: workerID})
		} else {
			b.op.stats.AddBytesStored(n)
			b.op.stats.AddChunksStored(1)
			b.op.emit(event.Event{Type: event.ChunkStored, Path: entry.Path, Size: n, WorkerID: workerID})
		}
	}

	// The recorded size is what was actually read, which may differ
	// from the stat size if the file changed mid-run. The manifest
	// invariant (chunk lengths sum to recorded size) holds either way.
	b.builder.Add(task.seq, manifest.FileEntry{
		Path:    entry.Path,
		Type:    filter.Regular,
		Size:    total,
		ModTime: entry.ModTime,
		Chunks:  hashes,
	})
	b.op.stats.AddFilesProcessed(1)
	b.op.emit(event.Event{
		Type:     event.FileCompleted,
		Path:     entry.Path,
		Size:     total,
		WorkerID: workerID,
	})
}

func (b *backupRun) fileFailed(path string, workerID int, err error) {
	b.op.stats.AddFilesFailed(1)
	b.op.emit(event.Event{
		Type:     event.FileFailed,
		Path:     path,
		Level:    event.Error,
		Message:  err.Error(),
		Err:      err,
		WorkerID: workerID,
	})
}
