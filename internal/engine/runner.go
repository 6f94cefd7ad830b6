// Package engine orchestrates backup and extraction as cancellable,
// progress-reporting operations over a bounded worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/WKHAllen/hoard/internal/chunker"
	"github.com/WKHAllen/hoard/internal/filter"
	"github.com/WKHAllen/hoard/internal/manifest"
	"github.com/WKHAllen/hoard/internal/store"
)

// ErrOperationNotFound is returned for unknown operation IDs.
var ErrOperationNotFound = errors.New("operation not found")

// Runner owns the chunk store and the set of live operations. Starting
// an operation returns immediately; progress flows through the
// operation's event stream.
type Runner struct {
	store  *store.Store
	logger *slog.Logger

	mu  sync.Mutex
	ops map[string]*Operation
}

// NewRunner creates a Runner over an open store.
func NewRunner(st *store.Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:  st,
		logger: logger,
		ops:    make(map[string]*Operation),
	}
}

// BackupOptions configures one backup run.
type BackupOptions struct {
	// Workers bounds the file-processing pool. Defaults to NumCPU,
	// capped at 8.
	Workers int
	// ChunkParams bounds chunk sizes. Zero value means defaults.
	ChunkParams chunker.Params
}

func (o *BackupOptions) normalize() error {
	if o.Workers <= 0 {
		o.Workers = min(runtime.NumCPU(), 8)
	}
	if o.ChunkParams == (chunker.Params{}) {
		o.ChunkParams = chunker.DefaultParams
	}
	return o.ChunkParams.Validate()
}

// StartBackup begins a backup of the selection as a Running operation
// and returns immediately. The operation commits a snapshot on
// success; on cancellation or failure no snapshot is committed and the
// chunk references the run took are released.
func (r *Runner) StartBackup(ctx context.Context, sel *filter.Selection, opts BackupOptions) (*Operation, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	op := newOperation(uuid.New().String(), KindBackup, cancel)
	r.register(op)

	r.logger.Info("backup started",
		"operation", op.ID,
		"roots", sel.Roots(),
		"excludes", sel.Globs(),
		"workers", opts.Workers)

	go r.runBackup(runCtx, op, sel, opts)
	return op, nil
}

// ExtractMode selects the chunk-failure policy during extraction.
type ExtractMode int

const (
	// Lenient skips a file whose chunks are missing or corrupt and
	// continues with the rest.
	Lenient ExtractMode = iota
	// Strict aborts the whole operation on the first chunk failure.
	Strict
)

func (m ExtractMode) String() string {
	if m == Strict {
		return "strict"
	}
	return "lenient"
}

// ExtractOptions configures one extraction run.
type ExtractOptions struct {
	Workers int
	Mode    ExtractMode
}

// StartExtract begins reconstructing a snapshot under destRoot. The
// snapshot is resolved synchronously, so a bad ID fails here with
// store.ErrSnapshotNotFound rather than in the background.
func (r *Runner) StartExtract(ctx context.Context, snapshotID, destRoot string, opts ExtractOptions) (*Operation, error) {
	if opts.Workers <= 0 {
		opts.Workers = min(runtime.NumCPU(), 8)
	}

	encoded, err := r.store.LoadSnapshot(snapshotID)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	op := newOperation(uuid.New().String(), KindExtract, cancel)
	r.register(op)

	r.logger.Info("extract started",
		"operation", op.ID,
		"snapshot", snapshotID,
		"dest", destRoot,
		"mode", opts.Mode.String(),
		"workers", opts.Workers)

	go r.runExtract(runCtx, op, m, destRoot, opts)
	return op, nil
}

// Get returns the operation with the given ID.
func (r *Runner) Get(id string) (*Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", id, ErrOperationNotFound)
	}
	return op, nil
}

// Cancel requests cancellation of an operation. No-op if the operation
// is already terminal.
func (r *Runner) Cancel(id string) error {
	op, err := r.Get(id)
	if err != nil {
		return err
	}
	op.Cancel()
	return nil
}

// Operations returns all operations the runner knows about.
func (r *Runner) Operations() []*Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Operation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op)
	}
	return out
}

func (r *Runner) register(op *Operation) {
	r.mu.Lock()
	r.ops[op.ID] = op
	r.mu.Unlock()
}

// terminalState decides how a run ended: a fatal error wins, then user
// or context cancellation, otherwise success.
func terminalState(ctx context.Context, op *Operation, fatal error) (State, error) {
	switch {
	case fatal != nil:
		return Failed, fatal
	case op.userCancel.Load() || ctx.Err() != nil:
		return Cancelled, ErrCancelled
	default:
		return Completed, nil
	}
}
