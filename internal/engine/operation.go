package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WKHAllen/hoard/internal/event"
	"github.com/WKHAllen/hoard/internal/stats"
)

// Kind identifies what an operation does.
type Kind int

const (
	KindBackup Kind = iota + 1
	KindExtract
)

func (k Kind) String() string {
	switch k {
	case KindBackup:
		return "backup"
	case KindExtract:
		return "extract"
	default:
		return "unknown"
	}
}

// State is an operation's lifecycle state. Completed, Failed, and
// Cancelled are terminal.
type State int32

const (
	Pending State = iota + 1
	Running
	Completed
	Failed
	Cancelled
)

var stateNames = [...]string{
	Pending:   "pending",
	Running:   "running",
	Completed: "completed",
	Failed:    "failed",
	Cancelled: "cancelled",
}

func (s State) String() string {
	if int(s) < len(stateNames) && stateNames[s] != "" {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// ErrCancelled is the terminal error of a user-cancelled operation.
var ErrCancelled = errors.New("operation cancelled")

// Operation is one running or finished backup/extract job. Created by
// the Runner, observed by callers through State, Subscribe, and Wait.
type Operation struct {
	ID   string
	Kind Kind

	state      atomic.Int32
	userCancel atomic.Bool
	cancel     context.CancelFunc

	log   *event.Log
	stats *stats.Collector
	done  chan struct{}

	mu         sync.Mutex
	err        error
	snapshotID string
}

func newOperation(id string, kind Kind, cancel context.CancelFunc) *Operation {
	op := &Operation{
		ID:     id,
		Kind:   kind,
		cancel: cancel,
		log:    event.NewLog(),
		stats:  stats.NewCollector(),
		done:   make(chan struct{}),
	}
	op.state.Store(int32(Pending))
	return op
}

// State returns the current lifecycle state.
func (op *Operation) State() State {
	return State(op.state.Load())
}

// Err returns the terminal error: nil for Completed, ErrCancelled for
// Cancelled, the fatal cause for Failed. Meaningless before the
// operation finishes.
func (op *Operation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// SnapshotID returns the committed snapshot's identifier. Empty unless
// the operation is a Completed backup.
func (op *Operation) SnapshotID() string {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.snapshotID
}

// Stats returns a point-in-time read of the progress counters.
func (op *Operation) Stats() stats.Snapshot {
	return op.stats.Snapshot()
}

// Collector exposes the live counters for progress display.
func (op *Operation) Collector() *stats.Collector {
	return op.stats
}

// Subscribe returns the operation's event stream: full history replay
// followed by live events, closed at the terminal state.
func (op *Operation) Subscribe() <-chan event.Event {
	return op.log.Subscribe()
}

// Events returns a snapshot of all events emitted so far.
func (op *Operation) Events() []event.Event {
	return op.log.Events()
}

// Cancel requests cooperative cancellation. Workers observe it at
// their next checkpoint (between chunks or files); in-flight chunk
// writes finish. No-op once the operation is terminal.
func (op *Operation) Cancel() {
	if op.State().Terminal() {
		return
	}
	op.userCancel.Store(true)
	op.cancel()
}

// Wait blocks until the operation reaches a terminal state or ctx
// expires, returning the terminal error in the former case.
func (op *Operation) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		return op.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed at the terminal state.
func (op *Operation) Done() <-chan struct{} {
	return op.done
}

func (op *Operation) emit(e event.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	op.log.Append(e)
}

// setRunning transitions Pending -> Running.
func (op *Operation) setRunning() {
	op.state.Store(int32(Running))
	op.emit(event.Event{Type: event.StateChanged, State: Running.String()})
}

// finish moves the operation to its terminal state, emits the terminal
// event, and closes the stream. Exactly one call per operation.
func (op *Operation) finish(state State, err error) {
	op.mu.Lock()
	op.err = err
	op.mu.Unlock()

	op.state.Store(int32(state))

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	processed := op.stats.Snapshot().FilesProcessed
	op.emit(event.Event{
		Type:    event.StateChanged,
		State:   state.String(),
		Message: msg,
		Size:    processed,
		Err:     err,
	})
	op.log.Close()
	op.cancel()
	close(op.done)
}

func (op *Operation) setSnapshotID(id string) {
	op.mu.Lock()
	op.snapshotID = id
	op.mu.Unlock()
}
