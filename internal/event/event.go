package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	StateChanged Type = iota + 1
	FileStarted
	FileCompleted
	FileFailed
	FileSkipped
	ChunkStored
	ChunkDeduped
	DirCreated
	SymlinkCreated
	SnapshotCommitted
	LogLine
)

var typeNames = [...]string{
	StateChanged:      "StateChanged",
	FileStarted:       "FileStarted",
	FileCompleted:     "FileCompleted",
	FileFailed:        "FileFailed",
	FileSkipped:       "FileSkipped",
	ChunkStored:       "ChunkStored",
	ChunkDeduped:      "ChunkDeduped",
	DirCreated:        "DirCreated",
	SymlinkCreated:    "SymlinkCreated",
	SnapshotCommitted: "SnapshotCommitted",
	LogLine:           "LogLine",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Level classifies a LogLine event.
type Level int

const (
	Info Level = iota
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Event is a single progress event from a running operation.
type Event struct {
	Type      Type
	Timestamp time.Time
	Path      string // snapshot-relative path
	Size      int64  // file size or chunk length
	State     string // new state (StateChanged)
	Level     Level  // severity (LogLine)
	Message   string // log text or terminal cause
	Err       error
	WorkerID  int
}
