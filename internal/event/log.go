package event

import "sync"

// subscriberBuffer is the per-subscriber channel capacity. A consumer
// that falls this far behind loses events rather than stalling the
// operation's workers.
const subscriberBuffer = 1024

// Log is the event stream of one operation. Every appended event is
// retained, and a new subscriber first receives a replay of everything
// emitted so far, so late subscribers observe the full history.
// Closing the log closes every subscriber channel, which is how
// consumers learn the operation reached a terminal state.
type Log struct {
	mu     sync.Mutex
	events []Event
	subs   []chan Event
	closed bool
}

// NewLog returns an empty, open event log.
func NewLog() *Log {
	return &Log{}
}

// Append records an event and delivers it to current subscribers.
// Delivery is best-effort: a full subscriber channel drops the event
// for that subscriber instead of blocking the producer. Append after
// Close is a no-op.
func (l *Log) Append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.events = append(l.events, e)
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel carrying the full event history followed
// by live events. The channel is closed once the log is closed. On an
// already-closed log the channel delivers the history and closes
// immediately.
func (l *Log) Subscribe() <-chan Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		ch := make(chan Event, len(l.events))
		for _, e := range l.events {
			ch <- e
		}
		close(ch)
		return ch
	}

	// Replay capacity is reserved up front so history never counts
	// against the live buffer.
	ch := make(chan Event, len(l.events)+subscriberBuffer)
	for _, e := range l.events {
		ch <- e
	}
	l.subs = append(l.subs, ch)
	return ch
}

// Events returns a snapshot of everything emitted so far.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Close marks the stream terminal and closes all subscriber channels.
// Idempotent.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for _, ch := range l.subs {
		close(ch)
	}
	l.subs = nil
}
