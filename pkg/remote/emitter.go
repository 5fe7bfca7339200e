package remote

import "sync"

// DefaultEventBuffer is the events channel capacity used by the adapters.
const DefaultEventBuffer = 64

// Emitter delivers events to a bounded channel on behalf of a single
// receive goroutine. Emit blocks while the buffer is full so events are
// never dropped or reordered, and gives up once done is closed.
type Emitter struct {
	ch   chan Event
	done <-chan struct{}
	once sync.Once
}

// NewEmitter creates an emitter with the given buffer size. done is usually
// the channel's shutdown signal.
func NewEmitter(buffer int, done <-chan struct{}) *Emitter {
	return &Emitter{ch: make(chan Event, buffer), done: done}
}

// Events returns the receive side.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Emit delivers ev. It reports false if done was closed first.
func (e *Emitter) Emit(ev Event) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.ch <- ev:
		return true
	case <-e.done:
		return false
	}
}

// Opened emits [EventOpened].
func (e *Emitter) Opened() bool { return e.Emit(Event{Type: EventOpened}) }

// Message emits m unless it is empty.
func (e *Emitter) Message(m *Message) bool {
	if m == nil || m.Empty() {
		return true
	}
	return e.Emit(Event{Type: EventMessage, Message: m})
}

// Error emits [EventError] with err.
func (e *Emitter) Error(err error) bool { return e.Emit(Event{Type: EventError, Err: err}) }

// Closed emits [EventClosed].
func (e *Emitter) Closed() bool { return e.Emit(Event{Type: EventClosed}) }

// Close closes the events channel. Only the goroutine that emits may call
// it. Idempotent.
func (e *Emitter) Close() { e.once.Do(func() { close(e.ch) }) }
