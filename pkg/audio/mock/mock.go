// Package mock provides in-memory implementations of the [audio.Input] and
// [audio.Output] interfaces for unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on them, and expose exported fields that control return values.
//
// Typical usage:
//
//	stream := mock.NewInputStream(audio.Format{SampleRate: 16000, Channels: 1})
//	in := &mock.Input{Stream: stream}
//	stream.Push(make([]float32, 4096)) // delivered by the next Read
//
//	out := &mock.Output{}
//	// after Open, drive the renderer manually:
//	out.Render(2400)
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/companion/pkg/audio"
)

// ErrStreamClosed is returned by Read after Close.
var ErrStreamClosed = errors.New("mock: stream closed")

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock [audio.Input].
type Input struct {
	mu sync.Mutex

	// Stream is returned by Open. If nil, Open returns a fresh 16 kHz mono
	// stream.
	Stream *InputStream

	// OpenErr, if non-nil, is returned by Open instead of a stream.
	OpenErr error

	// OpenCalls records every config passed to Open.
	OpenCalls []audio.InputConfig
}

// Open implements [audio.Input].
func (i *Input) Open(_ context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.OpenCalls = append(i.OpenCalls, cfg)
	if i.OpenErr != nil {
		return nil, i.OpenErr
	}
	if i.Stream == nil {
		i.Stream = NewInputStream(audio.Format{SampleRate: audio.CaptureSampleRate, Channels: 1})
	}
	return i.Stream, nil
}

// OpenCount returns how many times Open was called.
func (i *Input) OpenCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.OpenCalls)
}

// InputStream is a mock [audio.InputStream] fed by [InputStream.Push].
type InputStream struct {
	format  audio.Format
	buffers chan []float32
	done    chan struct{}

	mu        sync.Mutex
	closed    bool
	readCount int
}

// NewInputStream creates a stream reporting format.
func NewInputStream(format audio.Format) *InputStream {
	return &InputStream{
		format:  format,
		buffers: make(chan []float32, 64),
		done:    make(chan struct{}),
	}
}

// Push queues one buffer for a later Read. It does not block while fewer
// than 64 buffers are pending.
func (s *InputStream) Push(buf []float32) {
	select {
	case s.buffers <- buf:
	case <-s.done:
	}
}

// Read implements [audio.InputStream]. It blocks until a pushed buffer is
// available or the stream is closed.
func (s *InputStream) Read(buf []float32) (int, error) {
	select {
	case b := <-s.buffers:
		s.mu.Lock()
		s.readCount++
		s.mu.Unlock()
		return copy(buf, b), nil
	case <-s.done:
		return 0, ErrStreamClosed
	}
}

// Format implements [audio.InputStream].
func (s *InputStream) Format() audio.Format { return s.format }

// Close implements [audio.InputStream]. Idempotent.
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Closed reports whether Close was called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ReadCount returns how many buffers have been read.
func (s *InputStream) ReadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCount
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock [audio.Output] that never pulls on its own. Tests advance
// the output clock with [Output.Render].
type Output struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenCount is the number of successful Open calls.
	OpenCount int

	renderer audio.Renderer
	stream   *OutputStream
}

// Open implements [audio.Output].
func (o *Output) Open(_ context.Context, _ int, r audio.Renderer) (audio.OutputStream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	o.OpenCount++
	o.renderer = r
	o.stream = &OutputStream{}
	return o.stream, nil
}

// Render pulls n samples from the current renderer and returns them. It
// returns nil when no stream is open.
func (o *Output) Render(n int) []float32 {
	o.mu.Lock()
	r := o.renderer
	s := o.stream
	o.mu.Unlock()
	if r == nil || s == nil || s.Closed() {
		return nil
	}
	out := make([]float32, n)
	r.Render(out)
	return out
}

// Stream returns the most recently opened stream, or nil.
func (o *Output) Stream() *OutputStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stream
}

// OutputStream is a mock [audio.OutputStream].
type OutputStream struct {
	mu         sync.Mutex
	closeCount int
}

// Close implements [audio.OutputStream].
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

// Closed reports whether Close was called at least once.
func (s *OutputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount > 0
}
