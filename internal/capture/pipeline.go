// Package capture reads microphone buffers, frames them as PCM16 and hands
// them to the outbound sender without ever waiting on the network.
//
// Every captured buffer is fed to the activity analyser first, so the level
// meter keeps moving while muted. Muted buffers are then dropped. Unmuted
// buffers are encoded and offered to a bounded, non-blocking [Sink]; when the
// sink is full the frame is dropped and counted.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/companion/pkg/audio"
)

// Sink accepts encoded PCM16 frames for transmission. Offer must not block;
// it reports false when the frame could not be queued.
type Sink interface {
	Offer(frame []byte) bool
}

// Analyser receives raw 16 kHz mono samples for activity metering.
type Analyser interface {
	Write(samples []float32)
}

// DropReason says why a captured buffer was not sent.
type DropReason string

const (
	DropMuted    DropReason = "muted"
	DropOverflow DropReason = "overflow"
)

// Stats is a point-in-time copy of the pipeline counters.
type Stats struct {
	Captured uint64 // buffers read from the device
	Sent     uint64 // frames accepted by the sink
	Muted    uint64 // buffers dropped because the pipeline was muted
	Overflow uint64 // frames dropped because the sink was full
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithAnalyser feeds every captured buffer to a.
func WithAnalyser(a Analyser) Option {
	return func(p *Pipeline) { p.analyser = a }
}

// WithBufferSize sets the number of frames read per device buffer.
// Default: [audio.CaptureBufferSize].
func WithBufferSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithDropHandler registers fn to be called for every dropped buffer.
func WithDropHandler(fn func(DropReason)) Option {
	return func(p *Pipeline) { p.onDrop = fn }
}

// WithErrorHandler registers fn to be called when the device fails while
// the pipeline is running. It is not called for errors caused by Stop.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// Pipeline owns an input stream for its whole lifetime. Create one per
// session; it cannot be restarted after Stop.
type Pipeline struct {
	stream   audio.InputStream
	sink     Sink
	analyser Analyser
	bufSize  int
	onDrop   func(DropReason)
	onError  func(error)
	conv     *audio.Converter

	muted atomic.Bool

	captured atomic.Uint64
	sent     atomic.Uint64
	mutedN   atomic.Uint64
	overflow atomic.Uint64

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a pipeline reading from stream and offering frames to sink.
func New(stream audio.InputStream, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		stream:  stream,
		sink:    sink,
		bufSize: audio.CaptureBufferSize,
		conv:    &audio.Converter{Target: audio.Format{SampleRate: audio.CaptureSampleRate, Channels: 1}},
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the capture goroutine. It returns an error if the pipeline
// was already started or stopped.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.New("capture: start: pipeline stopped")
	}
	if p.started {
		return errors.New("capture: start: already running")
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
	return nil
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	channels := max(p.stream.Format().Channels, 1)
	buf := make([]float32, p.bufSize*channels)

	for {
		n, err := p.stream.Read(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			err = fmt.Errorf("capture: read: %w", err)
			slog.Warn("capture stopped", "err", err)
			if p.onError != nil {
				p.onError(err)
			}
			return
		}
		if n == 0 {
			continue
		}
		p.process(buf[:n])
	}
}

// process handles one device buffer. Captured is bumped last so a reader
// that observes it also observes the other counters for that buffer.
func (p *Pipeline) process(raw []float32) {
	defer p.captured.Add(1)
	samples := p.conv.Convert(raw, p.stream.Format())

	if p.analyser != nil {
		p.analyser.Write(samples)
	}

	if p.muted.Load() {
		p.mutedN.Add(1)
		p.drop(DropMuted)
		return
	}

	if !p.sink.Offer(audio.EncodePCM16(samples)) {
		p.overflow.Add(1)
		p.drop(DropOverflow)
		return
	}
	p.sent.Add(1)
}

func (p *Pipeline) drop(reason DropReason) {
	if p.onDrop != nil {
		p.onDrop(reason)
	}
}

// SetMuted toggles transmission. Capture and metering continue while muted.
func (p *Pipeline) SetMuted(muted bool) { p.muted.Store(muted) }

// Muted reports whether transmission is suppressed.
func (p *Pipeline) Muted() bool { return p.muted.Load() }

// Stop cancels capture, closes the input stream and waits for the capture
// goroutine to exit. Idempotent; safe to call before Start.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	err := p.stream.Close()
	if started {
		<-p.done
	}
	if err != nil {
		return fmt.Errorf("capture: close input: %w", err)
	}
	return nil
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Captured: p.captured.Load(),
		Sent:     p.sent.Load(),
		Muted:    p.mutedN.Load(),
		Overflow: p.overflow.Load(),
	}
}
