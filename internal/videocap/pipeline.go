// Package videocap runs the best-effort video side-channel: on a fixed
// interval it takes the latest camera or screen frame, downsamples and
// JPEG-encodes it, and offers it to the outbound sender.
//
// The cadence is independent of audio. A tick is skipped silently when the
// session is not connected, the source has no frame yet, or the sender
// refuses the frame; frames are never queued for later.
package videocap

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/companion/pkg/device"
	"github.com/MrWong99/companion/pkg/video"
)

// DefaultInterval is the time between two frames.
const DefaultInterval = time.Second

// Sink accepts encoded frames. OfferImage must not block.
type Sink interface {
	OfferImage(f video.Frame) bool
}

// Stats is a point-in-time copy of the pipeline counters.
type Stats struct {
	Ticks   uint64
	Sent    uint64
	Skipped uint64
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithInterval sets the frame cadence. Default: [DefaultInterval].
func WithInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithQuality sets the JPEG quality in [0, 1]. Default: [video.DefaultQuality].
func WithQuality(q float64) Option {
	return func(p *Pipeline) {
		if q > 0 && q <= 1 {
			p.quality = q
		}
	}
}

// WithConnected sets the predicate consulted on every tick. Ticks are
// skipped while it reports false. Default: always connected.
func WithConnected(fn func() bool) Option {
	return func(p *Pipeline) { p.connected = fn }
}

// WithConstraints overrides the capture hints for m.
func WithConstraints(m video.Mode, c video.Constraints) Option {
	return func(p *Pipeline) { p.constraints[m] = c }
}

// WithStateHandler registers fn to be called whenever video becomes active
// or inactive, including when the OS ends the capture.
func WithStateHandler(fn func(active bool, m video.Mode)) Option {
	return func(p *Pipeline) { p.onState = fn }
}

// WithSentHandler registers fn to be called after every frame accepted by
// the sink.
func WithSentHandler(fn func(video.Frame)) Option {
	return func(p *Pipeline) { p.onSent = fn }
}

// Pipeline owns at most one running capture.
type Pipeline struct {
	dev         video.Device
	sink        Sink
	interval    time.Duration
	quality     float64
	connected   func() bool
	constraints map[video.Mode]video.Constraints
	onState     func(bool, video.Mode)
	onSent      func(video.Frame)

	ticks   atomic.Uint64
	sent    atomic.Uint64
	skipped atomic.Uint64

	// startMu serialises Start and Stop so a restart never interleaves.
	startMu sync.Mutex

	mu     sync.Mutex
	gen    uint64
	mode   video.Mode
	src    video.Source
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a pipeline capturing from dev and offering frames to sink.
func New(dev video.Device, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		dev:         dev,
		sink:        sink,
		interval:    DefaultInterval,
		quality:     video.DefaultQuality,
		connected:   func() bool { return true },
		constraints: make(map[video.Mode]video.Constraints),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capability reports whether m can be captured on this platform.
func (p *Pipeline) Capability(m video.Mode) video.Capability {
	return p.dev.Capability(m)
}

// Start begins capturing m, stopping any running capture first. Starting
// [video.ModeNone] is the same as Stop. Failures are classified as a
// *device.Error; video stays inactive when Start fails. ctx only bounds the
// start: once it is cancelled no capture is started, and a source opened in
// the meantime is closed again.
func (p *Pipeline) Start(ctx context.Context, m video.Mode) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.stop()
	if m == video.ModeNone {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if capa := p.dev.Capability(m); !capa.Supported {
		return device.New(m.String(), device.KindUnsupported, errors.New(capa.Reason))
	}

	c, ok := p.constraints[m]
	if !ok {
		c = video.DefaultConstraints(m)
	}
	src, err := p.dev.Open(ctx, m, c)
	if err != nil {
		var devErr *device.Error
		if !errors.As(err, &devErr) {
			err = device.New(m.String(), device.KindUnknown, err)
		}
		return err
	}
	// A Stop issued while the device was opening has already run.
	if err := ctx.Err(); err != nil {
		_ = src.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.mode = m
	p.src = src
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go p.loop(loopCtx, gen, m, src, done)

	slog.Info("video capture started", "mode", m.String(), "interval", p.interval)
	p.notify(true, m)
	return nil
}

// Stop ends the running capture, closes the source and stops the ticker.
// Safe to call when already stopped.
func (p *Pipeline) Stop() {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	p.stop()
}

func (p *Pipeline) stop() {
	p.mu.Lock()
	src, cancel, done, m := p.src, p.cancel, p.done, p.mode
	p.detachLocked()
	p.mu.Unlock()

	if src == nil {
		return
	}
	cancel()
	if err := src.Close(); err != nil {
		slog.Debug("video source close failed", "err", err)
	}
	<-done
	slog.Info("video capture stopped", "mode", m.String())
	p.notify(false, m)
}

func (p *Pipeline) detachLocked() {
	p.gen++
	p.mode = video.ModeNone
	p.src = nil
	p.cancel = nil
	p.done = nil
}

// Active reports whether a capture is running.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.src != nil
}

// Mode returns the running capture mode, or [video.ModeNone].
func (p *Pipeline) Mode() video.Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{Ticks: p.ticks.Load(), Sent: p.sent.Load(), Skipped: p.skipped.Load()}
}

func (p *Pipeline) loop(ctx context.Context, gen uint64, m video.Mode, src video.Source, done chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	ended := false
	defer func() {
		close(done)
		if ended {
			p.ended(gen, m, src)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-src.Ended():
			ended = ctx.Err() == nil
			return
		case <-ticker.C:
			p.tick(m, src)
		}
	}
}

func (p *Pipeline) tick(m video.Mode, src video.Source) {
	p.ticks.Add(1)
	if !p.connected() {
		p.skipped.Add(1)
		return
	}
	img, ok := src.Frame()
	if !ok {
		p.skipped.Add(1)
		return
	}
	f, err := video.Encode(img, m.MaxWidth(), p.quality)
	if err != nil {
		slog.Debug("video frame encode failed", "err", err)
		p.skipped.Add(1)
		return
	}
	if !p.sink.OfferImage(f) {
		p.skipped.Add(1)
		return
	}
	p.sent.Add(1)
	if p.onSent != nil {
		p.onSent(f)
	}
}

// ended runs the stop path for a capture the OS terminated, unless a newer
// Start or Stop already replaced it.
func (p *Pipeline) ended(gen uint64, m video.Mode, src video.Source) {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.detachLocked()
	p.mu.Unlock()

	_ = src.Close()
	slog.Info("video capture ended by the system", "mode", m.String())
	p.notify(false, m)
}

func (p *Pipeline) notify(active bool, m video.Mode) {
	if p.onState != nil {
		p.onState(active, m)
	}
}
