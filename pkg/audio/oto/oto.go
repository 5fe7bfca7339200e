// Package oto implements [audio.Output] with ebitengine/oto.
//
// oto allows a single context per process, so the context is created on the
// first Open and its sample rate is fixed from then on. Every Open creates a
// fresh player that pulls PCM from the supplied [audio.Renderer].
package oto

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/companion/pkg/audio"
	"github.com/MrWong99/companion/pkg/device"
)

const defaultBufferSize = 40 * time.Millisecond

// Compile-time check.
var _ audio.Output = (*Output)(nil)

// Option configures an [Output].
type Option func(*Output)

// WithBufferSize sets the device buffer length. Smaller buffers lower
// latency at the risk of underruns. Default: 40ms.
func WithBufferSize(d time.Duration) Option {
	return func(o *Output) { o.bufferSize = d }
}

// Output opens speaker streams on the default output device.
type Output struct {
	bufferSize time.Duration

	once    sync.Once
	ctx     *oto.Context
	rate    int
	initErr error
}

// New returns an Output. The device is not touched until the first Open.
func New(opts ...Option) *Output {
	o := &Output{bufferSize: defaultBufferSize}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Output) context(ctx context.Context, sampleRate int) (*oto.Context, error) {
	o.once.Do(func() {
		c, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   o.bufferSize,
		})
		if err != nil {
			o.initErr = device.New("speaker", device.KindUnknown, fmt.Errorf("create oto context: %w", err))
			return
		}
		select {
		case <-ready:
		case <-ctx.Done():
			o.initErr = ctx.Err()
			return
		}
		o.ctx = c
		o.rate = sampleRate
	})
	if o.initErr != nil {
		return nil, o.initErr
	}
	if o.rate != sampleRate {
		return nil, fmt.Errorf("oto: context already running at %d Hz, cannot open at %d Hz", o.rate, sampleRate)
	}
	return o.ctx, nil
}

// Open starts a player that pulls from r until the stream is closed.
func (o *Output) Open(ctx context.Context, sampleRate int, r audio.Renderer) (audio.OutputStream, error) {
	c, err := o.context(ctx, sampleRate)
	if err != nil {
		return nil, err
	}
	src := &renderReader{renderer: r}
	p := c.NewPlayer(src)
	p.Play()
	return &stream{player: p, src: src}, nil
}

// renderReader adapts an [audio.Renderer] to the io.Reader oto pulls from.
type renderReader struct {
	renderer audio.Renderer
	buf      []float32
	closed   atomic.Bool
}

func (rr *renderReader) Read(p []byte) (int, error) {
	if rr.closed.Load() {
		return 0, io.EOF
	}
	n := len(p) / 2
	if n == 0 {
		return 0, nil
	}
	if cap(rr.buf) < n {
		rr.buf = make([]float32, n)
	}
	buf := rr.buf[:n]
	rr.renderer.Render(buf)
	return copy(p, audio.EncodePCM16(buf)), nil
}

type stream struct {
	player *oto.Player
	src    *renderReader
	once   sync.Once
	err    error
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.src.closed.Store(true)
		s.player.Pause()
		s.err = s.player.Close()
	})
	return s.err
}
