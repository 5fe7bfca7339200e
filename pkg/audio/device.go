package audio

import "context"

// InputConfig requests a capture stream. Backends treat the values as hints
// and report what they actually opened through [InputStream.Format].
type InputConfig struct {
	// Device selects an input device by name. Empty selects the system default.
	Device string

	// SampleRate is the preferred capture rate in Hz.
	SampleRate int

	// FramesPerBuffer is the number of frames returned by each Read.
	FramesPerBuffer int
}

// Input opens microphone streams.
//
// Open must classify acquisition failures as a *device.Error so callers can
// tell a denied permission from a missing or busy device.
type Input interface {
	Open(ctx context.Context, cfg InputConfig) (InputStream, error)
}

// InputStream delivers captured audio. Read and Close may be called from
// different goroutines; Close unblocks a pending Read.
type InputStream interface {
	// Read blocks until buf holds one buffer of interleaved samples and
	// returns the number of samples written.
	Read(buf []float32) (int, error)

	// Format reports the stream's actual rate and channel count.
	Format() Format

	Close() error
}

// Renderer fills out with the next len(out) mono samples of output. It is
// called from the output device's own goroutine and must not block.
type Renderer interface {
	Render(out []float32)
}

// Output opens speaker streams that pull audio from a [Renderer].
type Output interface {
	Open(ctx context.Context, sampleRate int, r Renderer) (OutputStream, error)
}

// OutputStream is a running speaker stream. Close stops pulling from the
// renderer and releases the device; it is idempotent.
type OutputStream interface {
	Close() error
}
