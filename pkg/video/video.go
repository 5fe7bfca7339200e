// Package video defines the camera / screen capture abstraction used by the
// video side-channel, plus the image half of the frame codec.
//
// A [Device] opens a [Source] for a [Mode]. The source keeps only its most
// recent frame; consumers poll it at their own cadence, so a slow consumer
// never builds a backlog of stale images.
package video

import (
	"context"
	"fmt"
	"image"
)

// Mode selects what is captured.
type Mode int

const (
	ModeNone Mode = iota
	ModeCamera
	ModeScreen
)

// String returns the lower-case name used in config and logs.
func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeCamera:
		return "camera"
	case ModeScreen:
		return "screen"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMode parses "camera", "screen" or "none" (also the empty string).
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "none":
		return ModeNone, nil
	case "camera":
		return ModeCamera, nil
	case "screen":
		return ModeScreen, nil
	}
	return ModeNone, fmt.Errorf("video: unknown mode %q", s)
}

// MaxWidth is the widest frame sent for m. Wider captures are downsampled.
func (m Mode) MaxWidth() int {
	if m == ModeScreen {
		return 1920
	}
	return 640
}

// Constraints are resolution hints. Backends aim for them but must not fail
// when the device cannot match them exactly.
type Constraints struct {
	Width     int
	Height    int
	FrameRate int // 0 lets the backend choose

	// Device overrides the default camera or display.
	Device string
}

// DefaultConstraints returns the ideal capture hints for m: 640×480 for the
// camera, 1920×1080 at 30 fps for the screen so on-screen text stays legible.
func DefaultConstraints(m Mode) Constraints {
	if m == ModeScreen {
		return Constraints{Width: 1920, Height: 1080, FrameRate: 30}
	}
	return Constraints{Width: 640, Height: 480}
}

// Capability is the answer to "can this platform capture m at all".
type Capability struct {
	Supported bool
	Reason    string // set when unsupported
}

// Supported is the capability of a working mode.
func Supported() Capability { return Capability{Supported: true} }

// Unsupported returns a capability that explains why m cannot be used.
func Unsupported(reason string) Capability {
	return Capability{Reason: reason}
}

// Source is a running capture.
type Source interface {
	// Frame returns the latest captured frame. ok is false until the first
	// frame arrives.
	Frame() (img image.Image, ok bool)

	// Ended is closed when the capture stops on its own, for example when the
	// user revokes screen sharing or unplugs the camera.
	Ended() <-chan struct{}

	// Close stops the capture and releases the device. Idempotent.
	Close() error
}

// Device opens capture sources.
//
// Open must classify acquisition failures as a *device.Error so the caller
// can show a specific message for each failure.
type Device interface {
	Capability(m Mode) Capability
	Open(ctx context.Context, m Mode, c Constraints) (Source, error)
}
