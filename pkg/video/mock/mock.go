// Package mock provides in-memory implementations of [video.Device] and
// [video.Source] for unit tests.
package mock

import (
	"context"
	"image"
	"sync"

	"github.com/MrWong99/companion/pkg/video"
)

// Device is a mock [video.Device].
type Device struct {
	mu sync.Mutex

	// Unsupported maps a mode to the reason it is unavailable. Modes not in
	// the map are supported.
	Unsupported map[video.Mode]string

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// Frame, if non-nil, is the initial frame of every opened source.
	Frame image.Image

	// OpenCalls records the mode and constraints of every Open call.
	OpenCalls []OpenCall

	sources []*Source
}

// OpenCall is one recorded call to [Device.Open].
type OpenCall struct {
	Mode        video.Mode
	Constraints video.Constraints
}

// Capability implements [video.Device].
func (d *Device) Capability(m video.Mode) video.Capability {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reason, ok := d.Unsupported[m]; ok {
		return video.Unsupported(reason)
	}
	return video.Supported()
}

// Open implements [video.Device].
func (d *Device) Open(_ context.Context, m video.Mode, c video.Constraints) (video.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Mode: m, Constraints: c})
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := NewSource()
	if d.Frame != nil {
		s.SetFrame(d.Frame)
	}
	d.sources = append(d.sources, s)
	return s, nil
}

// OpenCount returns the number of Open calls.
func (d *Device) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// Last returns the most recently opened source, or nil.
func (d *Device) Last() *Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sources) == 0 {
		return nil
	}
	return d.sources[len(d.sources)-1]
}

// Source is a mock [video.Source] whose frame is set by the test.
type Source struct {
	mu         sync.Mutex
	frame      image.Image
	reads      int
	closeCount int
	ended      chan struct{}
	endOnce    sync.Once
}

// NewSource returns a source without a frame.
func NewSource() *Source {
	return &Source{ended: make(chan struct{})}
}

// SetFrame replaces the latest frame.
func (s *Source) SetFrame(img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = img
}

// Frame implements [video.Source].
func (s *Source) Frame() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.frame, s.frame != nil
}

// Reads returns the number of Frame calls.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// End simulates the OS ending the capture.
func (s *Source) End() { s.endOnce.Do(func() { close(s.ended) }) }

// Ended implements [video.Source].
func (s *Source) Ended() <-chan struct{} { return s.ended }

// Close implements [video.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.mu.Unlock()
	s.End()
	return nil
}

// Closed reports whether Close was called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount > 0
}

// CloseCount returns the number of Close calls.
func (s *Source) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}
