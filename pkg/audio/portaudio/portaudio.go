// Package portaudio implements [audio.Input] on top of PortAudio's blocking
// stream API.
//
// Each opened stream holds its own PortAudio initialisation reference, so
// streams can be opened and closed independently.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/companion/pkg/audio"
	"github.com/MrWong99/companion/pkg/device"
)

const deviceName = "microphone"

// Compile-time check.
var _ audio.Input = (*Input)(nil)

// Input opens microphone streams through PortAudio.
type Input struct{}

// New returns a PortAudio input.
func New() *Input { return &Input{} }

// Open initialises PortAudio, resolves the requested device and starts a
// mono float32 capture stream.
func (in *Input) Open(_ context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.CaptureSampleRate
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = audio.CaptureBufferSize
	}

	if err := pa.Initialize(); err != nil {
		return nil, device.New(deviceName, device.KindUnsupported, fmt.Errorf("initialize portaudio: %w", err))
	}

	dev, err := findDevice(cfg.Device)
	if err != nil {
		_ = pa.Terminate()
		return nil, err
	}

	buf := make([]float32, cfg.FramesPerBuffer)
	stream, err := pa.OpenStream(pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: len(buf),
	}, buf)
	if err != nil {
		_ = pa.Terminate()
		return nil, classify(fmt.Errorf("open stream on %q: %w", dev.Name, err))
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, classify(fmt.Errorf("start stream on %q: %w", dev.Name, err))
	}

	return &inputStream{
		stream: stream,
		buf:    buf,
		format: audio.Format{SampleRate: cfg.SampleRate, Channels: 1},
	}, nil
}

// findDevice returns the named input device or the system default.
func findDevice(name string) (*pa.DeviceInfo, error) {
	if name == "" {
		dev, err := pa.DefaultInputDevice()
		if err != nil || dev == nil {
			return nil, device.New(deviceName, device.KindNotFound, err)
		}
		return dev, nil
	}

	devices, err := pa.Devices()
	if err != nil {
		return nil, device.New(deviceName, device.KindUnknown, fmt.Errorf("enumerate devices: %w", err))
	}
	for _, d := range devices {
		if d.Name == name && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, device.New(deviceName, device.KindNotFound, fmt.Errorf("no input device named %q", name))
}

// classify maps PortAudio error codes onto the device taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, pa.InvalidDevice):
		return device.New(deviceName, device.KindNotFound, err)
	case errors.Is(err, pa.DeviceUnavailable):
		return device.New(deviceName, device.KindBusy, err)
	case errors.Is(err, pa.InvalidSampleRate), errors.Is(err, pa.InvalidChannelCount):
		return device.New(deviceName, device.KindUnsupported, err)
	default:
		return device.New(deviceName, device.KindUnknown, err)
	}
}

// inputStream is one running PortAudio capture stream.
type inputStream struct {
	stream *pa.Stream
	buf    []float32
	format audio.Format

	// readMu is held for the duration of a blocking Read so Close never
	// tears the stream down underneath it.
	readMu    sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (s *inputStream) Read(buf []float32) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.closed.Load() {
		return 0, fmt.Errorf("portaudio: read: stream closed")
	}
	if err := s.stream.Read(); err != nil && !errors.Is(err, pa.InputOverflowed) {
		return 0, fmt.Errorf("portaudio: read: %w", err)
	}
	return copy(buf, s.buf), nil
}

func (s *inputStream) Format() audio.Format { return s.format }

func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.readMu.Lock()
		defer s.readMu.Unlock()
		s.closeErr = errors.Join(s.stream.Stop(), s.stream.Close(), pa.Terminate())
	})
	return s.closeErr
}
