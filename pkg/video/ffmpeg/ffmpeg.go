// Package ffmpeg captures camera and screen frames by running an ffmpeg
// subprocess that writes raw RGBA frames to stdout.
//
// Resolution constraints are treated as hints: the capture device is opened
// at whatever size it offers and ffmpeg scales and pads to the requested
// size, so an unusual camera never fails to open over its resolution. Only
// the latest frame is kept.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MrWong99/companion/pkg/device"
	"github.com/MrWong99/companion/pkg/video"
)

// Compile-time check.
var _ video.Device = (*Device)(nil)

const (
	defaultBinary       = "ffmpeg"
	defaultOutputFPS    = 2
	defaultStartTimeout = 3 * time.Second
	stderrLimit         = 4096
)

// Option configures a [Device].
type Option func(*Device)

// WithBinary sets the ffmpeg executable. Default: "ffmpeg" from PATH.
func WithBinary(path string) Option {
	return func(d *Device) {
		if path != "" {
			d.bin = path
		}
	}
}

// WithOutputFPS limits how many frames per second ffmpeg decodes and hands
// over. Consumers sample far less often, so a low rate saves CPU.
// Default: 2.
func WithOutputFPS(fps int) Option {
	return func(d *Device) {
		if fps > 0 {
			d.outputFPS = fps
		}
	}
}

// WithStartTimeout bounds how long Open waits for the first frame before
// returning a source that has no frame yet. Default: 3s.
func WithStartTimeout(t time.Duration) Option {
	return func(d *Device) { d.startTimeout = t }
}

// WithPlatform overrides the target operating system. Used by tests.
func WithPlatform(goos string) Option {
	return func(d *Device) { d.goos = goos }
}

// Device implements [video.Device] on top of ffmpeg.
type Device struct {
	bin          string
	goos         string
	outputFPS    int
	startTimeout time.Duration

	lookPath func(string) (string, error)
	getenv   func(string) string
	probe    func(path string) error
}

// New creates an ffmpeg-backed video device.
func New(opts ...Option) *Device {
	d := &Device{
		bin:          defaultBinary,
		goos:         runtime.GOOS,
		outputFPS:    defaultOutputFPS,
		startTimeout: defaultStartTimeout,
		lookPath:     exec.LookPath,
		getenv:       os.Getenv,
		probe:        probeDeviceNode,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Capability implements [video.Device].
func (d *Device) Capability(m video.Mode) video.Capability {
	if m == video.ModeNone {
		return video.Unsupported("no capture mode selected")
	}
	switch d.goos {
	case "linux", "darwin", "windows":
	default:
		return video.Unsupported(fmt.Sprintf("%s capture is not available on %s", m, d.goos))
	}
	if _, err := d.lookPath(d.bin); err != nil {
		return video.Unsupported("ffmpeg was not found; install it to share your " + m.String())
	}
	if m == video.ModeScreen && d.goos == "linux" && d.getenv("DISPLAY") == "" {
		return video.Unsupported("screen sharing needs an X11 display")
	}
	return video.Supported()
}

// Open implements [video.Device]. It starts ffmpeg and waits briefly for the
// first frame so that immediate failures, such as a denied permission, are
// reported as a classified *device.Error.
func (d *Device) Open(ctx context.Context, m video.Mode, c video.Constraints) (video.Source, error) {
	name := m.String()
	if capa := d.Capability(m); !capa.Supported {
		return nil, device.New(name, device.KindUnsupported, errors.New(capa.Reason))
	}
	c = withDefaults(m, c)

	if m == video.ModeCamera && d.goos == "linux" {
		if err := d.probe(cameraNode(c.Device)); err != nil {
			return nil, classifyOpen(name, err)
		}
	}

	args, err := Args(d.goos, m, c, d.outputFPS, d.getenv("DISPLAY"))
	if err != nil {
		return nil, device.New(name, device.KindUnsupported, err)
	}

	cmd := exec.Command(d.bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, classifyOpen(name, err)
	}
	slog.Debug("ffmpeg capture started", "mode", name, "width", c.Width, "height", c.Height)

	src := newSource(stdout, c.Width, c.Height, func() error {
		_ = cmd.Process.Kill()
		return cmd.Wait()
	})

	timer := time.NewTimer(d.startTimeout)
	defer timer.Stop()
	select {
	case <-src.firstFrame:
		return src, nil
	case <-src.Ended():
		_ = src.Close()
		return nil, classifyStderr(name, stderr.String())
	case <-timer.C:
		// Slow devices still deliver later; the consumer skips empty ticks.
		return src, nil
	case <-ctx.Done():
		_ = src.Close()
		return nil, fmt.Errorf("ffmpeg: open %s: %w", name, ctx.Err())
	}
}

func withDefaults(m video.Mode, c video.Constraints) video.Constraints {
	def := video.DefaultConstraints(m)
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = def.Width, def.Height
	}
	if c.FrameRate <= 0 {
		c.FrameRate = def.FrameRate
	}
	return c
}

// Args builds the ffmpeg command line for capturing m on goos. display is
// the X11 display used for linux screen capture.
func Args(goos string, m video.Mode, c video.Constraints, outputFPS int, display string) ([]string, error) {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	input, err := inputArgs(goos, m, c, display)
	if err != nil {
		return nil, err
	}
	args = append(args, input...)

	filter := fmt.Sprintf(
		"fps=%d,scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		max(outputFPS, 1), c.Width, c.Height, c.Width, c.Height,
	)
	args = append(args,
		"-an",
		"-vf", filter,
		"-pix_fmt", "rgba",
		"-f", "rawvideo",
		"-",
	)
	return args, nil
}

func inputArgs(goos string, m video.Mode, c video.Constraints, display string) ([]string, error) {
	var args []string
	if c.FrameRate > 0 {
		args = append(args, "-framerate", strconv.Itoa(c.FrameRate))
	}

	switch {
	case goos == "linux" && m == video.ModeCamera:
		return append([]string{"-f", "v4l2"}, append(args, "-i", cameraNode(c.Device))...), nil

	case goos == "linux" && m == video.ModeScreen:
		src := c.Device
		if src == "" {
			src = display
		}
		if src == "" {
			return nil, errors.New("ffmpeg: no X11 display for screen capture")
		}
		return append([]string{"-f", "x11grab"}, append(args, "-i", src)...), nil

	case goos == "darwin" && m == video.ModeCamera:
		src := c.Device
		if src == "" {
			src = "0"
		}
		// avfoundation refuses to start without an explicit rate.
		if c.FrameRate <= 0 {
			args = append(args, "-framerate", "30")
		}
		return append([]string{"-f", "avfoundation"}, append(args, "-i", src+":none")...), nil

	case goos == "darwin" && m == video.ModeScreen:
		src := c.Device
		if src == "" {
			src = "Capture screen 0"
		}
		return append([]string{"-f", "avfoundation", "-capture_cursor", "1"}, append(args, "-i", src+":none")...), nil

	case goos == "windows" && m == video.ModeCamera:
		if c.Device == "" {
			return nil, errors.New("ffmpeg: dshow needs a camera name (video.camera_device)")
		}
		return append([]string{"-f", "dshow"}, append(args, "-i", "video="+c.Device)...), nil

	case goos == "windows" && m == video.ModeScreen:
		src := c.Device
		if src == "" {
			src = "desktop"
		}
		return append([]string{"-f", "gdigrab"}, append(args, "-i", src)...), nil
	}
	return nil, fmt.Errorf("ffmpeg: %s capture is not supported on %s", m, goos)
}

func cameraNode(dev string) string {
	if dev == "" {
		return "/dev/video0"
	}
	if _, err := strconv.Atoi(dev); err == nil {
		return "/dev/video" + dev
	}
	return dev
}

func probeDeviceNode(path string) error {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	return f.Close()
}

// classifyOpen maps an OS-level open or exec failure onto the device
// taxonomy.
func classifyOpen(name string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, exec.ErrNotFound):
		return device.New(name, device.KindNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return device.New(name, device.KindPermissionDenied, err)
	case errors.Is(err, syscall.EBUSY):
		return device.New(name, device.KindBusy, err)
	}
	return device.New(name, device.KindUnknown, err)
}

// classifyStderr maps ffmpeg's last error lines onto the device taxonomy.
func classifyStderr(name, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = "ffmpeg exited before the first frame"
	}
	err := errors.New(msg)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "not authorized"),
		strings.Contains(lower, "operation not permitted"):
		return device.New(name, device.KindPermissionDenied, err)
	case strings.Contains(lower, "device or resource busy"),
		strings.Contains(lower, "already in use"):
		return device.New(name, device.KindBusy, err)
	case strings.Contains(lower, "no such file"),
		strings.Contains(lower, "could not find video device"),
		strings.Contains(lower, "no such device"):
		return device.New(name, device.KindNotFound, err)
	case strings.Contains(lower, "cannot open display"),
		strings.Contains(lower, "unknown input format"):
		return device.New(name, device.KindUnsupported, err)
	}
	return device.New(name, device.KindUnknown, err)
}

// ── Source ──────────────────────────────────────────────────────────────────

// source reads fixed-size RGBA frames and keeps the latest one.
type source struct {
	width, height int

	latest     atomic.Pointer[image.RGBA]
	firstFrame chan struct{}
	ended      chan struct{}

	stop      func() error
	closeOnce sync.Once
	closeErr  error
}

func newSource(r io.Reader, width, height int, stop func() error) *source {
	s := &source{
		width:      width,
		height:     height,
		firstFrame: make(chan struct{}),
		ended:      make(chan struct{}),
		stop:       stop,
	}
	go s.readLoop(r)
	return s
}

func (s *source) readLoop(r io.Reader) {
	defer close(s.ended)

	size := s.width * s.height * 4
	first := true
	for {
		// A fresh buffer per frame: the consumer may still be encoding the
		// previous one.
		img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
		if _, err := io.ReadFull(r, img.Pix[:size]); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, fs.ErrClosed) {
				slog.Debug("ffmpeg capture read failed", "err", err)
			}
			return
		}
		s.latest.Store(img)
		if first {
			close(s.firstFrame)
			first = false
		}
	}
}

// Frame implements [video.Source].
func (s *source) Frame() (image.Image, bool) {
	img := s.latest.Load()
	if img == nil {
		return nil, false
	}
	return img, true
}

// Ended implements [video.Source].
func (s *source) Ended() <-chan struct{} { return s.ended }

// Close implements [video.Source].
func (s *source) Close() error {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			err := s.stop()
			// Killing the process is how capture stops; its exit status is noise.
			var exitErr *exec.ExitError
			if err != nil && !errors.As(err, &exitErr) {
				s.closeErr = fmt.Errorf("ffmpeg: close: %w", err)
			}
		}
		s.latest.Store(nil)
	})
	return s.closeErr
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
