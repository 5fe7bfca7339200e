package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"io/fs"
	"slices"
	"syscall"
	"testing"
	"time"

	"github.com/MrWong99/companion/pkg/device"
	"github.com/MrWong99/companion/pkg/video"
)

func TestArgs(t *testing.T) {
	t.Parallel()

	cam := video.DefaultConstraints(video.ModeCamera)
	scr := video.DefaultConstraints(video.ModeScreen)

	tests := []struct {
		name      string
		goos      string
		mode      video.Mode
		c         video.Constraints
		wantInput []string
	}{
		{"linux camera", "linux", video.ModeCamera, cam, []string{"-f", "v4l2", "-i", "/dev/video0"}},
		{"linux camera index", "linux", video.ModeCamera, video.Constraints{Width: 640, Height: 480, Device: "2"}, []string{"-f", "v4l2", "-i", "/dev/video2"}},
		{"linux screen", "linux", video.ModeScreen, scr, []string{"-f", "x11grab", "-framerate", "30", "-i", ":0"}},
		{"darwin camera", "darwin", video.ModeCamera, cam, []string{"-f", "avfoundation", "-framerate", "30", "-i", "0:none"}},
		{"darwin screen", "darwin", video.ModeScreen, scr, []string{"-f", "avfoundation", "-capture_cursor", "1", "-framerate", "30", "-i", "Capture screen 0:none"}},
		{"windows camera", "windows", video.ModeCamera, video.Constraints{Width: 640, Height: 480, Device: "USB Cam"}, []string{"-f", "dshow", "-i", "video=USB Cam"}},
		{"windows screen", "windows", video.ModeScreen, scr, []string{"-f", "gdigrab", "-framerate", "30", "-i", "desktop"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			args, err := Args(tc.goos, tc.mode, tc.c, 2, ":0")
			if err != nil {
				t.Fatalf("Args: %v", err)
			}
			start := slices.Index(args, "-f")
			end := slices.Index(args, "-an")
			if start < 0 || end < 0 {
				t.Fatalf("args missing input or output section: %q", args)
			}
			if got := args[start:end]; !slices.Equal(got, tc.wantInput) {
				t.Errorf("input args = %q; want %q", got, tc.wantInput)
			}
			if args[len(args)-1] != "-" || !slices.Contains(args, "rawvideo") || !slices.Contains(args, "rgba") {
				t.Errorf("output args = %q; want rawvideo rgba on stdout", args[end:])
			}
		})
	}
}

func TestArgs_ScaleFilterUsesConstraints(t *testing.T) {
	t.Parallel()

	args, err := Args("linux", video.ModeCamera, video.Constraints{Width: 320, Height: 240}, 5, "")
	if err != nil {
		t.Fatalf("Args: %v", err)
	}
	i := slices.Index(args, "-vf")
	if i < 0 {
		t.Fatalf("no -vf in %q", args)
	}
	want := "fps=5,scale=320:240:force_original_aspect_ratio=decrease,pad=320:240:(ow-iw)/2:(oh-ih)/2"
	if args[i+1] != want {
		t.Errorf("filter = %q; want %q", args[i+1], want)
	}
}

func TestArgs_Errors(t *testing.T) {
	t.Parallel()

	if _, err := Args("linux", video.ModeScreen, video.Constraints{Width: 1, Height: 1}, 1, ""); err == nil {
		t.Error("linux screen without display succeeded")
	}
	if _, err := Args("windows", video.ModeCamera, video.Constraints{Width: 1, Height: 1}, 1, ""); err == nil {
		t.Error("windows camera without device name succeeded")
	}
	if _, err := Args("plan9", video.ModeCamera, video.Constraints{Width: 1, Height: 1}, 1, ""); err == nil {
		t.Error("unknown platform succeeded")
	}
}

func TestCapability(t *testing.T) {
	t.Parallel()

	found := func(string) (string, error) { return "/usr/bin/ffmpeg", nil }
	missing := func(string) (string, error) { return "", errors.New("not found") }

	tests := []struct {
		name     string
		goos     string
		mode     video.Mode
		lookPath func(string) (string, error)
		display  string
		want     bool
	}{
		{"camera ok", "linux", video.ModeCamera, found, "", true},
		{"screen with display", "linux", video.ModeScreen, found, ":0", true},
		{"screen headless", "linux", video.ModeScreen, found, "", false},
		{"darwin screen", "darwin", video.ModeScreen, found, "", true},
		{"no ffmpeg", "linux", video.ModeCamera, missing, ":0", false},
		{"unknown os", "plan9", video.ModeCamera, found, "", false},
		{"none", "linux", video.ModeNone, found, ":0", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d := New(WithPlatform(tc.goos))
			d.lookPath = tc.lookPath
			d.getenv = func(string) string { return tc.display }

			got := d.Capability(tc.mode)
			if got.Supported != tc.want {
				t.Errorf("Supported = %v; want %v (reason %q)", got.Supported, tc.want, got.Reason)
			}
			if !got.Supported && got.Reason == "" {
				t.Error("unsupported capability without a reason")
			}
		})
	}
}

func TestOpen_UnsupportedIsClassified(t *testing.T) {
	t.Parallel()

	d := New(WithPlatform("linux"))
	d.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	_, err := d.Open(context.Background(), video.ModeCamera, video.Constraints{})
	if got := device.KindOf(err); got != device.KindUnsupported {
		t.Errorf("KindOf(err) = %v; want %v", got, device.KindUnsupported)
	}
}

func TestOpen_CameraProbeIsClassified(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want device.Kind
	}{
		{fs.ErrNotExist, device.KindNotFound},
		{fs.ErrPermission, device.KindPermissionDenied},
		{syscall.EBUSY, device.KindBusy},
	}
	for _, tc := range tests {
		d := New(WithPlatform("linux"))
		d.lookPath = func(string) (string, error) { return "/usr/bin/ffmpeg", nil }
		d.probe = func(string) error { return tc.err }

		_, err := d.Open(context.Background(), video.ModeCamera, video.Constraints{})
		if got := device.KindOf(err); got != tc.want {
			t.Errorf("probe %v: KindOf = %v; want %v", tc.err, got, tc.want)
		}
	}
}

func TestClassifyStderr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		stderr string
		want   device.Kind
	}{
		{"[video4linux2,v4l2 @ 0x1] Cannot open video device /dev/video0: Permission denied", device.KindPermissionDenied},
		{"/dev/video0: Device or resource busy", device.KindBusy},
		{"/dev/video9: No such file or directory", device.KindNotFound},
		{"[x11grab @ 0x1] Cannot open display :9, error 1.", device.KindUnsupported},
		{"something else entirely", device.KindUnknown},
		{"", device.KindUnknown},
	}
	for _, tc := range tests {
		err := classifyStderr("camera", tc.stderr)
		if got := device.KindOf(err); got != tc.want {
			t.Errorf("classifyStderr(%q) kind = %v; want %v", tc.stderr, got, tc.want)
		}
	}
}

func TestSource_KeepsLatestFrame(t *testing.T) {
	t.Parallel()

	const w, h = 2, 2
	frame := func(v byte) []byte { return bytes.Repeat([]byte{v}, w*h*4) }

	pr, pw := io.Pipe()
	stopped := false
	src := newSource(pr, w, h, func() error {
		stopped = true
		return pw.Close()
	})

	if _, ok := src.Frame(); ok {
		t.Fatal("Frame() ok before any data")
	}

	go func() {
		pw.Write(frame(1))
		pw.Write(frame(2))
		pw.Write(frame(3))
	}()

	select {
	case <-src.firstFrame:
	case <-time.After(2 * time.Second):
		t.Fatal("first frame not signalled")
	}

	deadline := time.After(2 * time.Second)
	for {
		img, ok := src.Frame()
		if ok && img.(*image.RGBA).Pix[0] == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("latest frame never became frame 3")
		case <-time.After(time.Millisecond):
		}
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !stopped {
		t.Error("stop func not called")
	}
	select {
	case <-src.Ended():
	case <-time.After(2 * time.Second):
		t.Fatal("Ended not closed after Close")
	}
	if _, ok := src.Frame(); ok {
		t.Error("Frame() ok after Close")
	}
	if err := src.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSource_EndedOnEOF(t *testing.T) {
	t.Parallel()

	src := newSource(bytes.NewReader(make([]byte, 10)), 4, 4, nil)
	select {
	case <-src.Ended():
	case <-time.After(2 * time.Second):
		t.Fatal("Ended not closed on EOF")
	}
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()

	b := &tailBuffer{limit: 5}
	b.Write([]byte("hello "))
	b.Write([]byte("world"))
	if got := b.String(); got != "world" {
		t.Errorf("String() = %q; want %q", got, "world")
	}
}
