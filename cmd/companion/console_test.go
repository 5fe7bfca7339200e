package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/companion/internal/session"
	"github.com/MrWong99/companion/internal/transcript"
	"github.com/MrWong99/companion/pkg/video"
)

type fakeControl struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	muted       bool
	videoModes  []video.Mode
	videoErr    error
	stops       int
	states      chan session.State
}

func (f *fakeControl) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeControl) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeControl) ToggleMute() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = !f.muted
	return f.muted
}

func (f *fakeControl) StartVideo(_ context.Context, mode video.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoModes = append(f.videoModes, mode)
	return f.videoErr
}

func (f *fakeControl) StopVideo() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeControl) Subscribe() (<-chan session.State, func()) {
	return f.states, func() {}
}

// syncBuffer is a bytes.Buffer safe for the console's concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConsole_Commands(t *testing.T) {
	t.Parallel()
	ctl := &fakeControl{videoErr: errors.New("camera busy")}
	var out syncBuffer
	c := newConsole(ctl, strings.NewReader("m\nc\ns\nv\nd\nx\nm\nq\nd\n"), &out)

	c.readCommands(context.Background())

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.muted {
		t.Error("muted after two toggles")
	}
	if len(ctl.videoModes) != 2 || ctl.videoModes[0] != video.ModeCamera || ctl.videoModes[1] != video.ModeScreen {
		t.Errorf("video modes = %v; want [camera screen]", ctl.videoModes)
	}
	if ctl.stops != 1 {
		t.Errorf("StopVideo calls = %d; want 1", ctl.stops)
	}
	if ctl.disconnects != 1 {
		t.Errorf("Disconnect calls = %d; want 1 (commands after q are ignored)", ctl.disconnects)
	}

	got := out.String()
	for _, want := range []string{"[mic muted]", "[mic live]", "[camera unavailable: camera busy]", `unknown command "x"`} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestConsole_ReconnectCommand(t *testing.T) {
	t.Parallel()
	ctl := &fakeControl{}
	c := newConsole(ctl, strings.NewReader("r\n"), &syncBuffer{})
	c.readCommands(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		ctl.mu.Lock()
		n := ctl.connects
		ctl.mu.Unlock()
		if n == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Connect calls = %d; want 1", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConsole_PrintStates(t *testing.T) {
	t.Parallel()
	ctl := &fakeControl{states: make(chan session.State, 8)}
	var out syncBuffer
	c := newConsole(ctl, strings.NewReader(""), &out)

	ctl.states <- session.State{Phase: session.PhaseConnecting}
	ctl.states <- session.State{Phase: session.PhaseConnected, Transcripts: []transcript.Item{
		{Role: transcript.RoleLocal, Text: "hello", Final: true},
		{Role: transcript.RoleRemote, Text: "hi th", Final: false},
	}}
	ctl.states <- session.State{Phase: session.PhaseConnected, Transcripts: []transcript.Item{
		{Role: transcript.RoleLocal, Text: "hello", Final: true},
		{Role: transcript.RoleRemote, Text: "hi there", Final: true},
	}}
	ctl.states <- session.State{Phase: session.PhaseFailed, Err: &session.Error{Message: "network unreachable"}}
	ctl.states <- session.State{Phase: session.PhaseFailed, Err: &session.Error{Message: "network unreachable"}}
	close(ctl.states)

	c.printStates(context.Background())

	want := strings.Join([]string{
		"[connecting]",
		"[connected]",
		"you: hello",
		"model: hi there",
		"[failed]",
		"[error: network unreachable]",
		"",
	}, "\n")
	if got := out.String(); got != want {
		t.Errorf("output =\n%s\nwant\n%s", got, want)
	}
}
