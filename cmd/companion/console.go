package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/companion/internal/session"
	"github.com/MrWong99/companion/internal/transcript"
	"github.com/MrWong99/companion/pkg/video"
)

// control is the subset of [session.Manager] the console drives.
type control interface {
	Connect(ctx context.Context) error
	Disconnect()
	ToggleMute() bool
	StartVideo(ctx context.Context, mode video.Mode) error
	StopVideo()
	Subscribe() (<-chan session.State, func())
}

const helpText = `commands:
  r  connect (or reconnect)
  d  disconnect
  m  toggle microphone mute
  c  share camera
  s  share screen
  v  stop video
  q  quit`

// console reads single-letter commands and prints session changes.
type console struct {
	ctl control
	in  io.Reader

	mu  sync.Mutex
	out io.Writer
}

func newConsole(ctl control, in io.Reader, out io.Writer) *console {
	return &console{ctl: ctl, in: in, out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// readCommands handles input lines until q, EOF or ctx is done.
func (c *console) readCommands(ctx context.Context) {
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if !c.handle(ctx, strings.TrimSpace(sc.Text())) {
			return
		}
	}
}

// handle runs one command. It returns false when the console should stop.
func (c *console) handle(ctx context.Context, cmd string) bool {
	switch strings.ToLower(cmd) {
	case "":
	case "r":
		go c.connect(ctx)
	case "d":
		c.ctl.Disconnect()
	case "m":
		if c.ctl.ToggleMute() {
			c.printf("[mic muted]")
		} else {
			c.printf("[mic live]")
		}
	case "c":
		c.startVideo(ctx, video.ModeCamera)
	case "s":
		c.startVideo(ctx, video.ModeScreen)
	case "v":
		c.ctl.StopVideo()
	case "q":
		return false
	case "h", "?":
		c.printf("%s", helpText)
	default:
		c.printf("unknown command %q, type h for help", cmd)
	}
	return true
}

func (c *console) connect(ctx context.Context) {
	if err := c.ctl.Connect(ctx); err != nil {
		slog.Debug("connect failed", "err", err)
	}
}

func (c *console) startVideo(ctx context.Context, mode video.Mode) {
	if err := c.ctl.StartVideo(ctx, mode); err != nil {
		c.printf("[%s unavailable: %v]", mode, err)
	}
}

// printStates prints phase changes, errors and finished transcript lines
// until ctx is done.
func (c *console) printStates(ctx context.Context) {
	states, cancel := c.ctl.Subscribe()
	defer cancel()

	var (
		phase   session.Phase
		lastErr string
		printed int
	)
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			if st.Phase != phase {
				phase = st.Phase
				c.printf("[%s]", phase)
			}
			var msg string
			if st.Err != nil {
				msg = st.Err.Message
			}
			if msg != "" && msg != lastErr {
				c.printf("[error: %s]", msg)
			}
			lastErr = msg
			// A new session starts with an empty transcript.
			if len(st.Transcripts) < printed {
				printed = 0
			}
			for printed < len(st.Transcripts) && st.Transcripts[printed].Final {
				c.printf("%s", formatItem(st.Transcripts[printed]))
				printed++
			}
		}
	}
}

func formatItem(it transcript.Item) string {
	who := "model"
	if it.Role == transcript.RoleLocal {
		who = "you"
	}
	return who + ": " + it.Text
}
