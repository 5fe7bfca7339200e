// Package mock provides test doubles for the remote package interfaces.
//
// Use Provider to verify Open calls and hand out scripted channels. Use
// Channel to push events as the remote side would and to inspect what the
// session sent.
//
// Example:
//
//	p := &mock.Provider{AutoOpen: true}
//	ch, _ := p.Open(ctx, cfg) // ch emits EventOpened immediately
//	p.Last().Message(&remote.Message{TurnComplete: true})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/companion/pkg/remote"
)

// Compile-time assertions.
var (
	_ remote.Provider = (*Provider)(nil)
	_ remote.Channel  = (*Channel)(nil)
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	Ctx context.Context
	Cfg remote.Config
}

// Provider is a mock implementation of remote.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenErrs, if non-empty, are returned by successive Open calls before
	// OpenErr is consulted. A nil entry lets that call succeed.
	OpenErrs []error

	// Gate, if non-nil, makes Open block until it is closed or the context
	// is done.
	Gate chan struct{}

	// AutoOpen makes every new channel emit EventOpened immediately.
	AutoOpen bool

	// Channels are handed out by Open in order. Once exhausted, Open creates
	// fresh channels with NewChannel.
	Channels []*Channel

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall

	opened []*Channel
}

// Name implements remote.Provider.
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// Open records the call and returns the next scripted channel.
func (p *Provider) Open(ctx context.Context, cfg remote.Config) (remote.Channel, error) {
	p.mu.Lock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.OpenErrs) > 0 {
		err := p.OpenErrs[0]
		p.OpenErrs = p.OpenErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.OpenErr != nil {
		return nil, p.OpenErr
	}

	var ch *Channel
	if len(p.Channels) > 0 {
		ch = p.Channels[0]
		p.Channels = p.Channels[1:]
	} else {
		ch = NewChannel()
	}
	p.opened = append(p.opened, ch)
	if p.AutoOpen {
		ch.Opened()
	}
	return ch, nil
}

// OpenCount returns how many times Open was called.
func (p *Provider) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// Last returns the most recently opened channel, or nil.
func (p *Provider) Last() *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.opened) == 0 {
		return nil
	}
	return p.opened[len(p.opened)-1]
}

// Opened returns every channel handed out so far.
func (p *Provider) Opened() []*Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Channel(nil), p.opened...)
}

// ─── Channel ──────────────────────────────────────────────────────────────────

// Channel is a mock remote.Channel. Events are pushed by the test through
// Emit and the helpers built on it. Close does not close the events
// channel; End, Fail and Finish do, and must be called from the goroutine
// that emits.
type Channel struct {
	events chan remote.Event
	done   chan struct{}

	mu sync.Mutex

	// SendErr, if non-nil, is returned by SendRealtimeInput.
	SendErr error
	// ToolResponseErr, if non-nil, is returned by SendToolResponse.
	ToolResponseErr error
	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	inputs        []remote.Input
	toolResponses [][]remote.FunctionResponse
	closeCount    int
	closed        bool
	finished      bool

	// sent is signalled (non-blocking) after every recorded send.
	sent chan struct{}
}

// NewChannel creates a channel with a 256-event buffer.
func NewChannel() *Channel {
	return &Channel{
		events: make(chan remote.Event, 256),
		done:   make(chan struct{}),
		sent:   make(chan struct{}, 1),
	}
}

// Events implements remote.Channel.
func (c *Channel) Events() <-chan remote.Event { return c.events }

// Emit pushes ev. It reports false once the channel was closed or finished.
func (c *Channel) Emit(ev remote.Event) bool {
	c.mu.Lock()
	finished := c.finished
	c.mu.Unlock()
	if finished {
		return false
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// Opened emits EventOpened.
func (c *Channel) Opened() bool { return c.Emit(remote.Event{Type: remote.EventOpened}) }

// Message emits an EventMessage carrying m.
func (c *Channel) Message(m *remote.Message) bool {
	return c.Emit(remote.Event{Type: remote.EventMessage, Message: m})
}

// Fail emits EventError and closes the events channel.
func (c *Channel) Fail(err error) {
	c.Emit(remote.Event{Type: remote.EventError, Err: err})
	c.Finish()
}

// End emits EventClosed and closes the events channel.
func (c *Channel) End() {
	c.Emit(remote.Event{Type: remote.EventClosed})
	c.Finish()
}

// Finish closes the events channel without a terminal event. Idempotent.
func (c *Channel) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		c.finished = true
		close(c.events)
	}
}

// SendRealtimeInput records in and returns SendErr.
func (c *Channel) SendRealtimeInput(_ context.Context, in remote.Input) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return remote.ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.inputs = append(c.inputs, cloneInput(in))
	c.notify()
	return nil
}

// SendToolResponse records responses and returns ToolResponseErr.
func (c *Channel) SendToolResponse(_ context.Context, responses []remote.FunctionResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return remote.ErrClosed
	}
	if c.ToolResponseErr != nil {
		return c.ToolResponseErr
	}
	c.toolResponses = append(c.toolResponses, append([]remote.FunctionResponse(nil), responses...))
	c.notify()
	return nil
}

func (c *Channel) notify() {
	select {
	case c.sent <- struct{}{}:
	default:
	}
}

// Close implements remote.Channel. Idempotent; every call is counted.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return c.CloseErr
}

// Sent is signalled after a send is recorded. Multiple sends may collapse
// into one signal.
func (c *Channel) Sent() <-chan struct{} { return c.sent }

// Inputs returns a copy of every recorded realtime input.
func (c *Channel) Inputs() []remote.Input {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]remote.Input(nil), c.inputs...)
}

// AudioCount returns how many audio inputs were sent.
func (c *Channel) AudioCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, in := range c.inputs {
		if in.Audio != nil {
			n++
		}
	}
	return n
}

// ImageCount returns how many image inputs were sent.
func (c *Channel) ImageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, in := range c.inputs {
		if in.Image != nil {
			n++
		}
	}
	return n
}

// ToolResponses returns every recorded SendToolResponse batch.
func (c *Channel) ToolResponses() [][]remote.FunctionResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]remote.FunctionResponse(nil), c.toolResponses...)
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCount returns how many times Close was called.
func (c *Channel) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

func cloneInput(in remote.Input) remote.Input {
	out := remote.Input{}
	if in.Audio != nil {
		b := *in.Audio
		b.Data = append([]byte(nil), in.Audio.Data...)
		out.Audio = &b
	}
	if in.Image != nil {
		b := *in.Image
		b.Data = append([]byte(nil), in.Image.Data...)
		out.Image = &b
	}
	return out
}

// ErrScripted is a convenience error for tests.
var ErrScripted = errors.New("mock: scripted failure")
