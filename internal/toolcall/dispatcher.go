// Package toolcall relays function calls requested by the remote model to
// an external handler and carries the handler's answers back.
//
// The Dispatcher keeps no per-call state. The handler and the responder are
// both held behind atomic indirections so the receive goroutine never has
// to re-subscribe when either changes: SetHandler re-points the handler,
// Bind and Unbind follow the session's remote channel.
package toolcall

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/companion/pkg/remote"
)

// ErrNotConnected is returned by [Dispatcher.SendToolResponse] when no
// remote channel is bound.
var ErrNotConnected = errors.New("toolcall: not connected")

// Handler receives the function calls of one remote message, unmodified.
// HandleToolCalls runs on the remote receive goroutine and must return
// promptly; long-running work belongs on a goroutine of its own, answering
// through [Dispatcher.SendToolResponse] when done.
type Handler interface {
	HandleToolCalls(ctx context.Context, calls []remote.FunctionCall)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, calls []remote.FunctionCall)

// HandleToolCalls calls f.
func (f HandlerFunc) HandleToolCalls(ctx context.Context, calls []remote.FunctionCall) {
	f(ctx, calls)
}

// Responder carries function responses to the remote side.
// [remote.Channel] satisfies it.
type Responder interface {
	SendToolResponse(ctx context.Context, responses []remote.FunctionResponse) error
}

// Boxes give atomic.Pointer a concrete type to point at.
type handlerBox struct{ h Handler }
type responderBox struct{ r Responder }

// Dispatcher forwards tool calls and responses. The zero value is ready to
// use and drops calls until a handler is set.
type Dispatcher struct {
	handler   atomic.Pointer[handlerBox]
	responder atomic.Pointer[responderBox]
}

// New returns a Dispatcher with h installed. h may be nil.
func New(h Handler) *Dispatcher {
	d := &Dispatcher{}
	d.SetHandler(h)
	return d
}

// SetHandler re-points the handler. Calls dispatched afterwards reach h;
// a nil h drops them.
func (d *Dispatcher) SetHandler(h Handler) {
	if h == nil {
		d.handler.Store(nil)
		return
	}
	d.handler.Store(&handlerBox{h: h})
}

// Dispatch forwards calls to the current handler. It reports whether a
// handler received them.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []remote.FunctionCall) bool {
	if len(calls) == 0 {
		return false
	}
	box := d.handler.Load()
	if box == nil {
		slog.Warn("toolcall: no handler, dropping calls", "count", len(calls), "first", calls[0].Name)
		return false
	}
	box.h.HandleToolCalls(ctx, calls)
	return true
}

// Bind sets the responder used by SendToolResponse.
func (d *Dispatcher) Bind(r Responder) {
	if r == nil {
		d.Unbind()
		return
	}
	d.responder.Store(&responderBox{r: r})
}

// Unbind clears the responder. Responses sent afterwards fail with
// [ErrNotConnected].
func (d *Dispatcher) Unbind() { d.responder.Store(nil) }

// Bound reports whether a responder is bound.
func (d *Dispatcher) Bound() bool { return d.responder.Load() != nil }

// SendToolResponse forwards responses over the bound responder.
func (d *Dispatcher) SendToolResponse(ctx context.Context, responses []remote.FunctionResponse) error {
	box := d.responder.Load()
	if box == nil {
		return ErrNotConnected
	}
	return box.r.SendToolResponse(ctx, responses)
}
