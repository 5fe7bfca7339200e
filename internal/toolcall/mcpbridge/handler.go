package mcpbridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/companion/internal/toolcall"
	"github.com/MrWong99/companion/pkg/remote"
)

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 10 * time.Second

// Outcomes reported to the observer.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Executor runs one tool. [*Host] satisfies it.
type Executor interface {
	ExecuteTool(ctx context.Context, name string, args map[string]any) (Result, error)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithTimeout overrides [DefaultTimeout]. Non-positive values are ignored.
func WithTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithObserver registers fn to be called once per finished call with the
// tool name, one of the Outcome constants and the execution time.
func WithObserver(fn func(name, outcome string, d time.Duration)) HandlerOption {
	return func(h *Handler) { h.observe = fn }
}

// Handler executes remote tool calls against an Executor, each on its own
// goroutine, and answers each through the responder as soon as it is done.
type Handler struct {
	exec      Executor
	responder toolcall.Responder
	timeout   time.Duration
	observe   func(name, outcome string, d time.Duration)

	wg sync.WaitGroup
}

var _ toolcall.Handler = (*Handler)(nil)

// NewHandler creates a Handler. responder is usually the session manager or
// the dispatcher, so answers follow whichever channel is current.
func NewHandler(exec Executor, responder toolcall.Responder, opts ...HandlerOption) *Handler {
	h := &Handler{
		exec:      exec,
		responder: responder,
		timeout:   DefaultTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HandleToolCalls implements toolcall.Handler. It returns immediately.
func (h *Handler) HandleToolCalls(ctx context.Context, calls []remote.FunctionCall) {
	for _, call := range calls {
		h.wg.Go(func() { h.run(ctx, call) })
	}
}

func (h *Handler) run(ctx context.Context, call remote.FunctionCall) {
	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	res, err := h.exec.ExecuteTool(callCtx, call.Name, call.Args)

	outcome := OutcomeOK
	response := map[string]any{}
	switch {
	case err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		outcome = OutcomeTimeout
		response["error"] = "tool timed out"
	case err != nil:
		outcome = OutcomeError
		response["error"] = err.Error()
	case res.IsError:
		outcome = OutcomeError
		response["error"] = res.Content
	default:
		response["output"] = res.Content
	}
	elapsed := time.Since(start)
	slog.Debug("mcpbridge: tool call finished",
		"tool", call.Name,
		"id", call.ID,
		"outcome", outcome,
		"duration", elapsed,
	)
	if h.observe != nil {
		h.observe(call.Name, outcome, elapsed)
	}

	// Session teardown cancels ctx; there is nobody left to answer.
	if ctx.Err() != nil {
		return
	}
	err = h.responder.SendToolResponse(ctx, []remote.FunctionResponse{{
		ID:       call.ID,
		Name:     call.Name,
		Response: response,
	}})
	if err != nil {
		slog.Warn("mcpbridge: send tool response", "tool", call.Name, "err", err)
	}
}

// Wait blocks until every in-flight call has finished.
func (h *Handler) Wait() { h.wg.Wait() }
