package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/companion/pkg/remote"
)

// Remote implements [remote.Provider] with failover across several remote
// backends. Only opening the channel fails over; a channel that drops
// mid-session is reported to the session as usual.
type Remote struct {
	group *FallbackGroup[remote.Provider]
}

var _ remote.Provider = (*Remote)(nil)

// NewRemote creates a [Remote] with primary as the preferred backend.
// Context cancellation and invalid configs never count against a breaker.
func NewRemote(primary remote.Provider, cfg FallbackConfig) *Remote {
	cfg.CircuitBreaker.Counts = countsAgainstRemote
	return &Remote{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

// AddFallback registers another backend, tried after those added before.
func (r *Remote) AddFallback(p remote.Provider) {
	r.group.AddFallback(p.Name(), p)
}

// Name lists the backends in try order, e.g. "gemini-live>openai-realtime".
func (r *Remote) Name() string {
	return strings.Join(r.group.Names(), ">")
}

// Open opens a channel on the first backend that accepts it. An invalid
// config is returned straight away since every backend shares it.
func (r *Remote) Open(ctx context.Context, cfg remote.Config) (remote.Channel, error) {
	stop := func(err error) bool { return errors.Is(err, remote.ErrInvalidConfig) }
	return Execute(ctx, r.group, stop, func(p remote.Provider) (remote.Channel, error) {
		return p.Open(ctx, cfg)
	})
}

// Breaker returns the breaker of the named backend, or nil.
func (r *Remote) Breaker(name string) *CircuitBreaker { return r.group.Breaker(name) }

func countsAgainstRemote(err error) bool {
	switch {
	case errors.Is(err, remote.ErrInvalidConfig),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
