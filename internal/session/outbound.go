package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/companion/pkg/audio"
	"github.com/MrWong99/companion/pkg/remote"
	"github.com/MrWong99/companion/pkg/video"
)

// DefaultQueueSize bounds the number of inputs waiting for the network.
// At 256 ms per audio frame that is about a second of backlog.
const DefaultQueueSize = 4

// outbound is the single FIFO sender between the capture goroutines and
// the remote channel. Offers never block; a full queue refuses the input
// and the capture side counts it as an overflow.
type outbound struct {
	ch    remote.Channel
	queue chan remote.Input
	ctx   context.Context

	onSent func(remote.Input)

	sent   atomic.Uint64
	failed atomic.Uint64
}

func newOutbound(ctx context.Context, ch remote.Channel, size int, onSent func(remote.Input)) *outbound {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &outbound{
		ch:     ch,
		queue:  make(chan remote.Input, size),
		ctx:    ctx,
		onSent: onSent,
	}
}

// Offer queues one PCM16 frame captured at [audio.CaptureSampleRate].
func (o *outbound) Offer(frame []byte) bool {
	return o.offer(remote.AudioInput(frame, audio.CaptureSampleRate))
}

// OfferImage queues one encoded video frame.
func (o *outbound) OfferImage(f video.Frame) bool {
	return o.offer(remote.ImageInput(f.MIMEType, f.Data))
}

func (o *outbound) offer(in remote.Input) bool {
	if o.ctx.Err() != nil {
		return false
	}
	select {
	case o.queue <- in:
		return true
	default:
		return false
	}
}

// run sends queued inputs in order until the session context ends.
func (o *outbound) run() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case in := <-o.queue:
			o.send(in)
		}
	}
}

func (o *outbound) send(in remote.Input) {
	err := o.ch.SendRealtimeInput(o.ctx, in)
	switch {
	case err == nil:
		o.sent.Add(1)
		if o.onSent != nil {
			o.onSent(in)
		}
	case errors.Is(err, remote.ErrClosed), o.ctx.Err() != nil:
		// Teardown in progress.
	default:
		o.failed.Add(1)
		slog.Warn("session: send realtime input failed", "err", err)
	}
}
