package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/companion/pkg/remote"
)

// Default open retry parameters.
const (
	defaultMaxRetries = 3
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
)

// RetryPolicy retries opening the remote channel with exponential backoff.
// Only transient failures are retried: an invalid config or a cancelled
// context fails immediately.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first. Zero disables
	// retrying.
	MaxRetries int

	// Backoff is the wait before the first retry. It doubles per attempt up
	// to MaxBackoff. Defaults to 500ms if zero.
	Backoff time.Duration

	// MaxBackoff caps the wait. Defaults to 5s if zero.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: defaultMaxRetries, Backoff: defaultBackoff, MaxBackoff: defaultMaxBackoff}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	p.MaxRetries = max(p.MaxRetries, 0)
	if p.Backoff <= 0 {
		p.Backoff = defaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	return p
}

// Open calls provider.Open until it succeeds, a permanent error occurs or
// the retries are used up. The last error is returned wrapped.
func (p RetryPolicy) Open(ctx context.Context, provider remote.Provider, cfg remote.Config) (remote.Channel, error) {
	p = p.withDefaults()
	backoff := p.Backoff

	for attempt := 0; ; attempt++ {
		ch, err := provider.Open(ctx, cfg)
		if err == nil {
			if attempt > 0 {
				slog.Info("remote open succeeded after retry", "provider", provider.Name(), "attempt", attempt+1)
			}
			return ch, nil
		}
		if !retryable(ctx, err) || attempt >= p.MaxRetries {
			return nil, fmt.Errorf("session: open %s: %w", provider.Name(), err)
		}

		slog.Warn("remote open failed, retrying",
			"provider", provider.Name(),
			"attempt", attempt+1,
			"max_retries", p.MaxRetries,
			"backoff", backoff,
			"err", err,
		)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("session: open %s: %w", provider.Name(), ctx.Err())
		case <-t.C:
		}

		backoff = min(backoff*2, p.MaxBackoff)
	}
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, remote.ErrInvalidConfig),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
