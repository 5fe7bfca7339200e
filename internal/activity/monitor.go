package activity

import (
	"context"
	"time"
)

// DefaultInterval is one render frame at 60 Hz.
const DefaultInterval = 16 * time.Millisecond

// LevelSource yields the current activity level. [*Analyser] implements it.
type LevelSource interface {
	Level() float64
}

// MonitorOption configures a [Monitor].
type MonitorOption func(*Monitor)

// WithInterval sets the polling cadence. Default: [DefaultInterval].
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = d }
}

// Monitor polls a [LevelSource] and publishes the level while the session
// is live.
type Monitor struct {
	source   LevelSource
	live     func() bool
	publish  func(level float64)
	interval time.Duration
}

// NewMonitor creates a monitor. live is consulted at the top of every tick;
// the first time it reports false the monitor stops. publish receives each
// level in [0, 100].
func NewMonitor(source LevelSource, live func() bool, publish func(float64), opts ...MonitorOption) *Monitor {
	m := &Monitor{
		source:   source,
		live:     live,
		publish:  publish,
		interval: DefaultInterval,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run polls until ctx is cancelled or the session stops being live. It
// blocks; start it in its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.live() {
			return
		}
		m.publish(m.source.Level())
	}
}
