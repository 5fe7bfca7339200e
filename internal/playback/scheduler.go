// Package playback schedules inbound model audio for gapless playback.
//
// The [Scheduler] keeps a single timeline cursor marking when the next
// segment may start. Each enqueued segment starts at max(cursor, now) and
// pushes the cursor to its end, so segments play back to back in arrival
// order without gaps or overlap. "now" is the output clock: the number of
// samples the output device has pulled through [Scheduler.Render].
//
// Positions are kept as integer sample counts so placement is exact.
package playback

import (
	"sync"
	"time"

	"github.com/MrWong99/companion/pkg/audio"
)

// Compile-time check.
var _ audio.Renderer = (*Scheduler)(nil)

// Placement describes where an enqueued segment landed on the timeline.
type Placement struct {
	// ID identifies the source in the active set.
	ID uint64

	// Start is the output-clock time at which the segment begins.
	Start time.Duration

	// Duration is the segment length.
	Duration time.Duration
}

// End returns the time at which the segment finishes.
func (p Placement) End() time.Duration { return p.Start + p.Duration }

// source is one scheduled, not yet finished segment.
type source struct {
	id      uint64
	samples []float32
	start   int64 // output-clock sample index
}

func (s *source) end() int64 { return s.start + int64(len(s.samples)) }

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithSampleRate sets the output rate. Default: [audio.PlaybackSampleRate].
func WithSampleRate(rate int) Option {
	return func(s *Scheduler) { s.rate = rate }
}

// WithSpeakingHandler registers fn to be called whenever the scheduler
// starts or stops producing audio. Calls are serialised and delivered in
// order, never while the scheduler's lock is held.
func WithSpeakingHandler(fn func(speaking bool)) Option {
	return func(s *Scheduler) { s.onSpeaking = fn }
}

// Scheduler owns the playback timeline and the set of active sources.
// All methods are safe for concurrent use; Render is normally called from
// the output device goroutine while Enqueue and Interrupt come from the
// remote receive goroutine.
type Scheduler struct {
	rate       int
	onSpeaking func(bool)

	mu       sync.Mutex
	clock    int64 // samples rendered so far
	cursor   int64
	active   []*source
	nextID   uint64
	speaking bool
	closed   bool

	// notifyMu orders speaking callbacks without holding mu during them.
	notifyMu sync.Mutex
}

// NewScheduler creates a scheduler with an empty timeline.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{rate: audio.PlaybackSampleRate}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SampleRate returns the output rate in Hz.
func (s *Scheduler) SampleRate() int { return s.rate }

// Enqueue schedules samples to play at max(cursor, now) and advances the
// cursor by their duration. Empty input and calls after Close are ignored
// and return a zero Placement.
func (s *Scheduler) Enqueue(samples []float32) Placement {
	s.mu.Lock()
	if s.closed || len(samples) == 0 {
		s.mu.Unlock()
		return Placement{}
	}

	start := max(s.cursor, s.clock)
	s.nextID++
	src := &source{id: s.nextID, samples: samples, start: start}
	s.active = append(s.active, src)
	s.cursor = src.end()

	changed := !s.speaking
	s.speaking = true
	p := Placement{
		ID:       src.id,
		Start:    audio.SamplesToDuration(start, s.rate),
		Duration: audio.SamplesToDuration(int64(len(samples)), s.rate),
	}
	s.notifyLocked(changed, true)
	return p
}

// Render mixes every active source overlapping the next len(out) samples
// into out and advances the output clock. Sources that finish inside the
// window leave the active set; when the set becomes empty the scheduler
// reports that it stopped speaking.
func (s *Scheduler) Render(out []float32) {
	clear(out)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	winStart := s.clock
	winEnd := winStart + int64(len(out))

	kept := s.active[:0]
	for _, src := range s.active {
		from := max(src.start, winStart)
		to := min(src.end(), winEnd)
		for i := from; i < to; i++ {
			out[i-winStart] += src.samples[i-src.start]
		}
		if src.end() > winEnd {
			kept = append(kept, src)
		}
	}
	clear(s.active[len(kept):])
	s.active = kept
	s.clock = winEnd

	changed := s.speaking && len(s.active) == 0
	if changed {
		s.speaking = false
	}
	s.notifyLocked(changed, false)
}

// Interrupt stops every active source immediately, clears the active set,
// resets the cursor to zero and reports that the scheduler stopped speaking.
// It returns the number of sources that were cut off.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	n := len(s.active)
	clear(s.active)
	s.active = s.active[:0]
	s.cursor = 0

	changed := s.speaking
	s.speaking = false
	s.notifyLocked(changed, false)
	return n
}

// notifyLocked releases mu and, when changed, delivers the new speaking
// state. It must be called with mu held.
func (s *Scheduler) notifyLocked(changed, speaking bool) {
	if !changed || s.onSpeaking == nil {
		s.mu.Unlock()
		return
	}
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	s.onSpeaking(speaking)
}

// Now returns the output clock.
func (s *Scheduler) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.SamplesToDuration(s.clock, s.rate)
}

// Cursor returns the earliest time the next segment may start.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.SamplesToDuration(s.cursor, s.rate)
}

// Active returns the number of scheduled sources that have not finished.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Speaking reports whether any source is scheduled or playing.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Close drops all sources and makes Render produce silence. Enqueue after
// Close is a no-op. Idempotent; no speaking callback is delivered.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.active = nil
	s.cursor = 0
	s.speaking = false
	return nil
}
